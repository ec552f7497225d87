// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
	"time"

	"github.com/dawidpereira/quetty/servicebus"
)

// statsCache caches queue statistics with a TTL. A zero TTL disables
// caching entirely: every request goes to the management surface.
type statsCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]statsEntry
}

type statsEntry struct {
	stats     servicebus.QueueStats
	fetchedAt time.Time
}

func newStatsCache(ttl time.Duration) *statsCache {
	return &statsCache{
		ttl:     ttl,
		entries: make(map[string]statsEntry),
	}
}

func (c *statsCache) get(queue string) (servicebus.QueueStats, bool) {
	if c.ttl <= 0 {
		return servicebus.QueueStats{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[queue]
	if !ok || time.Since(entry.fetchedAt) > c.ttl {
		delete(c.entries, queue)
		return servicebus.QueueStats{}, false
	}
	return entry.stats, true
}

func (c *statsCache) put(queue string, stats servicebus.QueueStats) {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[queue] = statsEntry{stats: stats, fetchedAt: time.Now()}
}
