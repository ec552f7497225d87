// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package servicebus

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const sasAPIVersion = "2021-05"

// SASManagement implements Management against the Service Bus namespace's
// own Atom REST surface, authorized by SharedAccessSignature tokens. Used
// under connection-string auth, where no ARM bearer token exists: queue
// discovery and statistics come straight from the namespace endpoint.
type SASManagement struct {
	namespace string // fully qualified host, e.g. ns.servicebus.windows.net
	tokens    TokenSource
	httpc     *http.Client
}

// NewSASManagement creates a management client for namespace using SAS
// tokens from tokens.
func NewSASManagement(namespace string, tokens TokenSource) *SASManagement {
	return &SASManagement{
		namespace: namespace,
		tokens:    tokens,
		httpc:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Atom envelope for the namespace REST surface. Field tags match local
// names; the runtime-property prefixes vary by service version and are
// ignored by the decoder.
type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title   string `xml:"title"`
	Content struct {
		QueueDescription queueDescription `xml:"QueueDescription"`
	} `xml:"content"`
}

type queueDescription struct {
	MessageCount int64 `xml:"MessageCount"`
	CountDetails struct {
		Active     int64 `xml:"ActiveMessageCount"`
		DeadLetter int64 `xml:"DeadLetterMessageCount"`
		Scheduled  int64 `xml:"ScheduledMessageCount"`
	} `xml:"CountDetails"`
}

// ListNamespaces implements Management. A connection string scopes the
// session to its own namespace, so discovery returns exactly that one.
func (m *SASManagement) ListNamespaces(context.Context) ([]NamespaceInfo, error) {
	return []NamespaceInfo{{
		Name:     m.namespace,
		Endpoint: "sb://" + m.namespace + "/",
	}}, nil
}

// ListQueues implements Management via the $Resources/queues feed.
func (m *SASManagement) ListQueues(ctx context.Context, _ string) ([]string, error) {
	body, err := m.get(ctx, "list_queues", "", "/$Resources/queues")
	if err != nil {
		return nil, err
	}

	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, NewError(CodeTransient, "list_queues", "", err)
	}

	out := make([]string, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		out = append(out, entry.Title)
	}
	return out, nil
}

// QueueStats implements Management via the entity's description entry.
func (m *SASManagement) QueueStats(ctx context.Context, queue string) (QueueStats, error) {
	body, err := m.get(ctx, "queue_stats", queue, "/"+url.PathEscape(queue))
	if err != nil {
		return QueueStats{}, err
	}

	var entry atomEntry
	if err := xml.Unmarshal(body, &entry); err != nil {
		return QueueStats{}, NewError(CodeTransient, "queue_stats", queue, err)
	}

	cd := entry.Content.QueueDescription.CountDetails
	return QueueStats{
		Active:     cd.Active,
		DeadLetter: cd.DeadLetter,
		Scheduled:  cd.Scheduled,
	}, nil
}

func (m *SASManagement) get(ctx context.Context, op, queue, path string) ([]byte, error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, NewError(CodeUnauthorized, op, queue, err)
	}

	rawURL := "https://" + m.namespace + path + "?api-version=" + sasAPIVersion
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, NewError(CodeTransient, op, queue, err)
	}
	req.Header.Set("Authorization", token)

	resp, err := m.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewError(CodeTimeout, op, queue, ctx.Err())
		}
		return nil, NewError(CodeTransient, op, queue, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, NewError(CodeTransient, op, queue, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, NewError(CodeNotFound, op, queue, namespaceStatusError(resp.StatusCode))
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, NewError(CodeUnauthorized, op, queue, namespaceStatusError(resp.StatusCode))
	case http.StatusTooManyRequests:
		return nil, NewError(CodeThrottled, op, queue, namespaceStatusError(resp.StatusCode))
	default:
		return nil, NewError(CodeTransient, op, queue, namespaceStatusError(resp.StatusCode))
	}
}

func namespaceStatusError(code int) error {
	return fmt.Errorf("namespace endpoint returned status %d", code)
}
