// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"os"
	"sync"
)

// Kind names a credential slot.
type Kind byte

const (
	KindConnectionString Kind = iota
	KindClientSecret
)

// Environment keys carrying encrypted credentials and their salts.
const (
	EnvEncryptedConnectionString = "SERVICEBUS__ENCRYPTED_CONNECTION_STRING"
	EnvConnectionStringSalt      = "SERVICEBUS__ENCRYPTION_SALT"
	EnvEncryptedClientSecret     = "AZURE_AD__ENCRYPTED_CLIENT_SECRET"
	EnvClientSecretSalt          = "AZURE_AD__ENCRYPTION_SALT"
)

// ContainsEncrypted reports whether the environment carries any encrypted
// credential, meaning the process must prompt for a master password at
// startup. Pure over the provided lookup.
func ContainsEncrypted(lookup func(string) string) bool {
	if lookup == nil {
		lookup = os.Getenv
	}
	return lookup(EnvEncryptedConnectionString) != "" || lookup(EnvEncryptedClientSecret) != ""
}

// Store caches decrypted plaintext for the session. It lives only in memory
// and is wiped on Zero.
type Store struct {
	mu     sync.Mutex
	lookup func(string) string
	cache  map[Kind][]byte
}

// NewStore creates a store reading encrypted blobs through lookup
// (os.Getenv when nil).
func NewStore(lookup func(string) string) *Store {
	if lookup == nil {
		lookup = os.Getenv
	}
	return &Store{
		lookup: lookup,
		cache:  make(map[Kind][]byte),
	}
}

func (s *Store) envFor(kind Kind) (blobKey, saltKey string) {
	if kind == KindClientSecret {
		return EnvEncryptedClientSecret, EnvClientSecretSalt
	}
	return EnvEncryptedConnectionString, EnvConnectionStringSalt
}

// NeedsPassword reports whether kind has an encrypted variant configured and
// no cached plaintext for this session.
func (s *Store) NeedsPassword(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	blobKey, _ := s.envFor(kind)
	if s.lookup(blobKey) == "" {
		return false
	}
	_, cached := s.cache[kind]
	return !cached
}

// Unlock decrypts the configured blob for kind with password and caches the
// plaintext. Safe to call when nothing encrypted is configured.
func (s *Store) Unlock(kind Kind, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blobKey, saltKey := s.envFor(kind)
	blob := s.lookup(blobKey)
	if blob == "" {
		return nil
	}

	plaintext, err := Decrypt(blob, s.lookup(saltKey), password)
	if err != nil {
		return err
	}
	s.cache[kind] = []byte(plaintext)
	return nil
}

// Get returns the cached plaintext for kind, or "" when none is cached.
func (s *Store) Get(kind Kind) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.cache[kind])
}

// Put caches plaintext directly, for credentials supplied unencrypted.
func (s *Store) Put(kind Kind, plaintext string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[kind] = []byte(plaintext)
}

// Zero wipes all cached plaintext. Called on process exit.
func (s *Store) Zero() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, buf := range s.cache {
		zero(buf)
		delete(s.cache, kind)
	}
}
