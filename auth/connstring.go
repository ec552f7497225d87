// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ConnectionString is a parsed Service Bus connection string.
type ConnectionString struct {
	Endpoint   string // sb://namespace.servicebus.windows.net/
	KeyName    string
	Key        string // secret
	EntityPath string // optional queue scoping
}

// ParseConnectionString splits the semicolon-delimited key=value form.
func ParseConnectionString(raw string) (*ConnectionString, error) {
	cs := &ConnectionString{}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, ErrBadConnString
		}
		switch strings.ToLower(key) {
		case "endpoint":
			cs.Endpoint = value
		case "sharedaccesskeyname":
			cs.KeyName = value
		case "sharedaccesskey":
			cs.Key = value
		case "entitypath":
			cs.EntityPath = value
		}
	}
	if cs.Endpoint == "" || cs.KeyName == "" || cs.Key == "" {
		return nil, ErrBadConnString
	}
	return cs, nil
}

// Namespace extracts the namespace host from the endpoint.
func (cs *ConnectionString) Namespace() string {
	host := strings.TrimPrefix(cs.Endpoint, "sb://")
	host = strings.TrimPrefix(host, "https://")
	return strings.TrimSuffix(host, "/")
}

// SASToken signs a SharedAccessSignature for resourceURI valid for ttl.
// The signature covers the URL-encoded resource and the expiry instant. The
// shared access key is base64-encoded HMAC key material and must be decoded
// before signing; signing over the raw string produces tokens the broker
// rejects.
func (cs *ConnectionString) SASToken(resourceURI string, ttl time.Duration) (string, error) {
	key, err := base64.StdEncoding.DecodeString(cs.Key)
	if err != nil {
		return "", fmt.Errorf("%w: shared access key is not valid base64", ErrBadConnString)
	}

	expiry := time.Now().Add(ttl).Unix()
	encoded := url.QueryEscape(resourceURI)
	toSign := fmt.Sprintf("%s\n%d", encoded, expiry)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(toSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d&skn=%s",
		encoded, url.QueryEscape(signature), expiry, cs.KeyName), nil
}

// SASFlow is the degenerate identity flow for connection-string auth: the
// "token" is a SAS signed locally, so acquisition never leaves the process.
type SASFlow struct {
	conn func() string // lookup into the session credential store
	ttl  time.Duration
}

// NewSASFlow builds a SAS flow over the connection-string lookup.
func NewSASFlow(conn func() string) *SASFlow {
	return &SASFlow{conn: conn, ttl: time.Hour}
}

// Name implements flow.
func (f *SASFlow) Name() string { return "connection_string" }

// Acquire implements flow: signs a namespace-scoped SAS.
func (f *SASFlow) Acquire(context.Context) (*Token, error) {
	raw := f.conn()
	if raw == "" {
		return nil, ErrInvalidCredentials
	}
	cs, err := ParseConnectionString(raw)
	if err != nil {
		return nil, err
	}

	issued := time.Now()
	access, err := cs.SASToken("https://"+cs.Namespace(), f.ttl)
	if err != nil {
		return nil, err
	}
	return &Token{
		Access:   access,
		NotAfter: issued.Add(f.ttl),
		Scope:    cs.Namespace(),
	}, nil
}

// Refresh implements flow; SAS tokens are re-signed, never refreshed.
func (f *SASFlow) Refresh(context.Context, string) (*Token, error) {
	return nil, ErrNoRefresh
}
