// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dawidpereira/quetty/bus"
	"github.com/dawidpereira/quetty/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenUsableHonorsSkew(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		notAfter time.Time
		usable   bool
	}{
		{"well within validity", now.Add(time.Hour), true},
		{"inside the skew window", now.Add(30 * time.Second), false},
		{"already expired", now.Add(-time.Minute), false},
	}
	for _, tt := range tests {
		tok := &Token{Access: "x", NotAfter: tt.notAfter}
		if got := tok.Usable(now); got != tt.usable {
			t.Errorf("%s: Usable = %v, want %v", tt.name, got, tt.usable)
		}
	}

	var nilToken *Token
	if nilToken.Usable(now) {
		t.Error("nil token must not be usable")
	}
}

func TestParseConnectionString(t *testing.T) {
	cs, err := ParseConnectionString(
		"Endpoint=sb://ns.servicebus.windows.net/;SharedAccessKeyName=root;SharedAccessKey=abc123=")
	require.NoError(t, err)

	assert.Equal(t, "ns.servicebus.windows.net", cs.Namespace())
	assert.Equal(t, "root", cs.KeyName)

	_, err = ParseConnectionString("Endpoint=sb://ns/")
	assert.ErrorIs(t, err, ErrBadConnString)

	_, err = ParseConnectionString("garbage")
	assert.ErrorIs(t, err, ErrBadConnString)
}

func TestSASTokenShape(t *testing.T) {
	cs, err := ParseConnectionString(
		"Endpoint=sb://ns.servicebus.windows.net/;SharedAccessKeyName=root;SharedAccessKey=c2VjcmV0")
	require.NoError(t, err)

	sas, err := cs.SASToken("https://ns.servicebus.windows.net", time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sas, "SharedAccessSignature "))
	assert.Contains(t, sas, "skn=root")
	assert.Contains(t, sas, "sig=")
	assert.Contains(t, sas, "se=")
	// The raw key never appears in the token.
	assert.NotContains(t, sas, "c2VjcmV0")
}

func TestSASTokenSignsWithDecodedKey(t *testing.T) {
	rawKey := []byte("0123456789abcdef0123456789abcdef")
	cs := &ConnectionString{
		Endpoint: "sb://ns.servicebus.windows.net/",
		KeyName:  "root",
		Key:      base64.StdEncoding.EncodeToString(rawKey),
	}

	sas, err := cs.SASToken("https://ns.servicebus.windows.net", time.Hour)
	require.NoError(t, err)

	params, err := url.ParseQuery(strings.TrimPrefix(sas, "SharedAccessSignature "))
	require.NoError(t, err)

	// Recompute the signature over the DECODED key material; signing over
	// the base64 string instead would not verify. The signed string carries
	// the URL-encoded resource, which ParseQuery has already decoded.
	toSign := url.QueryEscape(params.Get("sr")) + "\n" + params.Get("se")
	mac := hmac.New(sha256.New, rawKey)
	mac.Write([]byte(toSign))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, params.Get("sig"))
}

func TestSASTokenRejectsBadKey(t *testing.T) {
	cs := &ConnectionString{
		Endpoint: "sb://ns/",
		KeyName:  "root",
		Key:      "!!!not-base64!!!",
	}
	_, err := cs.SASToken("https://ns", time.Hour)
	assert.ErrorIs(t, err, ErrBadConnString)
}

// fakeFlow scripts acquire/refresh behavior for provider tests.
type fakeFlow struct {
	mu       sync.Mutex
	acquires int
	refreshes int
	ttl      time.Duration
	refresh  string
	fail     error
}

func (f *fakeFlow) Name() string { return "fake" }

func (f *fakeFlow) Acquire(context.Context) (*Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.acquires++
	return &Token{Access: "acquired", NotAfter: time.Now().Add(f.ttl), Refresh: f.refresh}, nil
}

func (f *fakeFlow) Refresh(context.Context, string) (*Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.refreshes++
	return &Token{Access: "refreshed", NotAfter: time.Now().Add(f.ttl), Refresh: f.refresh}, nil
}

func TestProviderCachesToken(t *testing.T) {
	f := &fakeFlow{ttl: time.Hour}
	p := NewProvider(f, slog.Default())
	ctx := context.Background()

	first, err := p.Token(ctx)
	require.NoError(t, err)
	second, err := p.Token(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.acquires, "a valid cached token is not re-acquired")
}

func TestProviderSingleFlightReacquire(t *testing.T) {
	// After the cached token is dropped, concurrent callers all need a new
	// one; the mutex must serialize them so that only one re-acquires and
	// each caller observes a complete token.
	f := &fakeFlow{ttl: time.Hour, refresh: "r1"}
	p := NewProvider(f, slog.Default())
	ctx := context.Background()

	_, err := p.Token(ctx)
	require.NoError(t, err)

	// Drop the cached token so the next callers must re-acquire.
	p.Invalidate()

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := p.Token(ctx)
			require.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	for _, tok := range tokens {
		assert.NotEmpty(t, tok)
		assert.Equal(t, tokens[0], tok, "concurrent callers observe the same token")
	}
	assert.Equal(t, 2, f.acquires, "only one caller performs the re-acquire")
}

func TestProviderReturnsAuthExpiredWhenAcquireFails(t *testing.T) {
	f := &fakeFlow{ttl: time.Hour, fail: ErrInvalidCredentials}
	p := NewProvider(f, slog.Default())

	_, err := p.Token(context.Background())
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestSASFlowSignsLocally(t *testing.T) {
	conn := "Endpoint=sb://ns.servicebus.windows.net/;SharedAccessKeyName=root;SharedAccessKey=c2VjcmV0"
	f := NewSASFlow(func() string { return conn })

	tok, err := f.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, tok.Usable(time.Now()))
	assert.True(t, strings.HasPrefix(tok.Access, "SharedAccessSignature "))
}

func TestClientCredentialsExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "cid", r.Form.Get("client_id"))
		assert.Equal(t, "shh", r.Form.Get("client_secret"))

		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	f, err := NewClientCredentialsFlow(config.AzureAdConfig{
		TenantID:      "tenant",
		ClientID:      "cid",
		AuthorityHost: srv.URL,
		Scope:         "https://management.azure.com/.default",
	}, func() string { return "shh" })
	require.NoError(t, err)

	tok, err := f.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", tok.Access)
	assert.True(t, tok.Usable(time.Now()))
	assert.Empty(t, tok.Refresh, "client credentials issues no refresh token")
}

func TestDeviceCodeFlowPollsToSuccess(t *testing.T) {
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/devicecode"):
			json.NewEncoder(w).Encode(map[string]any{
				"device_code":      "dev-code",
				"user_code":        "ABCD-1234",
				"verification_uri": "https://example/devicelogin",
				"expires_in":       900,
				"interval":         1,
			})
		case strings.HasSuffix(r.URL.Path, "/token"):
			polls++
			if polls < 2 {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]any{"error": "authorization_pending"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "access",
				"refresh_token": "refresh",
				"expires_in":    3600,
			})
		}
	}))
	defer srv.Close()

	events := bus.New(16)
	f, err := NewDeviceCodeFlow(config.AzureAdConfig{
		TenantID:      "tenant",
		ClientID:      "cid",
		AuthorityHost: srv.URL,
		Scope:         "scope",
	}, events, slog.Default())
	require.NoError(t, err)

	tok, err := f.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access", tok.Access)
	assert.Equal(t, "refresh", tok.Refresh)

	// The prompt surfaced before the token arrived.
	ev, ok := events.TryRecv()
	require.True(t, ok)
	pending, ok := ev.(bus.DeviceCodePending)
	require.True(t, ok)
	assert.Equal(t, "ABCD-1234", pending.UserCode)
	assert.Equal(t, "https://example/devicelogin", pending.VerificationURI)

	ev, ok = events.TryRecv()
	require.True(t, ok)
	assert.IsType(t, bus.AuthSucceeded{}, ev)
}

func TestDeviceCodeDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/devicecode"):
			json.NewEncoder(w).Encode(map[string]any{
				"device_code": "dev-code",
				"user_code":   "ABCD-1234",
				"expires_in":  900,
				"interval":    1,
			})
		case strings.HasSuffix(r.URL.Path, "/token"):
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": "access_denied"})
		}
	}))
	defer srv.Close()

	events := bus.New(16)
	f, err := NewDeviceCodeFlow(config.AzureAdConfig{
		TenantID:      "tenant",
		ClientID:      "cid",
		AuthorityHost: srv.URL,
		Scope:         "scope",
	}, events, slog.Default())
	require.NoError(t, err)

	_, err = f.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrDeviceCodeDenied)
}
