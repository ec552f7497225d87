// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth acquires and refreshes the tokens the broker and management
// surfaces require. Access and refresh strings are secrets: they never
// appear in logs, error text, or events.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Skew is subtracted from token validity so refresh happens before the
// server-side deadline.
const Skew = 60 * time.Second

// Token is an acquired credential. Owned by the provider; callers receive
// only the access string.
type Token struct {
	Access   string
	NotAfter time.Time
	Refresh  string
	Scope    string
}

// Usable reports whether the token is valid for use now, honoring the skew.
func (t *Token) Usable(now time.Time) bool {
	if t == nil || t.Access == "" {
		return false
	}
	return now.Add(Skew).Before(t.NotAfter)
}

// notAfterFrom computes expiry from the advertised lifetime, cross-checked
// against the JWT exp claim when the access token parses as one. The earlier
// deadline wins.
func notAfterFrom(access string, issuedAt time.Time, expiresIn int64) time.Time {
	notAfter := issuedAt.Add(time.Duration(expiresIn) * time.Second)

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(access, claims); err != nil {
		return notAfter
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return notAfter
	}
	if exp.Time.Before(notAfter) {
		return exp.Time
	}
	return notAfter
}
