// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package secrets encrypts long-lived credentials with a password-derived
// key so the on-disk configuration never contains a usable secret.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 100_000
	saltLength    = 16
	legacySalt    = 32 // blobs written by older releases carry 32-byte salts
	keyLength     = 32
	nonceLength   = 12
)

var (
	// ErrInvalidPassword means the authentication tag did not verify.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrMalformed means the blob or salt could not be parsed.
	ErrMalformed = errors.New("malformed encrypted data")
	// ErrEmptyPlaintext rejects encrypting nothing.
	ErrEmptyPlaintext = errors.New("plaintext cannot be empty")
	// ErrEmptyPassword rejects an empty master password.
	ErrEmptyPassword = errors.New("password cannot be empty")
)

// Encrypt seals plaintext under a key derived from password. It returns the
// base64 ciphertext (nonce prepended) and the base64 of the fresh random
// salt used for derivation.
func Encrypt(plaintext, password string) (ciphertext, salt string, err error) {
	if strings.TrimSpace(plaintext) == "" {
		return "", "", ErrEmptyPlaintext
	}
	if strings.TrimSpace(password) == "" {
		return "", "", ErrEmptyPassword
	}

	rawSalt := make([]byte, saltLength)
	if _, err := rand.Read(rawSalt); err != nil {
		return "", "", err
	}

	sealed, err := seal([]byte(plaintext), password, rawSalt)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(rawSalt), nil
}

// Decrypt reverses Encrypt. It returns ErrInvalidPassword when the GCM tag
// does not verify and ErrMalformed on base64 or length errors.
func Decrypt(ciphertext, salt, password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", ErrEmptyPassword
	}

	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return "", ErrMalformed
	}
	if len(rawSalt) != saltLength && len(rawSalt) != legacySalt {
		return "", ErrMalformed
	}

	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrMalformed
	}
	if len(blob) < nonceLength+1 {
		return "", ErrMalformed
	}

	key := deriveKey(password, rawSalt)
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce, sealed := blob[:nonceLength], blob[nonceLength:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidPassword
	}
	return string(plaintext), nil
}

func seal(plaintext []byte, password string, salt []byte) ([]byte, error) {
	key := deriveKey(password, salt)
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	// Nonce is prepended so a blob is self-contained next to its salt.
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, kdfIterations, keyLength, sha256.New)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
