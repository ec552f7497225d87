// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ciphertext, salt, err := Encrypt("Endpoint=sb://x/;SharedAccessKeyName=k;SharedAccessKey=s", "hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, ciphertext)
	require.NotEmpty(t, salt)

	plaintext, err := Decrypt(ciphertext, salt, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "Endpoint=sb://x/;SharedAccessKeyName=k;SharedAccessKey=s", plaintext)
}

func TestEncryptFreshNoncePerCall(t *testing.T) {
	c1, s1, err := Encrypt("secret", "pw")
	require.NoError(t, err)
	c2, _, err := Encrypt("secret", "pw")
	require.NoError(t, err)

	// Fresh salt and nonce every call: ciphertexts must differ while both
	// decrypt to the same plaintext.
	assert.NotEqual(t, c1, c2)

	p1, err := Decrypt(c1, s1, "pw")
	require.NoError(t, err)
	assert.Equal(t, "secret", p1)
}

func TestDecryptWrongPassword(t *testing.T) {
	ciphertext, salt, err := Encrypt("secret", "right")
	require.NoError(t, err)

	_, err = Decrypt(ciphertext, salt, "wrong")
	assert.ErrorIs(t, err, ErrInvalidPassword)
}

func TestDecryptMalformed(t *testing.T) {
	_, salt, err := Encrypt("secret", "pw")
	require.NoError(t, err)

	tests := []struct {
		name       string
		ciphertext string
		salt       string
	}{
		{"bad base64 ciphertext", "!!!not-base64!!!", salt},
		{"bad base64 salt", "aGVsbG8=", "!!!"},
		{"truncated blob", "aGk=", salt},
		{"wrong salt length", "aGVsbG8gd29ybGQgaGVsbG8=", "c2hvcnQ="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.ciphertext, tt.salt, "pw")
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncryptRejectsEmptyInputs(t *testing.T) {
	_, _, err := Encrypt("", "pw")
	assert.ErrorIs(t, err, ErrEmptyPlaintext)

	_, _, err = Encrypt("secret", "  ")
	assert.ErrorIs(t, err, ErrEmptyPassword)
}

func TestContainsEncrypted(t *testing.T) {
	env := map[string]string{}
	lookup := func(k string) string { return env[k] }

	assert.False(t, ContainsEncrypted(lookup))

	env[EnvEncryptedConnectionString] = "blob"
	assert.True(t, ContainsEncrypted(lookup))

	delete(env, EnvEncryptedConnectionString)
	env[EnvEncryptedClientSecret] = "blob"
	assert.True(t, ContainsEncrypted(lookup))
}

func TestStoreUnlock(t *testing.T) {
	ciphertext, salt, err := Encrypt("the-secret", "pw")
	require.NoError(t, err)

	env := map[string]string{
		EnvEncryptedClientSecret: ciphertext,
		EnvClientSecretSalt:      salt,
	}
	store := NewStore(func(k string) string { return env[k] })

	require.True(t, store.NeedsPassword(KindClientSecret))
	assert.False(t, store.NeedsPassword(KindConnectionString))

	require.ErrorIs(t, store.Unlock(KindClientSecret, "nope"), ErrInvalidPassword)
	require.NoError(t, store.Unlock(KindClientSecret, "pw"))

	assert.False(t, store.NeedsPassword(KindClientSecret))
	assert.Equal(t, "the-secret", store.Get(KindClientSecret))

	store.Zero()
	assert.Empty(t, store.Get(KindClientSecret))
	assert.True(t, store.NeedsPassword(KindClientSecret))
}
