package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	tests := []struct {
		name     string
		parts    [][]byte
		expected string // BLAKE2b-256 hash in hex
	}{
		{
			name:     "empty input",
			parts:    [][]byte{{}},
			expected: "0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8",
		},
		{
			name:     "no parts",
			parts:    nil,
			expected: "0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8",
		},
		{
			name:     "single part",
			parts:    [][]byte{[]byte("hello world")},
			expected: "256c83b297114d201b30179f3f0ef0cace9783622da5974326b436178aeef610",
		},
		{
			name:     "parts are concatenated",
			parts:    [][]byte{[]byte("hello"), []byte(" "), []byte("world")},
			expected: "256c83b297114d201b30179f3f0ef0cace9783622da5974326b436178aeef610",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum := Hash(tt.parts...)
			assert.Equal(t, tt.expected, hex.EncodeToString(sum[:]))
			assert.Equal(t, tt.expected, HashString(tt.parts...))
		})
	}
}

func TestGenerateNonce(t *testing.T) {
	for _, size := range []int{8, 32} {
		nonce, err := GenerateNonce(size)
		require.NoError(t, err)
		assert.Len(t, nonce, size)

		nonce2, err := GenerateNonce(size)
		require.NoError(t, err)
		assert.NotEqual(t, nonce, nonce2, "nonces collided")
	}
}

func TestChallenge(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	other, err := GenerateIdentity()
	require.NoError(t, err)

	nonce := []byte("0123456789abcdef0123456789abcdef")
	binding := []byte("handshake hash of session one...")
	sig := SignChallenge(id.SigningKey, nonce, binding)

	tests := []struct {
		name    string
		pub     ed25519.PublicKey
		nonce   []byte
		binding []byte
		want    bool
	}{
		{"valid", id.SigningPublic(), nonce, binding, true},
		{"other session", id.SigningPublic(), nonce, []byte("handshake hash of session two..."), false},
		{"other nonce", id.SigningPublic(), []byte("fedcba9876543210fedcba9876543210"), binding, false},
		{"other key", other.SigningPublic(), nonce, binding, false},
		{"short key", ed25519.PublicKey{1, 2, 3}, nonce, binding, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyChallenge(tt.pub, tt.nonce, tt.binding, sig))
		})
	}
}
