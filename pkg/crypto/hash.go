package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// challengeContext separates verification signatures from every other
// use of the signing key
var challengeContext = []byte("zentalk-mesh verify")

// Hash returns the BLAKE2b-256 digest of the concatenated parts
func Hash(parts ...[]byte) [32]byte {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// HashString returns Hash as hex
func HashString(parts ...[]byte) string {
	sum := Hash(parts...)
	return hex.EncodeToString(sum[:])
}

// GenerateNonce returns size random bytes
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// challengeDigest binds a challenge nonce to one session's handshake hash,
// so a signed answer cannot be replayed on another session
func challengeDigest(nonce, handshakeHash []byte) []byte {
	sum := Hash(challengeContext, nonce, handshakeHash)
	return sum[:]
}

// SignChallenge answers a verification challenge received on the session
// identified by handshakeHash
func SignChallenge(key ed25519.PrivateKey, nonce, handshakeHash []byte) []byte {
	return ed25519.Sign(key, challengeDigest(nonce, handshakeHash))
}

// VerifyChallenge checks an answer produced by SignChallenge
func VerifyChallenge(pub ed25519.PublicKey, nonce, handshakeHash, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, challengeDigest(nonce, handshakeHash), sig)
}
