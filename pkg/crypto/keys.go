package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/curve25519"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

var (
	ErrInvalidKey = errors.New("invalid key")
)

const (
	pemTypeSigning = "PRIVATE KEY"
	pemTypeNoise   = "X25519 PRIVATE KEY"
)

// Identity is a node's long-term key material: the Curve25519 static key used
// by the Noise handshake and the Ed25519 key used to sign packets.
type Identity struct {
	NoisePrivate [32]byte
	NoisePublic  [32]byte
	SigningKey   ed25519.PrivateKey
}

// GenerateIdentity generates a fresh identity
func GenerateIdentity() (*Identity, error) {
	var noisePriv [32]byte
	if _, err := rand.Read(noisePriv[:]); err != nil {
		return nil, err
	}
	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewIdentity(noisePriv[:], signing)
}

// NewIdentity builds an identity from raw key material
func NewIdentity(noisePrivate []byte, signing ed25519.PrivateKey) (*Identity, error) {
	if len(noisePrivate) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: noise key is %d bytes", ErrInvalidKey, len(noisePrivate))
	}
	if len(signing) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: signing key is %d bytes", ErrInvalidKey, len(signing))
	}
	pub, err := curve25519.X25519(noisePrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	id := &Identity{SigningKey: signing}
	copy(id.NoisePrivate[:], noisePrivate)
	copy(id.NoisePublic[:], pub)
	return id, nil
}

// PeerID returns the mesh id derived from the noise static key
func (id *Identity) PeerID() protocol.PeerID {
	return DerivePeerID(id.NoisePublic[:])
}

// SigningPublic returns the Ed25519 public key
func (id *Identity) SigningPublic() ed25519.PublicKey {
	return id.SigningKey.Public().(ed25519.PublicKey)
}

// Fingerprint returns the hex BLAKE2b-256 hash of the noise static key
func (id *Identity) Fingerprint() string {
	return HashString(id.NoisePublic[:])
}

// DerivePeerID maps a noise static public key to its 8-byte mesh id.
// A handshake peer whose static key does not map to its claimed id is rejected.
func DerivePeerID(noisePublic []byte) protocol.PeerID {
	var pid protocol.PeerID
	h := Hash(noisePublic)
	copy(pid[:], h[:])
	if pid.IsZero() || pid.IsBroadcast() {
		pid[0] ^= 0x01
	}
	return pid
}

// ExportIdentityPEM exports both private keys as PKCS#8 PEM blocks
func ExportIdentityPEM(id *Identity) ([]byte, error) {
	signingDER, err := x509.MarshalPKCS8PrivateKey(id.SigningKey)
	if err != nil {
		return nil, err
	}
	noiseKey, err := ecdh.X25519().NewPrivateKey(id.NoisePrivate[:])
	if err != nil {
		return nil, err
	}
	noiseDER, err := x509.MarshalPKCS8PrivateKey(noiseKey)
	if err != nil {
		return nil, err
	}

	out := pem.EncodeToMemory(&pem.Block{Type: pemTypeSigning, Bytes: signingDER})
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: pemTypeNoise, Bytes: noiseDER})...)
	return out, nil
}

// ImportIdentityPEM imports an identity exported by ExportIdentityPEM
func ImportIdentityPEM(pemData []byte) (*Identity, error) {
	var signing ed25519.PrivateKey
	var noise []byte

	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		switch k := key.(type) {
		case ed25519.PrivateKey:
			signing = k
		case *ecdh.PrivateKey:
			if k.Curve() != ecdh.X25519() {
				return nil, ErrInvalidKey
			}
			noise = k.Bytes()
		default:
			return nil, fmt.Errorf("%w: unexpected %T", ErrInvalidKey, key)
		}
	}

	if signing == nil || noise == nil {
		return nil, ErrInvalidKey
	}
	return NewIdentity(noise, signing)
}

// SaveKeyToFile saves a PEM encoded key to file
func SaveKeyToFile(filename string, pemData []byte) error {
	return os.WriteFile(filename, pemData, 0600)
}

// LoadKeyFromFile loads a PEM encoded key from file
func LoadKeyFromFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// LoadOrGenerateIdentity loads the identity at path, generating and saving one
// when the file does not exist. The bool reports whether a new one was created.
func LoadOrGenerateIdentity(path string) (*Identity, bool, error) {
	data, err := LoadKeyFromFile(path)
	if err == nil {
		id, err := ImportIdentityPEM(data)
		return id, false, err
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	id, err := GenerateIdentity()
	if err != nil {
		return nil, false, err
	}
	pemData, err := ExportIdentityPEM(id)
	if err != nil {
		return nil, false, err
	}
	if err := SaveKeyToFile(path, pemData); err != nil {
		return nil, false, fmt.Errorf("failed to save identity: %w", err)
	}
	return id, true, nil
}
