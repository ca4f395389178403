// Package storage persists what a node learns about other peers: their
// Noise static key, Ed25519 signing key, nickname and trust level.
package storage

import (
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrKeyMismatch = errors.New("peer keys differ from the pinned keys")
	ErrInvalidPeer = errors.New("invalid peer record")
)

// Trust represents how a peer's keys were established
type Trust string

const (
	TrustTOFU     Trust = "tofu"     // pinned on first announce
	TrustVerified Trust = "verified" // passed a signed challenge
	TrustBlocked  Trust = "blocked"
)

// PeerRecord is one row of the peers table
type PeerRecord struct {
	PeerID     protocol.PeerID
	Nickname   string
	NoiseKey   [32]byte
	SigningKey ed25519.PublicKey
	Trust      Trust
	FirstSeen  int64 // unix ms
	LastSeen   int64 // unix ms
}

// Validate checks that the record binds a usable identity
func (r *PeerRecord) Validate() error {
	if r.PeerID.IsZero() || r.PeerID.IsBroadcast() {
		return fmt.Errorf("%w: reserved peer id", ErrInvalidPeer)
	}
	if len(r.SigningKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: signing key is %d bytes", ErrInvalidPeer, len(r.SigningKey))
	}
	switch r.Trust {
	case TrustTOFU, TrustVerified, TrustBlocked:
	default:
		return fmt.Errorf("%w: trust %q", ErrInvalidPeer, r.Trust)
	}
	return nil
}

// KeyStore manages the sqlite peer key database
type KeyStore struct {
	db *sql.DB
}

// Open opens or creates the key store at dbPath
func Open(dbPath string) (*KeyStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	ks := &KeyStore{db: db}
	if err := ks.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return ks, nil
}

// initSchema creates database tables
func (ks *KeyStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS peers (
		peer_id TEXT PRIMARY KEY,
		nickname TEXT NOT NULL DEFAULT '',
		noise_key BLOB NOT NULL,
		signing_key BLOB NOT NULL,
		trust TEXT NOT NULL,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen DESC);
	CREATE INDEX IF NOT EXISTS idx_peers_nickname ON peers(nickname);
	`

	if _, err := ks.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (ks *KeyStore) Close() error {
	return ks.db.Close()
}
