package storage

import (
	"bytes"
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// ===== PEER OPERATIONS =====

// SavePeer adds or replaces a peer record
func (ks *KeyStore) SavePeer(rec *PeerRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO peers (
			peer_id, nickname, noise_key, signing_key, trust, first_seen, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			nickname = excluded.nickname,
			noise_key = excluded.noise_key,
			signing_key = excluded.signing_key,
			trust = excluded.trust,
			last_seen = excluded.last_seen
	`

	_, err := ks.db.Exec(
		query,
		rec.PeerID.String(),
		rec.Nickname,
		rec.NoiseKey[:],
		[]byte(rec.SigningKey),
		string(rec.Trust),
		rec.FirstSeen,
		rec.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("failed to save peer: %w", err)
	}
	return nil
}

// LearnPeer pins a peer's keys on first sight. Later announces refresh the
// nickname and last seen time; different keys return ErrKeyMismatch and
// leave the pinned record untouched.
func (ks *KeyStore) LearnPeer(rec *PeerRecord) (bool, error) {
	existing, err := ks.GetPeer(rec.PeerID)
	if errors.Is(err, ErrNotFound) {
		if rec.Trust == "" {
			rec.Trust = TrustTOFU
		}
		if rec.FirstSeen == 0 {
			rec.FirstSeen = rec.LastSeen
		}
		return true, ks.SavePeer(rec)
	}
	if err != nil {
		return false, err
	}

	if existing.NoiseKey != rec.NoiseKey || !bytes.Equal(existing.SigningKey, rec.SigningKey) {
		return false, fmt.Errorf("%w: %s", ErrKeyMismatch, rec.PeerID)
	}

	_, err = ks.db.Exec(
		`UPDATE peers SET nickname = ?, last_seen = ? WHERE peer_id = ?`,
		rec.Nickname, rec.LastSeen, rec.PeerID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update peer: %w", err)
	}
	return false, nil
}

// GetPeer retrieves a peer by id
func (ks *KeyStore) GetPeer(id protocol.PeerID) (*PeerRecord, error) {
	query := `
		SELECT peer_id, nickname, noise_key, signing_key, trust, first_seen, last_seen
		FROM peers WHERE peer_id = ?
	`
	rec, err := scanPeer(ks.db.QueryRow(query, id.String()))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListPeers returns all peers, most recently seen first
func (ks *KeyStore) ListPeers() ([]*PeerRecord, error) {
	query := `
		SELECT peer_id, nickname, noise_key, signing_key, trust, first_seen, last_seen
		FROM peers ORDER BY last_seen DESC
	`
	rows, err := ks.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []*PeerRecord
	for rows.Next() {
		rec, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, rec)
	}
	return peers, rows.Err()
}

// SetTrust changes a peer's trust level
func (ks *KeyStore) SetTrust(id protocol.PeerID, trust Trust) error {
	res, err := ks.db.Exec(`UPDATE peers SET trust = ? WHERE peer_id = ?`, string(trust), id.String())
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// TouchPeer updates last seen
func (ks *KeyStore) TouchPeer(id protocol.PeerID, seenMs int64) error {
	res, err := ks.db.Exec(`UPDATE peers SET last_seen = ? WHERE peer_id = ?`, seenMs, id.String())
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeletePeer removes a peer
func (ks *KeyStore) DeletePeer(id protocol.PeerID) error {
	res, err := ks.db.Exec(`DELETE FROM peers WHERE peer_id = ?`, id.String())
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SigningKey returns the pinned Ed25519 key of sender
func (ks *KeyStore) SigningKey(sender protocol.PeerID) (ed25519.PublicKey, bool) {
	var key []byte
	err := ks.db.QueryRow(`SELECT signing_key FROM peers WHERE peer_id = ?`, sender.String()).Scan(&key)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, false
	}
	return ed25519.PublicKey(key), true
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(row rowScanner) (*PeerRecord, error) {
	var (
		rec        PeerRecord
		id, trust  string
		noiseKey   []byte
		signingKey []byte
	)
	err := row.Scan(&id, &rec.Nickname, &noiseKey, &signingKey, &trust, &rec.FirstSeen, &rec.LastSeen)
	if err != nil {
		return nil, err
	}

	rec.PeerID, err = protocol.ParsePeerID(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt peer id %q: %w", id, err)
	}
	if len(noiseKey) != len(rec.NoiseKey) {
		return nil, fmt.Errorf("corrupt noise key for %s", id)
	}
	copy(rec.NoiseKey[:], noiseKey)
	rec.SigningKey = ed25519.PublicKey(signingKey)
	rec.Trust = Trust(trust)
	return &rec, nil
}
