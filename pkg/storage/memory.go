package storage

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// MemoryStore keeps peer records in memory with the same pinning rules as KeyStore
type MemoryStore struct {
	mu    sync.RWMutex
	peers map[protocol.PeerID]PeerRecord
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{peers: make(map[protocol.PeerID]PeerRecord)}
}

// SavePeer adds or replaces a peer record
func (m *MemoryStore) SavePeer(rec *PeerRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := copyRecord(rec)
	if existing, ok := m.peers[rec.PeerID]; ok {
		stored.FirstSeen = existing.FirstSeen
	}
	m.peers[rec.PeerID] = stored
	return nil
}

// LearnPeer pins keys on first sight, see KeyStore.LearnPeer
func (m *MemoryStore) LearnPeer(rec *PeerRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.peers[rec.PeerID]
	if !ok {
		if rec.Trust == "" {
			rec.Trust = TrustTOFU
		}
		if rec.FirstSeen == 0 {
			rec.FirstSeen = rec.LastSeen
		}
		if err := rec.Validate(); err != nil {
			return false, err
		}
		m.peers[rec.PeerID] = copyRecord(rec)
		return true, nil
	}

	if existing.NoiseKey != rec.NoiseKey || !bytes.Equal(existing.SigningKey, rec.SigningKey) {
		return false, fmt.Errorf("%w: %s", ErrKeyMismatch, rec.PeerID)
	}
	existing.Nickname = rec.Nickname
	existing.LastSeen = rec.LastSeen
	m.peers[rec.PeerID] = existing
	return false, nil
}

// GetPeer retrieves a peer by id
func (m *MemoryStore) GetPeer(id protocol.PeerID) (*PeerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.peers[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyRecord(&rec)
	return &out, nil
}

// ListPeers returns all peers, most recently seen first
func (m *MemoryStore) ListPeers() ([]*PeerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*PeerRecord, 0, len(m.peers))
	for _, rec := range m.peers {
		r := copyRecord(&rec)
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen > out[j].LastSeen })
	return out, nil
}

// SetTrust changes a peer's trust level
func (m *MemoryStore) SetTrust(id protocol.PeerID, trust Trust) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.peers[id]
	if !ok {
		return ErrNotFound
	}
	rec.Trust = trust
	m.peers[id] = rec
	return nil
}

// SigningKey returns the pinned Ed25519 key of sender
func (m *MemoryStore) SigningKey(sender protocol.PeerID) (ed25519.PublicKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.peers[sender]
	if !ok {
		return nil, false
	}
	return rec.SigningKey, true
}

func copyRecord(rec *PeerRecord) PeerRecord {
	c := *rec
	c.SigningKey = append(ed25519.PublicKey(nil), rec.SigningKey...)
	return c
}
