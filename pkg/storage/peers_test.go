package storage

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

func openTestStore(t *testing.T) *KeyStore {
	t.Helper()
	ks, err := Open(filepath.Join(t.TempDir(), "peers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })
	return ks
}

func testRecord(t *testing.T, id protocol.PeerID) *PeerRecord {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	rec := &PeerRecord{
		PeerID:     id,
		Nickname:   "alice",
		SigningKey: pub,
		LastSeen:   1_700_000_000_000,
	}
	_, err = rand.Read(rec.NoiseKey[:])
	require.NoError(t, err)
	return rec
}

var (
	alice = protocol.PeerID{0xA, 0, 0, 0, 0, 0, 0, 1}
	bob   = protocol.PeerID{0xB, 0, 0, 0, 0, 0, 0, 2}
)

func TestLearnPeerPinsKeys(t *testing.T) {
	ks := openTestStore(t)
	rec := testRecord(t, alice)

	created, err := ks.LearnPeer(rec)
	require.NoError(t, err)
	assert.True(t, created)

	got, err := ks.GetPeer(alice)
	require.NoError(t, err)
	assert.Equal(t, TrustTOFU, got.Trust)
	assert.Equal(t, rec.NoiseKey, got.NoiseKey)
	assert.Equal(t, rec.SigningKey, got.SigningKey)
	assert.Equal(t, rec.LastSeen, got.FirstSeen)

	// Same keys, new nickname: refreshed
	again := *rec
	again.Nickname = "alice2"
	again.LastSeen += 1000
	created, err = ks.LearnPeer(&again)
	require.NoError(t, err)
	assert.False(t, created)

	got, err = ks.GetPeer(alice)
	require.NoError(t, err)
	assert.Equal(t, "alice2", got.Nickname)
	assert.Equal(t, again.LastSeen, got.LastSeen)
	assert.Equal(t, rec.LastSeen, got.FirstSeen)

	// Different keys under the same id are refused
	impostor := testRecord(t, alice)
	_, err = ks.LearnPeer(impostor)
	assert.ErrorIs(t, err, ErrKeyMismatch)

	got, err = ks.GetPeer(alice)
	require.NoError(t, err)
	assert.Equal(t, rec.SigningKey, got.SigningKey)
}

func TestSigningKeyResolver(t *testing.T) {
	ks := openTestStore(t)
	var resolver protocol.KeyResolver = ks

	_, ok := resolver.SigningKey(alice)
	assert.False(t, ok)

	rec := testRecord(t, alice)
	_, err := ks.LearnPeer(rec)
	require.NoError(t, err)

	key, ok := resolver.SigningKey(alice)
	require.True(t, ok)
	assert.Equal(t, rec.SigningKey, key)
}

func TestPeerCRUD(t *testing.T) {
	ks := openTestStore(t)

	a := testRecord(t, alice)
	a.Trust = TrustTOFU
	b := testRecord(t, bob)
	b.Trust = TrustTOFU
	b.LastSeen = a.LastSeen + 1
	require.NoError(t, ks.SavePeer(a))
	require.NoError(t, ks.SavePeer(b))

	peers, err := ks.ListPeers()
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, bob, peers[0].PeerID, "most recently seen first")

	require.NoError(t, ks.SetTrust(alice, TrustVerified))
	got, err := ks.GetPeer(alice)
	require.NoError(t, err)
	assert.Equal(t, TrustVerified, got.Trust)

	require.NoError(t, ks.TouchPeer(alice, b.LastSeen+1))
	peers, err = ks.ListPeers()
	require.NoError(t, err)
	assert.Equal(t, alice, peers[0].PeerID)

	require.NoError(t, ks.DeletePeer(alice))
	_, err = ks.GetPeer(alice)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, ks.DeletePeer(alice), ErrNotFound)
	assert.ErrorIs(t, ks.SetTrust(alice, TrustBlocked), ErrNotFound)
}

func TestSavePeerValidation(t *testing.T) {
	ks := openTestStore(t)

	tests := []struct {
		name   string
		mutate func(*PeerRecord)
	}{
		{"zero id", func(r *PeerRecord) { r.PeerID = protocol.PeerID{} }},
		{"broadcast id", func(r *PeerRecord) { r.PeerID = protocol.BroadcastID }},
		{"short signing key", func(r *PeerRecord) { r.SigningKey = r.SigningKey[:16] }},
		{"unknown trust", func(r *PeerRecord) { r.Trust = "friend" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testRecord(t, alice)
			rec.Trust = TrustTOFU
			tt.mutate(rec)
			err := ks.SavePeer(rec)
			if !assert.ErrorIs(t, err, ErrInvalidPeer) {
				t.Errorf("SavePeer(%s) = %v, want ErrInvalidPeer", tt.name, err)
			}
		})
	}
}

func TestReopenKeepsPeers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	ks, err := Open(path)
	require.NoError(t, err)
	rec := testRecord(t, alice)
	_, err = ks.LearnPeer(rec)
	require.NoError(t, err)
	require.NoError(t, ks.Close())

	ks, err = Open(path)
	require.NoError(t, err)
	defer ks.Close()
	got, err := ks.GetPeer(alice)
	require.NoError(t, err)
	assert.Equal(t, rec.NoiseKey, got.NoiseKey)
}
