package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

func TestMemoryStoreMatchesKeyStore(t *testing.T) {
	stores := []struct {
		name  string
		store interface {
			LearnPeer(*PeerRecord) (bool, error)
			GetPeer(id protocol.PeerID) (*PeerRecord, error)
		}
	}{
		{"memory", NewMemoryStore()},
		{"sqlite", openTestStore(t)},
	}

	for _, tt := range stores {
		t.Run(tt.name, func(t *testing.T) {
			rec := testRecord(t, alice)
			created, err := tt.store.LearnPeer(rec)
			require.NoError(t, err)
			assert.True(t, created)

			created, err = tt.store.LearnPeer(rec)
			require.NoError(t, err)
			assert.False(t, created)

			_, err = tt.store.LearnPeer(testRecord(t, alice))
			assert.ErrorIs(t, err, ErrKeyMismatch)

			got, err := tt.store.GetPeer(alice)
			require.NoError(t, err)
			assert.Equal(t, TrustTOFU, got.Trust)

			_, err = tt.store.GetPeer(bob)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemoryStoreRecordsAreCopies(t *testing.T) {
	m := NewMemoryStore()
	rec := testRecord(t, alice)
	_, err := m.LearnPeer(rec)
	require.NoError(t, err)

	rec.SigningKey[0] ^= 0xFF
	key, ok := m.SigningKey(alice)
	require.True(t, ok)
	assert.NotEqual(t, rec.SigningKey, key)

	require.NoError(t, m.SetTrust(alice, TrustVerified))
	peers, err := m.ListPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, TrustVerified, peers[0].Trust)
	assert.ErrorIs(t, m.SetTrust(bob, TrustVerified), ErrNotFound)
}
