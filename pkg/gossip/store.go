package gossip

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// DefaultStoreSize bounds the number of packets kept for reconciliation
const DefaultStoreSize = 1000

// Store keeps the most recent encoded public packets by message id
type Store struct {
	cache *lru.Cache
}

// NewStore creates a store holding up to size packets
func NewStore(size int) (*Store, error) {
	if size <= 0 {
		size = DefaultStoreSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Store{cache: cache}, nil
}

// Put stores an encoded packet
func (s *Store) Put(id protocol.MessageID, encoded []byte) {
	s.cache.Add(id, encoded)
}

// Get returns the encoded packet for id
func (s *Store) Get(id protocol.MessageID) ([]byte, bool) {
	v, ok := s.cache.Peek(id)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Has reports whether id is stored
func (s *Store) Has(id protocol.MessageID) bool {
	return s.cache.Contains(id)
}

// IDs returns stored ids from oldest to newest
func (s *Store) IDs() []protocol.MessageID {
	keys := s.cache.Keys()
	ids := make([]protocol.MessageID, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.(protocol.MessageID))
	}
	return ids
}

// Len returns the number of stored packets
func (s *Store) Len() int {
	return s.cache.Len()
}
