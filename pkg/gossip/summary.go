package gossip

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/gcs"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// Golomb-coded set parameters. P=19 with M=784931 is the BIP-158 choice,
// a false positive rate of 1/784931 per query.
const (
	SummaryP uint8  = 19
	SummaryM uint64 = 784931

	summaryKeySize = gcs.KeySize
)

var ErrInvalidSummary = errors.New("invalid gossip summary")

// Summary is a Golomb-coded set over message ids.
// Encoding: siphash key(16) || gcs filter bytes (absent for the empty set).
type Summary struct {
	key    [summaryKeySize]byte
	filter *gcs.Filter
}

// BuildSummary encodes ids into a summary with a fresh random key
func BuildSummary(ids []protocol.MessageID) (*Summary, error) {
	s := &Summary{}
	if _, err := rand.Read(s.key[:]); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return s, nil
	}

	data := make([][]byte, len(ids))
	for i := range ids {
		id := ids[i]
		data[i] = id[:]
	}
	f, err := gcs.BuildGCSFilter(SummaryP, SummaryM, s.key, data)
	if err != nil {
		return nil, fmt.Errorf("failed to build summary: %w", err)
	}
	s.filter = f
	return s, nil
}

// BuildSummaryLimited builds a summary of at most maxBytes encoded bytes,
// dropping the oldest ids (the front of the slice) until it fits
func BuildSummaryLimited(ids []protocol.MessageID, maxBytes int) (*Summary, error) {
	if maxBytes < summaryKeySize {
		return nil, fmt.Errorf("%w: limit %d below key size", ErrInvalidSummary, maxBytes)
	}
	for {
		s, err := BuildSummary(ids)
		if err != nil {
			return nil, err
		}
		b, err := s.Encode()
		if err != nil {
			return nil, err
		}
		if len(b) <= maxBytes || len(ids) == 0 {
			return s, nil
		}
		ids = ids[len(ids)/2+len(ids)%2:]
	}
}

// DecodeSummary parses an encoded summary
func DecodeSummary(b []byte) (*Summary, error) {
	if len(b) < summaryKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSummary, len(b))
	}
	s := &Summary{}
	copy(s.key[:], b[:summaryKeySize])
	if len(b) == summaryKeySize {
		return s, nil
	}
	f, err := gcs.FromNBytes(SummaryP, SummaryM, b[summaryKeySize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSummary, err)
	}
	s.filter = f
	return s, nil
}

// Encode serializes the summary
func (s *Summary) Encode() ([]byte, error) {
	out := append([]byte(nil), s.key[:]...)
	if s.filter == nil {
		return out, nil
	}
	nb, err := s.filter.NBytes()
	if err != nil {
		return nil, err
	}
	return append(out, nb...), nil
}

// Contains reports whether id may be in the set. Members always match.
func (s *Summary) Contains(id protocol.MessageID) bool {
	if s.filter == nil {
		return false
	}
	ok, err := s.filter.Match(s.key, id[:])
	return err == nil && ok
}

// Len returns the number of ids encoded
func (s *Summary) Len() int {
	if s.filter == nil {
		return 0
	}
	return int(s.filter.N())
}
