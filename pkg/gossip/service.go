// Package gossip holds the dedup filter and the known-message store behind a
// single owning goroutine, and builds Golomb-coded set summaries for
// reconciliation between neighbours.
package gossip

import (
	"context"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

var log = logging.Logger("mesh/gossip")

var ErrClosed = errors.New("gossip service closed")

// Config sizes the service
type Config struct {
	Capacity          uint
	FalsePositiveRate float64
	Generations       int
	StoreSize         int
}

// DefaultConfig returns the default sizing
func DefaultConfig() Config {
	return Config{
		Capacity:          DefaultCapacity,
		FalsePositiveRate: DefaultFalsePositiveRate,
		Generations:       DefaultGenerations,
		StoreSize:         DefaultStoreSize,
	}
}

// Stats is a snapshot of service counters
type Stats struct {
	Observed        uint64
	Duplicates      uint64
	Stored          int
	FilterCount     uint
	FilterCapacity  uint
	EstimatedFPRate float64
}

// Service serialises all filter and store access through one goroutine
type Service struct {
	filter *Filter
	store  *Store
	stats  Stats

	reqs      chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewService creates the service and starts its goroutine
func NewService(cfg Config) (*Service, error) {
	store, err := NewStore(cfg.StoreSize)
	if err != nil {
		return nil, err
	}
	s := &Service{
		filter: NewFilter(cfg.Capacity, cfg.FalsePositiveRate, cfg.Generations),
		store:  store,
		reqs:   make(chan func()),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (s *Service) loop() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.reqs:
			fn()
		case <-s.quit:
			return
		}
	}
}

// call runs fn on the service goroutine. Once handed over, fn always runs.
func (s *Service) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case s.reqs <- func() { fn(); close(finished) }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Observe records id and reports whether it is fresh (not seen before)
func (s *Service) Observe(ctx context.Context, id protocol.MessageID) (bool, error) {
	var fresh bool
	err := s.call(ctx, func() {
		s.stats.Observed++
		fresh = !s.filter.TestAndAdd(id)
		if !fresh {
			s.stats.Duplicates++
		}
	})
	return fresh, err
}

// Remember keeps an encoded public packet for reconciliation
func (s *Service) Remember(ctx context.Context, id protocol.MessageID, encoded []byte) error {
	return s.call(ctx, func() {
		s.store.Put(id, append([]byte(nil), encoded...))
	})
}

// Summary encodes the stored ids into a summary of at most maxBytes
func (s *Service) Summary(ctx context.Context, maxBytes int) ([]byte, error) {
	var ids []protocol.MessageID
	if err := s.call(ctx, func() { ids = s.store.IDs() }); err != nil {
		return nil, err
	}
	sum, err := BuildSummaryLimited(ids, maxBytes)
	if err != nil {
		return nil, err
	}
	return sum.Encode()
}

// Missing returns up to limit stored packets the encoded summary lacks.
// A limit of zero means no limit.
func (s *Service) Missing(ctx context.Context, summary []byte, limit int) ([][]byte, error) {
	sum, err := DecodeSummary(summary)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	err = s.call(ctx, func() {
		ids := s.store.IDs()
		// newest first
		for i := len(ids) - 1; i >= 0; i-- {
			if limit > 0 && len(out) >= limit {
				break
			}
			if sum.Contains(ids[i]) {
				continue
			}
			if pkt, ok := s.store.Get(ids[i]); ok {
				out = append(out, pkt)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	log.Debugw("reconciled summary", "peer_has", sum.Len(), "missing", len(out))
	return out, nil
}

// Stats returns a snapshot of the counters
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.call(ctx, func() {
		st = s.stats
		st.Stored = s.store.Len()
		st.FilterCount = s.filter.Count()
		st.FilterCapacity = s.filter.Capacity()
		st.EstimatedFPRate = s.filter.EstimatedFalsePositiveRate()
	})
	return st, err
}

// Close stops the service goroutine
func (s *Service) Close() error {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
	return nil
}
