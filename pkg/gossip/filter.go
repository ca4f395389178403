package gossip

import (
	"math"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// Filter defaults
const (
	DefaultCapacity          = 100_000
	DefaultFalsePositiveRate = 0.001
	DefaultGenerations       = 4
)

// Filter is a ring of Bloom filter generations over message ids.
//
// New ids go into the current generation. When it holds perGen ids the
// oldest generation is cleared and becomes current, so at least capacity of
// the most recent ids are always remembered. Each generation is sized for
// fpRate/generations, which keeps the union at or below fpRate.
type Filter struct {
	gens   []*bloom.BloomFilter
	counts []uint
	cur    int
	perGen uint
	fpRate float64
}

// NewFilter creates a filter remembering at least capacity ids at fpRate
func NewFilter(capacity uint, fpRate float64, generations int) *Filter {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFalsePositiveRate
	}
	if generations < 2 {
		generations = DefaultGenerations
	}

	perGen := (capacity + uint(generations) - 2) / uint(generations-1)
	f := &Filter{
		gens:   make([]*bloom.BloomFilter, generations),
		counts: make([]uint, generations),
		perGen: perGen,
		fpRate: fpRate,
	}
	for i := range f.gens {
		f.gens[i] = bloom.NewWithEstimates(perGen, fpRate/float64(generations))
	}
	return f
}

// Test reports whether id may have been seen. There are no false negatives
// for ids within the remembered window.
func (f *Filter) Test(id protocol.MessageID) bool {
	for _, g := range f.gens {
		if g.Test(id[:]) {
			return true
		}
	}
	return false
}

// Add records id
func (f *Filter) Add(id protocol.MessageID) {
	if f.counts[f.cur] >= f.perGen {
		f.rotate()
	}
	f.gens[f.cur].Add(id[:])
	f.counts[f.cur]++
}

// TestAndAdd records id and reports whether it was already present
func (f *Filter) TestAndAdd(id protocol.MessageID) bool {
	if f.Test(id) {
		return true
	}
	f.Add(id)
	return false
}

func (f *Filter) rotate() {
	f.cur = (f.cur + 1) % len(f.gens)
	f.gens[f.cur].ClearAll()
	f.counts[f.cur] = 0
}

// Count returns the number of ids across live generations
func (f *Filter) Count() uint {
	var n uint
	for _, c := range f.counts {
		n += c
	}
	return n
}

// Capacity returns the guaranteed number of remembered ids
func (f *Filter) Capacity() uint {
	return f.perGen * uint(len(f.gens)-1)
}

// TargetFalsePositiveRate returns the configured bound
func (f *Filter) TargetFalsePositiveRate() float64 {
	return f.fpRate
}

// EstimatedFalsePositiveRate returns the theoretical rate at the current fill
func (f *Filter) EstimatedFalsePositiveRate() float64 {
	miss := 1.0
	for i, g := range f.gens {
		m, k, n := float64(g.Cap()), float64(g.K()), float64(f.counts[i])
		p := math.Pow(1-math.Exp(-k*n/m), k)
		miss *= 1 - p
	}
	return 1 - miss
}
