// Package fragment splits payloads that exceed a wire version's maximum into
// fragments and reassembles them in index order regardless of arrival order.
package fragment

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

const (
	// DefaultTimeout evicts partial groups that saw no fragment for this long
	DefaultTimeout = 30 * time.Second
	// DefaultMaxGroups bounds concurrently buffered groups
	DefaultMaxGroups = 256
	// DefaultMaxFragments bounds the total of a single group
	DefaultMaxFragments = 1024
)

var (
	ErrNoSplitNeeded     = errors.New("payload fits in a single packet")
	ErrTooManyFragments  = errors.New("too many fragments")
	ErrTotalMismatch     = errors.New("fragment total does not match its group")
	ErrInvalidMaxPayload = errors.New("max payload leaves no room for fragment data")
)

// ChunkSize returns the data carried per fragment when each fragment packet
// may hold maxPayload bytes of payload
func ChunkSize(maxPayload int) int {
	return maxPayload - protocol.FragmentHeaderSize
}

// Split cuts payload into fragments whose encoded form fits maxPayload.
// All fragments share a random id; indices run 0..total-1.
func Split(payload []byte, maxPayload int) ([]protocol.Fragment, error) {
	chunk := ChunkSize(maxPayload)
	if chunk <= 0 {
		return nil, ErrInvalidMaxPayload
	}
	total := (len(payload) + chunk - 1) / chunk
	if total < 2 {
		return nil, ErrNoSplitNeeded
	}
	if total > 0xFFFF {
		return nil, fmt.Errorf("%w: %d", ErrTooManyFragments, total)
	}

	var id protocol.FragmentID
	if _, err := rand.Read(id[:]); err != nil {
		return nil, err
	}

	frags := make([]protocol.Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunk
		end := start + chunk
		if end > len(payload) {
			end = len(payload)
		}
		frags = append(frags, protocol.Fragment{
			ID:    id,
			Index: uint16(i),
			Total: uint16(total),
			Chunk: append([]byte(nil), payload[start:end]...),
		})
	}
	return frags, nil
}

// Options bounds reassembly memory
type Options struct {
	Timeout      time.Duration
	MaxGroups    int
	MaxFragments int
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxGroups <= 0 {
		o.MaxGroups = DefaultMaxGroups
	}
	if o.MaxFragments <= 0 {
		o.MaxFragments = DefaultMaxFragments
	}
}

type groupKey struct {
	sender protocol.PeerID
	id     protocol.FragmentID
}

type group struct {
	total    uint16
	chunks   [][]byte
	received int
	size     int
	lastSeen time.Time
}

// Reassembler buffers fragment groups per sender. It is owned by a single
// goroutine and is not safe for concurrent use.
type Reassembler struct {
	opts   Options
	groups map[groupKey]*group
}

// NewReassembler creates a reassembler
func NewReassembler(opts Options) *Reassembler {
	opts.setDefaults()
	return &Reassembler{opts: opts, groups: make(map[groupKey]*group)}
}

// Add buffers a fragment. When it completes its group the concatenated
// payload is returned with complete set. Duplicates are ignored.
func (r *Reassembler) Add(sender protocol.PeerID, f *protocol.Fragment, now time.Time) ([]byte, bool, error) {
	if err := f.Validate(); err != nil {
		return nil, false, err
	}
	if int(f.Total) > r.opts.MaxFragments {
		return nil, false, fmt.Errorf("%w: total %d", ErrTooManyFragments, f.Total)
	}

	key := groupKey{sender: sender, id: f.ID}
	g, ok := r.groups[key]
	if !ok {
		if len(r.groups) >= r.opts.MaxGroups {
			r.evictOldest()
		}
		g = &group{total: f.Total, chunks: make([][]byte, f.Total)}
		r.groups[key] = g
	}
	if g.total != f.Total {
		return nil, false, fmt.Errorf("%w: got %d, group has %d", ErrTotalMismatch, f.Total, g.total)
	}

	g.lastSeen = now
	if g.chunks[f.Index] != nil {
		return nil, false, nil
	}
	g.chunks[f.Index] = append([]byte(nil), f.Chunk...)
	g.received++
	g.size += len(f.Chunk)
	if g.received < int(g.total) {
		return nil, false, nil
	}

	delete(r.groups, key)
	out := make([]byte, 0, g.size)
	for _, c := range g.chunks {
		out = append(out, c...)
	}
	return out, true, nil
}

func (r *Reassembler) evictOldest() {
	var oldestKey groupKey
	var oldest *group
	for k, g := range r.groups {
		if oldest == nil || g.lastSeen.Before(oldest.lastSeen) {
			oldestKey, oldest = k, g
		}
	}
	if oldest != nil {
		delete(r.groups, oldestKey)
	}
}

// Evict drops groups idle for longer than the timeout and returns how many
func (r *Reassembler) Evict(now time.Time) int {
	n := 0
	for k, g := range r.groups {
		if now.Sub(g.lastSeen) > r.opts.Timeout {
			delete(r.groups, k)
			n++
		}
	}
	return n
}

// DropSender discards every partial group from sender
func (r *Reassembler) DropSender(sender protocol.PeerID) int {
	n := 0
	for k := range r.groups {
		if k.sender == sender {
			delete(r.groups, k)
			n++
		}
	}
	return n
}

// Len returns the number of partial groups
func (r *Reassembler) Len() int {
	return len(r.groups)
}
