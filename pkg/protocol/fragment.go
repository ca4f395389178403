package protocol

import (
	"encoding/binary"
	"encoding/hex"
)

// FragmentID groups the fragments of one split payload
type FragmentID [FragmentIDSize]byte

func (id FragmentID) String() string {
	return hex.EncodeToString(id[:])
}

// Fragment is one chunk of a split payload.
// Wire layout: fragment_id(8) + index(2) + total(2) + flags(1) + chunk.
type Fragment struct {
	ID    FragmentID
	Index uint16
	Total uint16
	Flags uint8
	Chunk []byte
}

// Validate checks the index and total invariants
func (f *Fragment) Validate() error {
	if f.Total < 2 {
		return malformed("fragment total %d", f.Total)
	}
	if f.Index >= f.Total {
		return malformed("fragment index %d out of %d", f.Index, f.Total)
	}
	if len(f.Chunk) == 0 {
		return malformed("empty fragment chunk")
	}
	return nil
}

// EncodeFragment encodes a fragment as a Fragment packet payload
func EncodeFragment(f *Fragment) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, FragmentHeaderSize+len(f.Chunk))
	copy(buf[0:8], f.ID[:])
	binary.BigEndian.PutUint16(buf[8:10], f.Index)
	binary.BigEndian.PutUint16(buf[10:12], f.Total)
	buf[12] = f.Flags
	copy(buf[FragmentHeaderSize:], f.Chunk)
	return buf, nil
}

// DecodeFragment decodes a Fragment packet payload
func DecodeFragment(data []byte) (*Fragment, error) {
	if len(data) <= FragmentHeaderSize {
		return nil, malformed("fragment too short: %d bytes", len(data))
	}
	f := &Fragment{
		Index: binary.BigEndian.Uint16(data[8:10]),
		Total: binary.BigEndian.Uint16(data[10:12]),
		Flags: data[12],
		Chunk: append([]byte(nil), data[FragmentHeaderSize:]...),
	}
	copy(f.ID[:], data[0:8])
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
