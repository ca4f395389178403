package protocol

import (
	"encoding/binary"
)

// Header represents the fixed packet header.
// v1 carries a 1-byte payload length, v2 a 4-byte big-endian length.
type Header struct {
	Version       uint8  // Wire version
	Type          uint8  // Packet type
	TTL           uint8  // Remaining hops
	Timestamp     uint64 // Unix milliseconds
	Flags         uint8  // Feature flags
	PayloadLength uint32 // Payload length
}

// Size returns the encoded size of the header
func (h *Header) Size() (int, error) {
	return HeaderSize(h.Version)
}

// Encode encodes the header to bytes
func (h *Header) Encode() ([]byte, error) {
	size, err := h.Size()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if err := h.put(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (h *Header) put(buf []byte) error {
	buf[0] = h.Version
	buf[1] = h.Type
	buf[2] = h.TTL
	binary.BigEndian.PutUint64(buf[3:11], h.Timestamp)
	buf[11] = h.Flags

	switch h.Version {
	case VersionV1:
		if uint64(h.PayloadLength) > MaxPayloadV1 {
			return ErrPayloadTooLarge
		}
		buf[12] = uint8(h.PayloadLength)
	case VersionV2:
		binary.BigEndian.PutUint32(buf[12:16], h.PayloadLength)
	default:
		return ErrUnsupportedVersion
	}
	return nil
}

// Decode decodes the header from bytes
func (h *Header) Decode(buf []byte) error {
	if len(buf) < 1 {
		return ErrInvalidHeader
	}
	size, err := HeaderSize(buf[0])
	if err != nil {
		return err
	}
	if len(buf) < size {
		return ErrInvalidHeader
	}

	h.Version = buf[0]
	h.Type = buf[1]
	h.TTL = buf[2]
	h.Timestamp = binary.BigEndian.Uint64(buf[3:11])
	h.Flags = buf[11]

	if h.Version == VersionV1 {
		h.PayloadLength = uint32(buf[12])
	} else {
		h.PayloadLength = binary.BigEndian.Uint32(buf[12:16])
	}

	return nil
}

// Validate validates the header
func (h *Header) Validate() error {
	if _, err := HeaderSize(h.Version); err != nil {
		return err
	}
	if h.TTL > MaxTTL {
		return malformed("ttl %d exceeds %d", h.TTL, MaxTTL)
	}
	if h.Flags&^knownFlags != 0 {
		return malformed("reserved flag bits set: %#02x", h.Flags&^knownFlags)
	}
	return nil
}

// HasFlag checks if a flag is set
func (h *Header) HasFlag(flag uint8) bool {
	return (h.Flags & flag) != 0
}

// SetFlag sets a flag
func (h *Header) SetFlag(flag uint8) {
	h.Flags |= flag
}

// ClearFlag clears a flag
func (h *Header) ClearFlag(flag uint8) {
	h.Flags &^= flag
}
