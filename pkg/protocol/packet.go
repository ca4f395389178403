package protocol

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Packet is a decoded mesh packet.
//
// Flags holds the option bits only (FlagIsRekey). The presence bits are
// derived from RecipientID, Route and Signature on encode and consumed on
// decode, so decode(encode(p)) yields p again, with one exception: an empty
// Payload or Route is not distinguished from a missing one and decodes as nil.
type Packet struct {
	Version     uint8
	Type        uint8
	TTL         uint8
	Timestamp   uint64 // Unix milliseconds
	Flags       uint8
	SenderID    PeerID
	RecipientID *PeerID
	Route       []PeerID
	Payload     []byte
	Signature   []byte
}

// HasFlag checks if an option flag is set
func (p *Packet) HasFlag(flag uint8) bool {
	return p.Flags&flag != 0
}

// IsBroadcast reports whether the packet has no recipient or the broadcast one
func (p *Packet) IsBroadcast() bool {
	return p.RecipientID == nil || p.RecipientID.IsBroadcast()
}

// IsFor reports whether the packet is addressed to id (directly or by broadcast)
func (p *Packet) IsFor(id PeerID) bool {
	return p.IsBroadcast() || *p.RecipientID == id
}

// Clone returns a deep copy of the packet
func (p *Packet) Clone() *Packet {
	c := *p
	if p.RecipientID != nil {
		r := *p.RecipientID
		c.RecipientID = &r
	}
	if p.Route != nil {
		c.Route = append([]PeerID(nil), p.Route...)
	}
	if p.Payload != nil {
		c.Payload = append([]byte(nil), p.Payload...)
	}
	if p.Signature != nil {
		c.Signature = append([]byte(nil), p.Signature...)
	}
	return &c
}

// EncodedSize returns the number of bytes Encode produces
func (p *Packet) EncodedSize() (int, error) {
	headerSize, err := HeaderSize(p.Version)
	if err != nil {
		return 0, err
	}
	size := headerSize + PeerIDSize + len(p.Payload)
	if p.RecipientID != nil {
		size += PeerIDSize
	}
	if len(p.Route) > 0 {
		size += 1 + len(p.Route)*PeerIDSize
	}
	if p.Signature != nil {
		size += SignatureSize
	}
	return size, nil
}

// Encode serializes the packet using the header layout of p.Version
func (p *Packet) Encode() ([]byte, error) {
	maxPayload, err := MaxPayload(p.Version)
	if err != nil {
		return nil, err
	}
	if uint64(len(p.Payload)) > maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(p.Payload), maxPayload)
	}
	if p.TTL > MaxTTL {
		return nil, malformed("ttl %d exceeds %d", p.TTL, MaxTTL)
	}
	if p.Flags&^OptionFlags != 0 {
		return nil, malformed("flags %#02x are not option flags", p.Flags&^OptionFlags)
	}
	if p.SenderID.IsZero() {
		return nil, malformed("zero sender id")
	}
	if p.RecipientID != nil && p.RecipientID.IsZero() {
		return nil, malformed("zero recipient id")
	}
	if len(p.Route) > int(MaxTTL) {
		return nil, malformed("route has %d hops, max %d", len(p.Route), MaxTTL)
	}
	for _, hop := range p.Route {
		if hop.IsZero() {
			return nil, malformed("zero route hop")
		}
	}
	if p.Signature != nil && len(p.Signature) != SignatureSize {
		return nil, malformed("signature is %d bytes", len(p.Signature))
	}

	h := Header{
		Version:       p.Version,
		Type:          p.Type,
		TTL:           p.TTL,
		Timestamp:     p.Timestamp,
		Flags:         p.Flags,
		PayloadLength: uint32(len(p.Payload)),
	}
	if p.RecipientID != nil {
		h.SetFlag(FlagHasRecipient)
	}
	if len(p.Route) > 0 {
		h.SetFlag(FlagHasRoute)
	}
	if p.Signature != nil {
		h.SetFlag(FlagHasSignature)
	}

	size, _ := p.EncodedSize()
	buf := make([]byte, size)
	if err := h.put(buf); err != nil {
		return nil, err
	}
	offset, _ := h.Size()

	offset += copy(buf[offset:], p.SenderID[:])
	if p.RecipientID != nil {
		offset += copy(buf[offset:], p.RecipientID[:])
	}
	if len(p.Route) > 0 {
		buf[offset] = uint8(len(p.Route))
		offset++
		for _, hop := range p.Route {
			offset += copy(buf[offset:], hop[:])
		}
	}
	offset += copy(buf[offset:], p.Payload)
	if p.Signature != nil {
		copy(buf[offset:], p.Signature)
	}

	return buf, nil
}

// Decode parses a packet without signature verification.
// Every byte must be accounted for: trailing or missing bytes are malformed.
func Decode(data []byte) (*Packet, error) {
	h := &Header{}
	if err := h.Decode(data); err != nil {
		return nil, err
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}

	offset, _ := h.Size()
	p := &Packet{
		Version:   h.Version,
		Type:      h.Type,
		TTL:       h.TTL,
		Timestamp: h.Timestamp,
		Flags:     h.Flags & OptionFlags,
	}

	readID := func(what string) (PeerID, error) {
		var id PeerID
		if len(data)-offset < PeerIDSize {
			return id, malformed("truncated %s", what)
		}
		copy(id[:], data[offset:offset+PeerIDSize])
		offset += PeerIDSize
		if id.IsZero() {
			return id, malformed("zero %s", what)
		}
		return id, nil
	}

	var err error
	if p.SenderID, err = readID("sender id"); err != nil {
		return nil, err
	}
	if h.HasFlag(FlagHasRecipient) {
		recipient, err := readID("recipient id")
		if err != nil {
			return nil, err
		}
		p.RecipientID = &recipient
	}
	if h.HasFlag(FlagHasRoute) {
		if offset >= len(data) {
			return nil, malformed("truncated route")
		}
		count := int(data[offset])
		offset++
		if count == 0 || count > int(MaxTTL) {
			return nil, malformed("route hop count %d", count)
		}
		p.Route = make([]PeerID, 0, count)
		for i := 0; i < count; i++ {
			hop, err := readID("route hop")
			if err != nil {
				return nil, err
			}
			p.Route = append(p.Route, hop)
		}
	}

	sigLen := 0
	if h.HasFlag(FlagHasSignature) {
		sigLen = SignatureSize
	}
	remaining := len(data) - offset
	if uint64(remaining) != uint64(h.PayloadLength)+uint64(sigLen) {
		return nil, malformed("payload length %d does not match %d remaining bytes", h.PayloadLength, remaining-sigLen)
	}

	end := offset + int(h.PayloadLength)
	if h.PayloadLength > 0 {
		p.Payload = append([]byte(nil), data[offset:end]...)
	}
	if sigLen > 0 {
		p.Signature = append([]byte(nil), data[end:end+sigLen]...)
	}

	return p, nil
}

// SigningBytes returns the bytes covered by the signature: the packet
// encoded without signature and with TTL forced to zero.
func (p *Packet) SigningBytes() ([]byte, error) {
	c := *p
	c.TTL = 0
	c.Signature = nil
	return c.Encode()
}

// Sign signs the packet with the sender's Ed25519 key
func (p *Packet) Sign(key ed25519.PrivateKey) error {
	data, err := p.SigningBytes()
	if err != nil {
		return err
	}
	p.Signature = ed25519.Sign(key, data)
	return nil
}

// Verify checks the packet signature against key
func (p *Packet) Verify(key ed25519.PublicKey) error {
	if len(p.Signature) != SignatureSize {
		return ErrInvalidSignature
	}
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key size %d", ErrInvalidSignature, len(key))
	}
	data, err := p.SigningBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, data, p.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ID returns the content fingerprint of the packet.
// Route, TTL and signature are excluded so every copy shares one id.
func (p *Packet) ID() MessageID {
	return ComputeMessageID(p.SenderID, p.Timestamp, p.Type, p.Payload)
}

// ComputeMessageID hashes sender || timestamp || type || payload with BLAKE2b-256
func ComputeMessageID(sender PeerID, timestamp uint64, typ uint8, payload []byte) MessageID {
	h, _ := blake2b.New256(nil)
	h.Write(sender[:])
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], timestamp)
	h.Write(ts[:])
	h.Write([]byte{typ})
	h.Write(payload)

	var id MessageID
	copy(id[:], h.Sum(nil))
	return id
}

// KeyResolver looks up the Ed25519 signing key of a packet's sender
type KeyResolver interface {
	SigningKey(sender PeerID) (ed25519.PublicKey, bool)
}

// Codec decodes packets and verifies signatures of senders with a known key
type Codec struct {
	Keys KeyResolver
}

// Decode parses data and verifies the signature when the sender's key is known.
// A signed packet from a sender without a known key is returned unverified;
// the second result reports whether the signature was checked.
func (c Codec) Decode(data []byte) (*Packet, bool, error) {
	p, err := Decode(data)
	if err != nil {
		return nil, false, err
	}
	if p.Signature == nil || c.Keys == nil {
		return p, false, nil
	}
	key, ok := c.Keys.SigningKey(p.SenderID)
	if !ok {
		return p, false, nil
	}
	if err := p.Verify(key); err != nil {
		return nil, false, err
	}
	return p, true, nil
}
