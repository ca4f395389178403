package protocol

import (
	"fmt"
	"unicode/utf8"
)

// Layout describes how a type's body is structured
type Layout uint8

const (
	LayoutOpaque Layout = iota // Raw bytes, size limits only
	LayoutText                 // UTF-8 text
	LayoutTLV                  // TLV fields described by Fields
	LayoutEmpty                // No body
)

// FieldKind is the value type of a TLV field
type FieldKind uint8

const (
	FieldBytes FieldKind = iota
	FieldText
)

// FieldSpec describes one TLV field of a schema
type FieldSpec struct {
	Tag      uint8
	Name     string
	Kind     FieldKind
	Required bool
	MinLen   int
	MaxLen   int // 0 means unbounded
}

// TypeSpec is one row of a type table
type TypeSpec struct {
	Code   uint8
	Name   string
	Layout Layout
	Fields []FieldSpec

	MinSize int
	MaxSize int // 0 means bounded only by the wire version

	// Outer packets only
	RequiresRecipient bool
	PacketRules       []func(p *Packet) error

	// Inner payloads only; empty means any state
	States []SessionState

	// Experimental types are accepted but must only reach a handler
	// registered for them explicitly.
	Experimental bool
}

// Permits reports whether the type may be processed in state
func (s *TypeSpec) Permits(state SessionState) bool {
	if len(s.States) == 0 {
		return true
	}
	for _, st := range s.States {
		if st == state {
			return true
		}
	}
	return false
}

// ValidateBody checks body against the layout, size limits and fields
func (s *TypeSpec) ValidateBody(body []byte) error {
	if s.Experimental {
		return nil
	}
	if len(body) < s.MinSize {
		return malformed("%s body is %d bytes, min %d", s.Name, len(body), s.MinSize)
	}
	if s.MaxSize > 0 && len(body) > s.MaxSize {
		return malformed("%s body is %d bytes, max %d", s.Name, len(body), s.MaxSize)
	}

	switch s.Layout {
	case LayoutEmpty:
		if len(body) != 0 {
			return malformed("%s carries no body", s.Name)
		}
	case LayoutText:
		if !utf8.Valid(body) {
			return malformed("%s is not valid utf-8", s.Name)
		}
	case LayoutTLV:
		fields, err := DecodeTLV(body)
		if err != nil {
			return err
		}
		m := tlvMap(fields)
		for _, f := range s.Fields {
			v, ok := m[f.Tag]
			if !ok {
				if f.Required {
					return malformed("%s missing %s", s.Name, f.Name)
				}
				continue
			}
			if len(v) < f.MinLen || (f.MaxLen > 0 && len(v) > f.MaxLen) {
				return malformed("%s %s is %d bytes", s.Name, f.Name, len(v))
			}
			if f.Kind == FieldText && !utf8.Valid(v) {
				return malformed("%s %s is not valid utf-8", s.Name, f.Name)
			}
		}
	}
	return nil
}

// Registry maps type codes to schemas for the outer and inner code spaces
type Registry struct {
	outer map[uint8]*TypeSpec
	inner map[uint8]*TypeSpec
}

// NewRegistry builds a registry from the two type tables
func NewRegistry(outer, inner []TypeSpec) (*Registry, error) {
	r := &Registry{
		outer: make(map[uint8]*TypeSpec, len(outer)),
		inner: make(map[uint8]*TypeSpec, len(inner)),
	}
	if err := fill(r.outer, outer, MinPacketType, MaxPacketType); err != nil {
		return nil, fmt.Errorf("outer types: %w", err)
	}
	if err := fill(r.inner, inner, MinPayloadType, MaxPayloadType); err != nil {
		return nil, fmt.Errorf("inner types: %w", err)
	}
	return r, nil
}

func fill(dst map[uint8]*TypeSpec, specs []TypeSpec, lo, hi uint8) error {
	for i := range specs {
		s := specs[i]
		if s.Code < lo || s.Code > hi {
			return fmt.Errorf("code %#02x outside %#02x-%#02x", s.Code, lo, hi)
		}
		if _, dup := dst[s.Code]; dup {
			return fmt.Errorf("duplicate code %#02x", s.Code)
		}
		dst[s.Code] = &s
	}
	return nil
}

// LookupOuter returns the schema of a packet type
func (r *Registry) LookupOuter(code uint8) (*TypeSpec, error) {
	s, ok := r.outer[code]
	if !ok {
		return nil, fmt.Errorf("%w: packet type %#02x", ErrUnknownType, code)
	}
	return s, nil
}

// LookupInner returns the schema of a noise payload type
func (r *Registry) LookupInner(code uint8) (*TypeSpec, error) {
	s, ok := r.inner[code]
	if !ok {
		return nil, fmt.Errorf("%w: payload type %#02x", ErrUnknownType, code)
	}
	return s, nil
}

// ValidatePacket checks a decoded packet against its type schema.
// Experimental types pass with only the lookup; check TypeSpec.Experimental.
func (r *Registry) ValidatePacket(p *Packet) (*TypeSpec, error) {
	s, err := r.LookupOuter(p.Type)
	if err != nil {
		return nil, err
	}
	if s.Experimental {
		return s, nil
	}
	if s.RequiresRecipient && p.IsBroadcast() {
		return nil, malformed("%s requires a recipient", s.Name)
	}
	if err := s.ValidateBody(p.Payload); err != nil {
		return nil, err
	}
	for _, rule := range s.PacketRules {
		if err := rule(p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ValidatePayload checks an inner payload against its schema and the session state
func (r *Registry) ValidatePayload(code uint8, body []byte, state SessionState) (*TypeSpec, error) {
	s, err := r.LookupInner(code)
	if err != nil {
		return nil, err
	}
	if s.Experimental {
		return s, nil
	}
	if !s.Permits(state) {
		return nil, fmt.Errorf("%w: %s in %s", ErrTypeNotPermitted, s.Name, state)
	}
	if err := s.ValidateBody(body); err != nil {
		return nil, err
	}
	return s, nil
}

var sessionStates = []SessionState{StateEstablished, StateRekeying}

// OuterTypes is the packet type table
var OuterTypes = []TypeSpec{
	{
		Code:   TypeAnnounce,
		Name:   "announce",
		Layout: LayoutTLV,
		Fields: []FieldSpec{
			{Tag: AnnounceTagNickname, Name: "nickname", Kind: FieldText, Required: true, MaxLen: MaxNicknameLength},
			{Tag: AnnounceTagNoiseKey, Name: "noise key", Required: true, MinLen: NoiseKeySize, MaxLen: NoiseKeySize},
			{Tag: AnnounceTagSigningKey, Name: "signing key", Required: true, MinLen: 32, MaxLen: 32},
		},
	},
	{Code: TypeMessage, Name: "message", Layout: LayoutText, MinSize: 1},
	{Code: TypeLeave, Name: "leave", Layout: LayoutEmpty},
	{Code: TypeHandshakeInit, Name: "handshake init", MinSize: 32, MaxSize: 32, RequiresRecipient: true},
	{Code: TypeHandshakeResponse, Name: "handshake response", MinSize: 96, RequiresRecipient: true},
	{Code: TypeHandshakeFinal, Name: "handshake final", MinSize: 64, RequiresRecipient: true},
	{Code: TypeNoiseEncrypted, Name: "noise encrypted", MinSize: 8 + 16, RequiresRecipient: true},
	{
		Code:        TypeFragment,
		Name:        "fragment",
		MinSize:     FragmentHeaderSize + 1,
		PacketRules: []func(*Packet) error{validFragment},
	},
	{
		Code:        TypeRequestSync,
		Name:        "request sync",
		MinSize:     16,
		PacketRules: []func(*Packet) error{neighbourOnly},
	},
	{Code: TypeFileTransfer, Name: "file transfer", Experimental: true},
}

// InnerTypes is the noise payload type table
var InnerTypes = []TypeSpec{
	{
		Code:   PayloadPrivateMessage,
		Name:   "private message",
		Layout: LayoutTLV,
		Fields: []FieldSpec{
			{Tag: PrivateMessageTagID, Name: "message id", Required: true, MinLen: MessageIDSize, MaxLen: MessageIDSize},
			{Tag: PrivateMessageTagContent, Name: "content", Required: true, MinLen: 1},
		},
		States: sessionStates,
	},
	{Code: PayloadReadReceipt, Name: "read receipt", MinSize: MessageIDSize, MaxSize: MessageIDSize, States: sessionStates},
	{Code: PayloadDelivered, Name: "delivered", MinSize: MessageIDSize, MaxSize: MessageIDSize, States: sessionStates},
	{Code: PayloadVerifyChallenge, Name: "verify challenge", MinSize: 32, MaxSize: 32, States: []SessionState{StateEstablished}},
	{Code: PayloadVerifyResponse, Name: "verify response", MinSize: SignatureSize, MaxSize: SignatureSize, States: []SessionState{StateEstablished}},
	{Code: PayloadSyncSummary, Name: "sync summary", MinSize: 16, States: sessionStates},
	{Code: PayloadSyncPacket, Name: "sync packet", MinSize: HeaderSizeV1 + PeerIDSize, States: sessionStates},
	{Code: PayloadFileChunk, Name: "file chunk", Experimental: true, States: sessionStates},
}

func validFragment(p *Packet) error {
	_, err := DecodeFragment(p.Payload)
	return err
}

func neighbourOnly(p *Packet) error {
	if p.TTL != 0 {
		return malformed("request sync must not be relayed (ttl %d)", p.TTL)
	}
	return nil
}

var defaultRegistry = mustRegistry(OuterTypes, InnerTypes)

func mustRegistry(outer, inner []TypeSpec) *Registry {
	r, err := NewRegistry(outer, inner)
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultRegistry returns the registry built from OuterTypes and InnerTypes
func DefaultRegistry() *Registry {
	return defaultRegistry
}
