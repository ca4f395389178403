package protocol

import (
	"errors"
	"testing"
)

func TestHeaderEncodeDecode(t *testing.T) {
	tests := []struct {
		name     string
		header   *Header
		wantSize int
	}{
		{
			name: "v1 header",
			header: &Header{
				Version:       VersionV1,
				Type:          TypeMessage,
				TTL:           MaxTTL,
				Timestamp:     1700000000000,
				Flags:         FlagHasSignature,
				PayloadLength: 255,
			},
			wantSize: HeaderSizeV1,
		},
		{
			name: "v1 header with zero length",
			header: &Header{
				Version:   VersionV1,
				Type:      TypeLeave,
				Timestamp: 1,
			},
			wantSize: HeaderSizeV1,
		},
		{
			name: "v2 header with large payload",
			header: &Header{
				Version:       VersionV2,
				Type:          TypeNoiseEncrypted,
				TTL:           3,
				Timestamp:     1700000000123,
				Flags:         FlagHasRecipient | FlagHasRoute,
				PayloadLength: 70000,
			},
			wantSize: HeaderSizeV2,
		},
		{
			name: "v2 rekey handshake",
			header: &Header{
				Version:       VersionV2,
				Type:          TypeHandshakeInit,
				Flags:         FlagHasRecipient | FlagIsRekey,
				PayloadLength: 32,
			},
			wantSize: HeaderSizeV2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := tt.header.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if len(encoded) != tt.wantSize {
				t.Errorf("Encode() length = %d, want %d", len(encoded), tt.wantSize)
			}

			decoded := &Header{}
			if err := decoded.Decode(encoded); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if *decoded != *tt.header {
				t.Errorf("Decode() = %+v, want %+v", *decoded, *tt.header)
			}
			if err := decoded.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestHeaderDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", nil, ErrMalformedPacket},
		{"unknown version", []byte{9, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, ErrUnsupportedVersion},
		{"v1 truncated", []byte{VersionV1, TypeMessage, 1}, ErrMalformedPacket},
		{"v2 truncated to v1 size", make13(VersionV2), ErrMalformedPacket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Header{}
			err := h.Decode(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func make13(version uint8) []byte {
	b := make([]byte, HeaderSizeV1)
	b[0] = version
	return b
}

func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		name    string
		header  Header
		wantErr bool
	}{
		{"valid", Header{Version: VersionV1, TTL: 7}, false},
		{"ttl over max", Header{Version: VersionV1, TTL: 8}, true},
		{"reserved flag", Header{Version: VersionV1, Flags: 0x10}, true},
		{"reserved high flag", Header{Version: VersionV2, Flags: 0x80}, true},
		{"bad version", Header{Version: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.header.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHeaderV1RejectsLongPayload(t *testing.T) {
	h := &Header{Version: VersionV1, PayloadLength: 256}
	if _, err := h.Encode(); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Encode() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestHeaderFlags(t *testing.T) {
	h := &Header{}

	if h.HasFlag(FlagHasRecipient) {
		t.Error("HasFlag(FlagHasRecipient) = true, want false")
	}

	h.SetFlag(FlagHasRecipient)
	h.SetFlag(FlagIsRekey)
	if !h.HasFlag(FlagHasRecipient) || !h.HasFlag(FlagIsRekey) {
		t.Error("SetFlag() did not set flags")
	}

	h.ClearFlag(FlagHasRecipient)
	if h.HasFlag(FlagHasRecipient) {
		t.Error("ClearFlag() did not clear FlagHasRecipient")
	}
	if !h.HasFlag(FlagIsRekey) {
		t.Error("ClearFlag() cleared an unrelated flag")
	}
}
