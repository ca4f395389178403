package protocol

import (
	"encoding/binary"
	"fmt"
)

// MaxTLVValue is the largest value a TLV field can carry (2-byte length)
const MaxTLVValue = 0xFFFF

// TLV is a single tag-length-value field: tag(1) + length(2) + value
type TLV struct {
	Tag   uint8
	Value []byte
}

// EncodeTLV encodes fields in order
func EncodeTLV(fields ...TLV) ([]byte, error) {
	size := 0
	for _, f := range fields {
		if len(f.Value) > MaxTLVValue {
			return nil, fmt.Errorf("%w: tlv %#02x value is %d bytes", ErrPayloadTooLarge, f.Tag, len(f.Value))
		}
		size += 3 + len(f.Value)
	}

	buf := make([]byte, 0, size)
	for _, f := range fields {
		buf = append(buf, f.Tag)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.Value)))
		buf = append(buf, f.Value...)
	}
	return buf, nil
}

// DecodeTLV decodes a TLV sequence. Duplicate tags are malformed.
func DecodeTLV(data []byte) ([]TLV, error) {
	var fields []TLV
	seen := make(map[uint8]bool)
	offset := 0
	for offset < len(data) {
		if len(data)-offset < 3 {
			return nil, malformed("truncated tlv header")
		}
		tag := data[offset]
		n := int(binary.BigEndian.Uint16(data[offset+1 : offset+3]))
		offset += 3
		if len(data)-offset < n {
			return nil, malformed("tlv %#02x truncated", tag)
		}
		if seen[tag] {
			return nil, malformed("duplicate tlv %#02x", tag)
		}
		seen[tag] = true
		fields = append(fields, TLV{Tag: tag, Value: append([]byte(nil), data[offset:offset+n]...)})
		offset += n
	}
	return fields, nil
}

// tlvMap indexes decoded fields by tag
func tlvMap(fields []TLV) map[uint8][]byte {
	m := make(map[uint8][]byte, len(fields))
	for _, f := range fields {
		m[f.Tag] = f.Value
	}
	return m
}
