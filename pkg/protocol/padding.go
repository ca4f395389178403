package protocol

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// Padding schemes for encrypted frames
type PaddingScheme int

const (
	PaddingNone  PaddingScheme = 0 // No padding
	PaddingBlock PaddingScheme = 1 // Round up to a block multiple
)

// DefaultPaddingBlock is the block size encrypted frames are padded to
const DefaultPaddingBlock = 64

// addPadding pads message to targetSize with random bytes
func addPadding(message []byte, targetSize int) ([]byte, error) {
	if targetSize < len(message) {
		return nil, errors.New("invalid padding target")
	}
	if targetSize == len(message) {
		return message, nil
	}

	padded := make([]byte, targetSize)
	copy(padded, message)

	// Fill with random data
	if _, err := rand.Read(padded[len(message):]); err != nil {
		return nil, fmt.Errorf("failed to add padding: %w", err)
	}
	return padded, nil
}

// paddedSize returns the size n rounds up to under scheme
func paddedSize(n int, scheme PaddingScheme, block int) int {
	if scheme == PaddingNone || block <= 1 {
		return n
	}
	return ((n + block - 1) / block) * block
}

// removePadding removes padding (internal implementation)
func removePadding(padded []byte, originalLen int) ([]byte, error) {
	if originalLen > len(padded) || originalLen < 0 {
		return nil, errors.New("invalid padding length")
	}
	return padded[:originalLen], nil
}
