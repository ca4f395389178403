package protocol

import (
	"bytes"
	"testing"
)

func TestPaddedSize(t *testing.T) {
	testCases := []struct {
		name         string
		inputSize    int
		scheme       PaddingScheme
		block        int
		expectedSize int
	}{
		{"Small frame to one block", 10, PaddingBlock, 64, 64},
		{"Exact block", 64, PaddingBlock, 64, 64},
		{"Just over block", 65, PaddingBlock, 64, 128},
		{"Private message frame", 627, PaddingBlock, 64, 640},
		{"No padding", 627, PaddingNone, 64, 627},
		{"Block of one", 33, PaddingBlock, 1, 33},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := paddedSize(tc.inputSize, tc.scheme, tc.block)
			if got != tc.expectedSize {
				t.Errorf("paddedSize(%d) = %d, want %d", tc.inputSize, got, tc.expectedSize)
			}
		})
	}
}

func TestAddRemovePadding(t *testing.T) {
	original := []byte("Hello, this is a test message!")

	padded, err := addPadding(original, 64)
	if err != nil {
		t.Fatalf("addPadding failed: %v", err)
	}
	if len(padded) != 64 {
		t.Errorf("Padded size = %d, want 64", len(padded))
	}
	if !bytes.Equal(padded[:len(original)], original) {
		t.Error("Padding altered the original bytes")
	}

	unpadded, err := removePadding(padded, len(original))
	if err != nil {
		t.Fatalf("removePadding failed: %v", err)
	}
	if !bytes.Equal(unpadded, original) {
		t.Errorf("Unpadded = %q, want %q", unpadded, original)
	}
}

func TestPaddingErrors(t *testing.T) {
	if _, err := addPadding(make([]byte, 10), 5); err == nil {
		t.Error("addPadding with target below length should fail")
	}
	if _, err := removePadding(make([]byte, 10), 11); err == nil {
		t.Error("removePadding with length beyond data should fail")
	}
	if _, err := removePadding(make([]byte, 10), -1); err == nil {
		t.Error("removePadding with negative length should fail")
	}
}

func TestPaddingIsRandom(t *testing.T) {
	a, _ := addPadding([]byte{1}, 64)
	b, _ := addPadding([]byte{1}, 64)
	if bytes.Equal(a, b) {
		t.Error("Two paddings produced identical fill")
	}
}
