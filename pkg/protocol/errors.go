package protocol

import (
	"errors"
	"fmt"
)

// Protocol errors are fatal to the single packet only, never to a session.
var (
	ErrMalformedPacket    = errors.New("malformed packet")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrInvalidSignature   = errors.New("invalid packet signature")

	ErrInvalidHeader    = fmt.Errorf("%w: invalid header", ErrMalformedPacket)
	ErrPayloadTooLarge  = errors.New("payload exceeds wire version maximum")
	ErrUnknownType      = fmt.Errorf("%w: unknown type code", ErrMalformedPacket)
	ErrTypeNotPermitted = errors.New("type not permitted in session state")
)

// IsProtocolError reports whether err belongs to the per-packet error class
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrMalformedPacket) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrInvalidSignature)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPacket, fmt.Sprintf(format, args...))
}
