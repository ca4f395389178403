// Package protocol implements the zentalk mesh wire format.
//
// The protocol package defines the packet layout, the type registry for
// outer packets and inner (post-handshake) payloads, and the small codecs
// shared by the session engine: TLV fields, fragment headers and the padded
// noise payload frame.
//
// # Header Format
//
// Every packet starts with a fixed header whose layout is selected by the
// version byte:
//   - Version (1 byte)
//   - Type (1 byte)
//   - TTL (1 byte): remaining hops, at most 7
//   - Timestamp (8 bytes): Unix milliseconds
//   - Flags (1 byte)
//   - PayloadLength: 1 byte in v1 (payload up to 255 bytes),
//     4 bytes in v2 (payload up to 4 GiB)
//
// The v1 header is therefore 13 bytes (HeaderSizeV1) and the v2 header 16
// bytes (HeaderSizeV2). A v2 payload is further bounded by the transport
// frame limit, see MaxFrameSize in package transport.
//
// The header is followed by the sender id (8 bytes), the recipient id when
// FlagHasRecipient is set, the hop list when FlagHasRoute is set, exactly
// PayloadLength bytes of payload and a 64-byte Ed25519 signature when
// FlagHasSignature is set. Integers are big-endian. Nothing may follow the
// last field.
//
// # Message Types
//
// Outer packet types occupy 0x01-0x31:
//   - Announce, Message, Leave: public mesh traffic
//   - HandshakeInit/Response/Final: the three Noise XX messages
//   - NoiseEncrypted: a session payload sealed under the transport keys
//   - Fragment: one chunk of a payload larger than the version maximum
//   - RequestSync: a gossip summary sent to direct neighbours
//
// Noise payload types occupy 0x01-0x51 and are only valid inside an
// established session (PrivateMessage, ReadReceipt, Delivered,
// VerifyChallenge/Response, SyncSummary, SyncPacket).
//
// # Message IDs
//
// A MessageID is the first 16 bytes of BLAKE2b-256 over
// sender || timestamp || type || payload. Route, TTL and signature are left
// out so a message relayed over several paths keeps one id.
//
// # Usage Example
//
//	pkt := &protocol.Packet{
//	    Version:   protocol.VersionV1,
//	    Type:      protocol.TypeMessage,
//	    TTL:       protocol.MaxTTL,
//	    Timestamp: protocol.NowUnixMilli(),
//	    SenderID:  self,
//	    Payload:   []byte("hello mesh"),
//	}
//	if err := pkt.Sign(signingKey); err != nil {
//	    return err
//	}
//	data, err := pkt.Encode()
package protocol
