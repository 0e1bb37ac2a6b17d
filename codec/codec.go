// Package codec names the external contracts this library depends on but
// does not implement: the proprietary bit-exact frame/stamp/token codec and
// the lenient JSON parser used to decode device replies. Both are treated
// as black boxes — production callers supply a real implementation; this
// package only declares the interfaces and ships a Loopback test double
// used by this repository's own tests.
package codec

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"
)

// Packet is a single device's framing/stamp/token state machine. One
// instance is held per DeviceInfo and mutated in place as frames are sent
// and received.
type Packet interface {
	// Handshake returns the raw bytes of a handshake probe frame.
	Handshake() []byte

	// Raw returns the bytes of the most recently processed inbound frame.
	Raw() []byte

	// Data returns the decoded JSON-RPC payload of the most recently
	// processed inbound frame, or nil if that frame carried no payload
	// (a handshake reply).
	Data() []byte

	// Token returns the 16-byte token currently associated with the
	// device, whether set manually or learned during handshake.
	Token() [16]byte

	// SetToken installs a manually supplied token, e.g. one the caller
	// already knows out of band.
	SetToken(token [16]byte)

	// DeviceID returns the device id carried by the most recently
	// processed frame, or 0 if none has been seen yet.
	DeviceID() uint32

	// Checksum returns the stamp/checksum trailer of the most recently
	// processed frame.
	Checksum() [16]byte

	// NeedsHandshake reports whether Encode requires a fresh handshake
	// before it can frame a data request.
	NeedsHandshake() bool

	// MarkHandshakeRequired forces the next NeedsHandshake call to return
	// true. Used after a device rejects a request with an invalid-stamp
	// error.
	MarkHandshakeRequired()

	// HandleHandshakeReply ingests a raw handshake reply, updating
	// DeviceID/Token. It returns an error with code "missing-token" if no
	// token could be extracted.
	HandleHandshakeReply(raw []byte) error

	// OnMessage ingests any raw inbound frame — data or handshake reply —
	// updating Raw/Data/DeviceID/Checksum.
	OnMessage(raw []byte) error

	// Encode frames payload as an outbound data request, stamped with the
	// current token.
	Encode(payload []byte) ([]byte, error)
}

// Codec constructs per-device Packet state machines and performs the
// cleartext header peek the network manager needs before it knows which
// device a datagram belongs to (the device id and checksum trailer travel
// unencrypted; only the JSON payload is encrypted with the device token).
type Codec interface {
	// NewPacket returns a fresh Packet bound to token (the zero value is
	// valid and means "no token yet").
	NewPacket(token [16]byte) Packet

	// PeekDeviceID reads the device id out of a raw datagram without
	// decrypting its payload. ok is false if the datagram is too short or
	// malformed to contain one.
	PeekDeviceID(raw []byte) (id uint32, ok bool)
}

// DeviceError is the decoded {code, message} error object a device embeds
// in a JSON-RPC reply.
type DeviceError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Reply is a decoded JSON-RPC reply frame: either Result or Error is set.
type Reply struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *DeviceError    `json:"error,omitempty"`
}

// ReplyDecoder turns the cleartext bytes of a data frame's payload into a
// Reply. Device firmware is known to embed stray control characters in
// reply bodies and to pad the final frame with a trailing NUL; a
// conforming implementation must tolerate both before handing the bytes to
// a JSON parser.
type ReplyDecoder interface {
	Decode(data []byte) (Reply, error)
}

// DefaultReplyDecoder is a reference implementation of the lenient-decode
// contract: it strips C0/C1 control characters (except tab) from the
// payload, trims a trailing NUL, and then parses the result as JSON. It is
// adequate for the Loopback codec and for tests; a production deployment
// may substitute a more permissive parser tuned to observed firmware
// quirks.
type DefaultReplyDecoder struct{}

// Decode implements ReplyDecoder.
func (DefaultReplyDecoder) Decode(data []byte) (Reply, error) {
	clean := stripControlBytes(data)
	clean = bytes.TrimRight(clean, "\x00")
	var reply Reply
	if err := json.Unmarshal(clean, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// stripControlBytes decodes data as UTF-8 and removes characters in
// U+0000-U+001F (excluding tab, U+0009) and U+007F-U+009F, the ranges
// device replies are known to pollute with embedded control characters.
func stripControlBytes(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, r := range string(data) {
		if r == '\t' {
			out = utf8.AppendRune(out, r)
			continue
		}
		if r <= 0x1F || (r >= 0x7F && r <= 0x9F) {
			continue
		}
		out = utf8.AppendRune(out, r)
	}
	return out
}
