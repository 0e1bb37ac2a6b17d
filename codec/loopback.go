package codec

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
)

// Loopback is an in-memory, unencrypted stand-in for the proprietary frame
// codec. It satisfies the Codec/Packet contracts well enough to drive the
// rest of this repository's tests and the demo CLI, which always uses it,
// but it is not the protocol's real bit-exact
// framing and must never be wired into a production deployment.
type Loopback struct {
	Decoder ReplyDecoder
}

// NewLoopback returns a Loopback codec using DefaultReplyDecoder.
func NewLoopback() *Loopback {
	return &Loopback{Decoder: DefaultReplyDecoder{}}
}

type loopbackFrame struct {
	DeviceID  uint32   `json:"device_id"`
	Handshake bool     `json:"handshake,omitempty"`
	Token     [16]byte `json:"token,omitempty"`
	Payload   []byte   `json:"payload,omitempty"`
	Checksum  [16]byte `json:"checksum,omitempty"`
}

// NewPacket implements Codec.
func (l *Loopback) NewPacket(token [16]byte) Packet {
	decoder := l.Decoder
	if decoder == nil {
		decoder = DefaultReplyDecoder{}
	}
	return &loopbackPacket{token: token, decoder: decoder}
}

// PeekDeviceID implements Codec.
func (l *Loopback) PeekDeviceID(raw []byte) (uint32, bool) {
	var frame loopbackFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return 0, false
	}
	if frame.DeviceID == 0 {
		return 0, false
	}
	return frame.DeviceID, true
}

type loopbackPacket struct {
	token             [16]byte
	deviceID          uint32
	raw               []byte
	data              []byte
	checksum          [16]byte
	handshakeRequired bool
	decoder           ReplyDecoder
}

func (p *loopbackPacket) Handshake() []byte {
	raw, _ := json.Marshal(loopbackFrame{Handshake: true})
	return raw
}

func (p *loopbackPacket) Raw() []byte { return p.raw }

func (p *loopbackPacket) Data() []byte { return p.data }

func (p *loopbackPacket) Token() [16]byte { return p.token }

func (p *loopbackPacket) SetToken(token [16]byte) {
	p.token = token
	p.handshakeRequired = false
}

func (p *loopbackPacket) DeviceID() uint32 { return p.deviceID }

func (p *loopbackPacket) Checksum() [16]byte { return p.checksum }

func (p *loopbackPacket) NeedsHandshake() bool {
	return p.handshakeRequired || p.token == [16]byte{}
}

func (p *loopbackPacket) MarkHandshakeRequired() { p.handshakeRequired = true }

func (p *loopbackPacket) HandleHandshakeReply(raw []byte) error {
	var frame loopbackFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("loopback: malformed handshake reply: %w", err)
	}
	if !frame.Handshake {
		return fmt.Errorf("loopback: reply is not a handshake frame")
	}
	p.raw = raw
	p.data = nil
	p.checksum = frame.Checksum
	if frame.DeviceID != 0 {
		p.deviceID = frame.DeviceID
	}
	if frame.Token == ([16]byte{}) {
		return &missingTokenError{}
	}
	p.token = frame.Token
	p.handshakeRequired = false
	return nil
}

func (p *loopbackPacket) OnMessage(raw []byte) error {
	var frame loopbackFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("loopback: malformed frame: %w", err)
	}
	if frame.Handshake {
		return p.HandleHandshakeReply(raw)
	}
	p.raw = raw
	p.checksum = frame.Checksum
	if frame.DeviceID != 0 {
		p.deviceID = frame.DeviceID
	}
	p.data = frame.Payload
	return nil
}

func (p *loopbackPacket) Encode(payload []byte) ([]byte, error) {
	stamped := make([]byte, 0, len(payload)+len(p.token))
	stamped = append(stamped, payload...)
	stamped = append(stamped, p.token[:]...)
	frame := loopbackFrame{
		DeviceID: p.deviceID,
		Payload:  payload,
		Checksum: md5.Sum(stamped),
	}
	return json.Marshal(frame)
}

// missingTokenError is returned, unexported, by HandleHandshakeReply; the
// device package recognizes it through the Code() accessor rather than a
// type assertion so it composes with codec.Codec implementations other
// than Loopback.
type missingTokenError struct{}

func (e *missingTokenError) Error() string { return "missing-token" }

// Code reports the symbolic error code, satisfying the same duck-typed
// contract ioerr.CodedError exposes.
func (e *missingTokenError) Code() string { return "missing-token" }
