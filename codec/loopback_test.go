package codec_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgemesh/miiolink/codec"
)

func TestLoopbackPacketNeedsHandshakeUntilTokenSet(t *testing.T) {
	lb := codec.NewLoopback()
	pkt := lb.NewPacket([16]byte{})
	assert.True(t, pkt.NeedsHandshake())

	pkt.SetToken([16]byte{1, 2, 3})
	assert.False(t, pkt.NeedsHandshake())
}

func TestLoopbackHandshakeRoundTrip(t *testing.T) {
	lb := codec.NewLoopback()
	pkt := lb.NewPacket([16]byte{})

	probe := pkt.Handshake()
	assert.NotEmpty(t, probe)

	reply := mustLoopbackHandshakeReply(t, 42, [16]byte{9, 9, 9})
	require.NoError(t, pkt.OnMessage(reply))
	assert.Equal(t, uint32(42), pkt.DeviceID())
	assert.Equal(t, [16]byte{9, 9, 9}, pkt.Token())
	assert.False(t, pkt.NeedsHandshake())
}

func TestLoopbackHandshakeReplyWithoutTokenFails(t *testing.T) {
	lb := codec.NewLoopback()
	pkt := lb.NewPacket([16]byte{})

	reply := mustLoopbackHandshakeReply(t, 42, [16]byte{})
	err := pkt.OnMessage(reply)
	require.Error(t, err)
	assert.Equal(t, "missing-token", err.Error())
}

func TestLoopbackMarkHandshakeRequiredForcesReHandshake(t *testing.T) {
	lb := codec.NewLoopback()
	pkt := lb.NewPacket([16]byte{1})
	require.False(t, pkt.NeedsHandshake())

	pkt.MarkHandshakeRequired()
	assert.True(t, pkt.NeedsHandshake())
}

func TestLoopbackEncodeDecodeRoundTrip(t *testing.T) {
	lb := codec.NewLoopback()
	pkt := lb.NewPacket([16]byte{5, 5, 5})

	frame, err := pkt.Encode([]byte(`{"id":1,"method":"ping"}`))
	require.NoError(t, err)

	peeked, ok := lb.PeekDeviceID(frame)
	assert.False(t, ok, "a packet with no learned device id has nothing to peek yet")
	_ = peeked

	require.NoError(t, pkt.OnMessage(frame))
	assert.JSONEq(t, `{"id":1,"method":"ping"}`, string(pkt.Data()))
}

func TestDefaultReplyDecoderStripsControlBytesAndTrailingNUL(t *testing.T) {
	dec := codec.DefaultReplyDecoder{}
	raw := append([]byte("\x01{\"id\":7,\"result\":{\"ok\":true}}\x02"), 0x00, 0x00)

	reply, err := dec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, 7, reply.ID)
	assert.JSONEq(t, `{"ok":true}`, string(reply.Result))
	assert.Nil(t, reply.Error)
}

func TestDefaultReplyDecoderParsesDeviceError(t *testing.T) {
	dec := codec.DefaultReplyDecoder{}
	reply, err := dec.Decode([]byte(`{"id":3,"error":{"code":-5001,"message":"invalid_arg"}}`))
	require.NoError(t, err)
	require.NotNil(t, reply.Error)
	assert.Equal(t, -5001, reply.Error.Code)
	assert.Equal(t, "invalid_arg", reply.Error.Message)
}

// wireFrame mirrors the loopback codec's unexported wire shape closely
// enough to hand-build a handshake reply without reaching into it.
type wireFrame struct {
	DeviceID  uint32   `json:"device_id"`
	Handshake bool     `json:"handshake,omitempty"`
	Token     [16]byte `json:"token,omitempty"`
}

func mustLoopbackHandshakeReply(t *testing.T, deviceID uint32, token [16]byte) []byte {
	t.Helper()
	raw, err := json.Marshal(wireFrame{DeviceID: deviceID, Handshake: true, Token: token})
	require.NoError(t, err)
	return raw
}
