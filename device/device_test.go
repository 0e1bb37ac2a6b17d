package device_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgemesh/miiolink/codec"
	"github.com/edgemesh/miiolink/device"
	"github.com/edgemesh/miiolink/ioerr"
)

// wireFrame mirrors codec.Loopback's unexported wire shape so tests can
// speak the same JSON without reaching into the codec package's
// internals.
type wireFrame struct {
	DeviceID  uint32   `json:"device_id"`
	Handshake bool     `json:"handshake,omitempty"`
	Token     [16]byte `json:"token,omitempty"`
	Payload   []byte   `json:"payload,omitempty"`
	Checksum  [16]byte `json:"checksum,omitempty"`
}

type rpcRequest struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
}

// fakeTransport simulates a device on the other end of the wire: it
// inspects outgoing frames and calls back into the Info under test via
// OnMessage, exactly as the network manager's inbound dispatcher would.
type fakeTransport struct {
	mu sync.Mutex

	info  *device.Info
	token [16]byte

	handshakeAttempts int
	failHandshakes    int // number of handshake attempts to fail with a timeout (no reply)

	respond func(id int, method string) (json.RawMessage, *codec.DeviceError, bool)

	sendErr        error
	sendErrOnce    bool
	dataFrameIDs   []int
	resetReasons   []string
	recoveryReason []string
}

func (f *fakeTransport) Send(address string, port int, data []byte) error {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	f.mu.Lock()
	sendErr := f.sendErr
	if f.sendErrOnce {
		f.sendErr = nil
		f.sendErrOnce = false
	}
	f.mu.Unlock()
	if sendErr != nil {
		return sendErr
	}

	if frame.Handshake {
		f.mu.Lock()
		f.handshakeAttempts++
		skip := f.failHandshakes > 0
		if skip {
			f.failHandshakes--
		}
		f.mu.Unlock()
		if skip {
			return nil // no reply delivered: the caller's handshake deadline fires.
		}
		reply, _ := json.Marshal(wireFrame{Handshake: true, DeviceID: 123, Token: f.token})
		go f.info.OnMessage(reply)
		return nil
	}

	var req rpcRequest
	_ = json.Unmarshal(frame.Payload, &req)
	f.mu.Lock()
	f.dataFrameIDs = append(f.dataFrameIDs, req.ID)
	f.mu.Unlock()

	if f.respond == nil {
		return nil
	}
	result, derr, reply := f.respond(req.ID, req.Method)
	if !reply {
		return nil
	}
	payload, _ := json.Marshal(struct {
		ID     int                 `json:"id"`
		Result json.RawMessage     `json:"result,omitempty"`
		Error  *codec.DeviceError  `json:"error,omitempty"`
	}{ID: req.ID, Result: result, Error: derr})
	out, _ := json.Marshal(wireFrame{DeviceID: frame.DeviceID, Payload: payload})
	go f.info.OnMessage(out)
	return nil
}

func (f *fakeTransport) ResetSocket(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetReasons = append(f.resetReasons, reason)
}

func (f *fakeTransport) RequestRecoveryDiscovery(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveryReason = append(f.recoveryReason, reason)
}

func newTestDevice(t *testing.T) (*device.Info, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{token: [16]byte{1, 2, 3, 4}}
	lb := codec.NewLoopback()
	info := device.New("127.0.0.1", 54321, lb.NewPacket([16]byte{}), ft, nil, nil, nil)
	ft.info = info
	return info, ft
}

func withShortTimers(t *testing.T) {
	t.Helper()
	origHandshake, origCall, origMax := device.HandshakeTimeout, device.CallTimeout, device.MaxBackoff
	device.HandshakeTimeout = 40 * time.Millisecond
	device.CallTimeout = 40 * time.Millisecond
	device.MaxBackoff = 20 * time.Millisecond
	t.Cleanup(func() {
		device.HandshakeTimeout = origHandshake
		device.CallTimeout = origCall
		device.MaxBackoff = origMax
	})
}

func TestCallSucceedsAfterHandshake(t *testing.T) {
	withShortTimers(t)
	info, ft := newTestDevice(t)
	ft.respond = func(id int, method string) (json.RawMessage, *codec.DeviceError, bool) {
		return json.RawMessage(`{"ok":true}`), nil, true
	}

	result, err := info.Call(context.Background(), "get_prop", []interface{}{"power"}, device.CallOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.Equal(t, device.ID(123), info.ID())
}

func TestHandshakeTimeoutSchedulesOneRetry(t *testing.T) {
	withShortTimers(t)
	info, ft := newTestDevice(t)
	ft.failHandshakes = 1
	ft.respond = func(id int, method string) (json.RawMessage, *codec.DeviceError, bool) {
		return json.RawMessage(`{"ok":true}`), nil, true
	}

	result, err := info.Call(context.Background(), "get_prop", nil, device.CallOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.Equal(t, 2, ft.handshakeAttempts)
}

func TestHandshakeReplyWithoutTokenRejectsImmediatelyAsMissingToken(t *testing.T) {
	withShortTimers(t)
	info, ft := newTestDevice(t)
	ft.token = [16]byte{} // the reply carries a handshake frame but no token

	start := time.Now()
	_, err := info.Handshake(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	ce, ok := err.(*ioerr.CodedError)
	require.True(t, ok)
	assert.Equal(t, "missing-token", ce.Code)
	assert.Less(t, elapsed, device.HandshakeTimeout, "a tokenless reply must wake the handshake immediately, not fall through to the timeout")
}

func TestSendTransientErrorTriggersRecoveryAndRetryWithBumpedID(t *testing.T) {
	withShortTimers(t)
	info, ft := newTestDevice(t)
	ft.respond = func(id int, method string) (json.RawMessage, *codec.DeviceError, bool) {
		return json.RawMessage(`{"ok":true}`), nil, true
	}

	// Let the handshake itself succeed, then fail exactly the first data send.
	_, err := info.Handshake(context.Background())
	require.NoError(t, err)

	ft.sendErr = ioerr.New("ECONNRESET", "reset by peer")
	ft.sendErrOnce = true

	_, err = info.Call(context.Background(), "get_prop", nil, device.CallOptions{})
	require.NoError(t, err)

	require.Len(t, ft.resetReasons, 1)
	assert.Equal(t, "socket send error: ECONNRESET", ft.resetReasons[0])
	require.Len(t, ft.recoveryReason, 1)
	assert.Equal(t, "socket send error: ECONNRESET", ft.recoveryReason[0])

	require.Len(t, ft.dataFrameIDs, 1, "the failed send never reached the wire")
	assert.Equal(t, 101, ft.dataFrameIDs[0], "the retry after the failed send with id 1 uses lastId+100")
}

func TestInvalidStampReplyTriggersAutomaticRetry(t *testing.T) {
	withShortTimers(t)
	info, ft := newTestDevice(t)
	attempts := 0
	ft.respond = func(id int, method string) (json.RawMessage, *codec.DeviceError, bool) {
		attempts++
		if attempts == 1 {
			return nil, &codec.DeviceError{Code: -9999, Message: "invalid stamp"}, true
		}
		return json.RawMessage(`{"ok":true}`), nil, true
	}

	result, err := info.Call(context.Background(), "get_prop", nil, device.CallOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.True(t, info.Packet().NeedsHandshake() == false, "handshake should have re-completed before the retry succeeded")
	assert.GreaterOrEqual(t, len(ft.dataFrameIDs), 2)
	assert.Equal(t, ft.dataFrameIDs[0]+100, ft.dataFrameIDs[1])
}

func TestCallExhaustsRetriesAndTimesOut(t *testing.T) {
	withShortTimers(t)
	info, ft := newTestDevice(t)
	ft.respond = func(id int, method string) (json.RawMessage, *codec.DeviceError, bool) {
		return nil, nil, false // never reply
	}
	retries := 1

	_, err := info.Call(context.Background(), "get_prop", nil, device.CallOptions{Retries: &retries})
	require.Error(t, err)
	ce, ok := err.(*ioerr.CodedError)
	require.True(t, ok)
	assert.Equal(t, "timeout", ce.Code)
	assert.Equal(t, "Call to device timed out", ce.Message)
}

func TestDeviceErrorMessageTranslationTable(t *testing.T) {
	withShortTimers(t)

	cases := []struct {
		name    string
		code    int
		devMsg  string
		method  string
		wantMsg string
	}{
		{"invalid_arg maps to Invalid argument", -5001, "invalid_arg", "set_power", "Invalid argument"},
		{"-5001 other message passes through", -5001, "something else", "set_power", "something else"},
		{"params error maps to Invalid argument", -5005, "params error", "set_power", "Invalid argument"},
		{"-5005 other message passes through", -5005, "weird", "set_power", "weird"},
		{"-10000 renders unsupported method", -10000, "anything", "set_power", "Method `set_power` is not supported"},
		{"other code passes message through", -1, "device said no", "set_power", "device said no"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			info, ft := newTestDevice(t)
			ft.respond = func(id int, method string) (json.RawMessage, *codec.DeviceError, bool) {
				return nil, &codec.DeviceError{Code: tc.code, Message: tc.devMsg}, true
			}
			_, err := info.Call(context.Background(), tc.method, nil, device.CallOptions{})
			require.Error(t, err)
			ce, ok := err.(*ioerr.CodedError)
			require.True(t, ok)
			assert.Equal(t, fmt.Sprintf("%d", tc.code), ce.Code)
			assert.Equal(t, tc.wantMsg, ce.Message)
		})
	}
}

func TestRequestIDStaysInValidRange(t *testing.T) {
	withShortTimers(t)
	info, ft := newTestDevice(t)
	ft.respond = func(id int, method string) (json.RawMessage, *codec.DeviceError, bool) {
		return json.RawMessage(`{"ok":true}`), nil, true
	}

	for i := 0; i < 5; i++ {
		_, err := info.Call(context.Background(), "ping", nil, device.CallOptions{})
		require.NoError(t, err)
	}
	for _, id := range ft.dataFrameIDs {
		assert.GreaterOrEqual(t, id, 1)
		assert.LessOrEqual(t, id, 9999)
	}
}

func TestEnrichSetsModelAndClearsTokenChanged(t *testing.T) {
	withShortTimers(t)
	info, ft := newTestDevice(t)
	info.SetToken([16]byte{9, 9, 9}, false)
	ft.respond = func(id int, method string) (json.RawMessage, *codec.DeviceError, bool) {
		assert.Equal(t, "miIO.info", method)
		return json.RawMessage(`{"model":"acme.fan.v1"}`), nil, true
	}

	err := info.Enrich(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acme.fan.v1", info.Model())
	assert.True(t, info.Enriched())
	assert.False(t, info.TokenChanged())
}

func TestEnrichWithoutTokenFailsMissingToken(t *testing.T) {
	withShortTimers(t)
	info, ft := newTestDevice(t)
	ft.failHandshakes = 1000 // never complete a handshake, so Call never gets a token

	err := info.Enrich(context.Background())
	require.Error(t, err)
	ce, ok := err.(*ioerr.CodedError)
	require.True(t, ok)
	assert.Equal(t, "missing-token", ce.Code)
}
