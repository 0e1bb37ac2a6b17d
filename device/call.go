package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edgemesh/miiolink/codec"
	"github.com/edgemesh/miiolink/ioerr"
)

// CallOptions customizes a single Call. The zero value uses DefaultRetries
// and no session id.
type CallOptions struct {
	SID     string
	Retries *int
}

type rpcRequest struct {
	ID     int           `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	SID    string        `json:"sid,omitempty"`
}

// Call invokes method with args on the device and returns the decoded
// result field. It runs the full response/retry state machine: id
// assignment, handshake recovery, transient send-error recovery, the
// 2-second per-attempt timeout, and device-level retry signalling on a
// stale-stamp rejection. Failures preserve the device's error code; a
// structured device error is rendered through the device-message
// translation table below.
func (d *Info) Call(ctx context.Context, method string, args []interface{}, opts CallOptions) (json.RawMessage, error) {
	retries := DefaultRetries
	if opts.Retries != nil {
		retries = *opts.Retries
	}

	// correlationID ties every retry of this call together in the log, the
	// way a request id would in a traced RPC call.
	correlationID := uuid.NewString()
	d.logf("[DEBUG] device %d: call %s [%s] started", d.ID(), method, correlationID)

	attempt := 0
	for {
		isRetry := attempt > 0

		if _, err := d.Handshake(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if d.recoverHandshakeError(err) {
				if attempt >= retries {
					return nil, timeoutError()
				}
				attempt++
				d.logf("[DEBUG] device %d: call %s [%s] retry %d: handshake recovery", d.ID(), method, correlationID, attempt)
				if !sleepBackoff(ctx, attempt-1) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, err
		}

		id := d.nextID(isRetry)
		replyCh := d.registerPending(id, method)

		payload, merr := json.Marshal(rpcRequest{ID: id, Method: method, Params: args, SID: opts.SID})
		if merr != nil {
			d.clearPending(id)
			return nil, merr
		}

		frame, sendErr := d.packet.Encode(payload)
		if sendErr == nil {
			address, port := d.Address()
			sendErr = d.transport.Send(address, port, frame)
		}

		if sendErr != nil {
			d.clearPending(id)
			if ioerr.IsTransient(sendErr) {
				ce := ioerr.Canonicalize(sendErr)
				reason := fmt.Sprintf("socket send error: %s", ce.Code)
				if isThrown(sendErr) {
					reason = fmt.Sprintf("socket send throw: %s", ce.Code)
				}
				d.transport.ResetSocket(reason)
				d.transport.RequestRecoveryDiscovery(reason)
				if attempt >= retries {
					return nil, timeoutError()
				}
				attempt++
				d.logf("[DEBUG] device %d: call %s [%s] retry %d: %s", d.ID(), method, correlationID, attempt, reason)
				if !sleepBackoff(ctx, attempt-1) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, sendErr
		}

		select {
		case <-ctx.Done():
			d.clearPending(id)
			return nil, ctx.Err()
		case reply := <-replyCh:
			if reply.retry {
				d.packet.MarkHandshakeRequired()
				if attempt >= retries {
					return nil, timeoutError()
				}
				attempt++
				d.logf("[DEBUG] device %d: call %s [%s] retry %d: device requested re-handshake", d.ID(), method, correlationID, attempt)
				if !sleepBackoff(ctx, attempt-1) {
					return nil, ctx.Err()
				}
				continue
			}
			return reply.result, reply.err
		case <-time.After(CallTimeout):
			d.clearPending(id)
			if attempt >= retries {
				return nil, timeoutError()
			}
			attempt++
			d.logf("[DEBUG] device %d: call %s [%s] retry %d: call timeout", d.ID(), method, correlationID, attempt)
			if !sleepBackoff(ctx, attempt-1) {
				return nil, ctx.Err()
			}
			continue
		}
	}
}

func (d *Info) recoverHandshakeError(err error) bool {
	ce := ioerr.Canonicalize(err)
	if ce.Code == "timeout" {
		d.logf("[DEBUG] device %d: handshake timeout, scheduling retry", d.ID())
		return true
	}
	if ioerr.IsTransient(err) {
		reason := fmt.Sprintf("handshake network error: %s", ce.Code)
		d.transport.ResetSocket(reason)
		d.transport.RequestRecoveryDiscovery(reason)
		return true
	}
	return false
}

func (d *Info) nextID(isRetry bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var id int
	switch {
	case d.lastID == 0:
		id = minRequestID
	case isRetry:
		id = d.lastID + 100
	default:
		id = d.lastID + 1
	}
	if id > maxRequestID {
		id = minRequestID
	}
	d.lastID = id
	return id
}

func (d *Info) registerPending(id int, method string) chan pendingReply {
	ch := make(chan pendingReply, 1)
	d.mu.Lock()
	d.pending[id] = &pendingCall{id: id, method: method, replyCh: ch}
	d.mu.Unlock()
	return ch
}

func (d *Info) clearPending(id int) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// routeReply decodes a data frame's JSON-RPC payload and delivers it to
// the pending call it answers. A reply whose id has no matching pending
// call — a stale retry's late arrival, most commonly — is dropped rather
// than misrouted to whichever attempt currently holds that id.
func (d *Info) routeReply(data []byte) {
	reply, err := d.decoder.Decode(data)
	if err != nil {
		d.logf("[DEBUG] device %d: reply decode error: %v", d.ID(), err)
		return
	}

	d.mu.Lock()
	pc, ok := d.pending[reply.ID]
	if ok {
		delete(d.pending, reply.ID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	if reply.Error != nil {
		if isRetryableDeviceError(reply.Error) {
			pc.replyCh <- pendingReply{retry: true}
			return
		}
		pc.replyCh <- pendingReply{err: translateDeviceError(reply.Error, pc.method)}
		return
	}
	pc.replyCh <- pendingReply{result: reply.Result}
}

func isRetryableDeviceError(e *codec.DeviceError) bool {
	if e == nil {
		return false
	}
	if e.Code == -9999 || e.Code == -30001 {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "invalid stamp") || strings.Contains(msg, "invalid_stmp")
}

func translateDeviceError(e *codec.DeviceError, method string) error {
	msg := e.Message
	switch e.Code {
	case -5001:
		if strings.EqualFold(strings.TrimSpace(e.Message), "invalid_arg") {
			msg = "Invalid argument"
		}
	case -5005:
		if strings.EqualFold(strings.TrimSpace(e.Message), "params error") {
			msg = "Invalid argument"
		}
	case -10000:
		msg = fmt.Sprintf("Method `%s` is not supported", method)
	}
	return &ioerr.CodedError{Code: fmt.Sprintf("%d", e.Code), Message: msg}
}

func isThrown(err error) bool {
	var te ThrownError
	return errors.As(err, &te) && te.Thrown()
}

func timeoutError() error {
	return &ioerr.CodedError{Code: "timeout", Message: "Call to device timed out"}
}

// sleepBackoff waits min(1000*2^attempt, 8000)ms plus a uniform
// [0, 1000)ms jitter before the next retry, returning false if ctx is
// cancelled first.
func sleepBackoff(ctx context.Context, attempt int) bool {
	select {
	case <-time.After(backoff(attempt)):
		return true
	case <-ctx.Done():
		return false
	}
}

func backoff(attempt int) time.Duration {
	base := time.Second
	for i := 0; i < attempt && base < MaxBackoff; i++ {
		base *= 2
	}
	if base > MaxBackoff {
		base = MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return base + jitter
}
