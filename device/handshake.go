package device

import (
	"context"
	"time"

	"github.com/edgemesh/miiolink/ioerr"
)

// Handshake performs the stamped handshake, returning the current token.
// If the packet codec reports no handshake is needed, it resolves
// immediately. If a handshake is already in flight, the caller joins that
// shared future rather than issuing a second probe. A 5-second deadline
// (HandshakeTimeout) rejects with code "timeout"; a reply that carries no
// token rejects with code "missing-token". Exactly one of these outcomes
// fires per handshake attempt.
func (d *Info) Handshake(ctx context.Context) ([16]byte, error) {
	if !d.packet.NeedsHandshake() {
		return d.packet.Token(), nil
	}

	d.mu.Lock()
	if d.handshake != nil {
		fut := d.handshake
		d.mu.Unlock()
		return waitHandshake(ctx, fut)
	}
	fut := &handshakeFuture{done: make(chan struct{}), replyCh: make(chan struct{}, 1)}
	d.handshake = fut
	d.mu.Unlock()

	go d.runHandshake(fut)
	return waitHandshake(ctx, fut)
}

func waitHandshake(ctx context.Context, fut *handshakeFuture) ([16]byte, error) {
	select {
	case <-fut.done:
		return fut.token, fut.err
	case <-ctx.Done():
		return [16]byte{}, ctx.Err()
	}
}

func (d *Info) runHandshake(fut *handshakeFuture) {
	defer func() {
		d.mu.Lock()
		if d.handshake == fut {
			d.handshake = nil
		}
		d.mu.Unlock()
		close(fut.done)
	}()

	frame := d.packet.Handshake()
	address, port := d.Address()
	if err := d.transport.Send(address, port, frame); err != nil {
		fut.err = err
		return
	}

	select {
	case <-fut.replyCh:
		if d.packet.NeedsHandshake() {
			fut.err = ioerr.New("missing-token", "handshake reply carried no token")
			return
		}
		fut.token = d.packet.Token()
		if id := d.packet.DeviceID(); id != 0 {
			d.SetID(ID(id))
		}
	case <-time.After(HandshakeTimeout):
		fut.err = ioerr.New("timeout", "handshake timed out")
	}
}

// onHandshakeReply wakes a goroutine blocked in runHandshake, if any. It
// is safe to call with no handshake in flight (a duplicate or unsolicited
// handshake reply is simply dropped).
func (d *Info) onHandshakeReply() {
	d.mu.Lock()
	fut := d.handshake
	d.mu.Unlock()
	if fut == nil {
		return
	}
	select {
	case fut.replyCh <- struct{}{}:
	default:
	}
}

// codedError is the duck-typed accessor codec errors expose instead of a
// concrete type, so this package can recognize "missing-token" without
// importing a specific Codec implementation.
type codedError interface {
	Code() string
}

// OnMessage feeds a raw inbound frame addressed to this device into its
// packet state machine, then either wakes a pending handshake or routes a
// data reply to its waiting call. A handshake reply that carries no token
// still wakes the pending handshake — runHandshake's own NeedsHandshake
// check turns that into the "missing-token" rejection; only a genuinely
// malformed frame is dropped silently.
func (d *Info) OnMessage(raw []byte) {
	if err := d.packet.OnMessage(raw); err != nil {
		if ce, ok := err.(codedError); ok && ce.Code() == "missing-token" {
			d.onHandshakeReply()
			return
		}
		d.logf("[DEBUG] device %d: malformed frame: %v", d.ID(), err)
		return
	}

	if len(d.packet.Data()) == 0 {
		d.onHandshakeReply()
		return
	}

	d.routeReply(d.packet.Data())
}
