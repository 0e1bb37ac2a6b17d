// Package device implements the per-device handshake, call, and enrich
// state machine: the stamped handshake, request id assignment,
// encrypt/frame/send through an injected transport, and the
// response/retry state machine including device-level retry signalling.
package device

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/edgemesh/miiolink/codec"
)

// ID identifies a device once its handshake has completed.
type ID uint32

const (
	minRequestID = 1
	maxRequestID = 9999
)

// Tunables, exported as vars rather than consts so tests can shrink them.
var (
	HandshakeTimeout = 5 * time.Second
	CallTimeout      = 2 * time.Second
	DefaultRetries   = 5
	MaxBackoff       = 8 * time.Second
)

// Transport is the sending/recovery capability a network manager injects
// into every Info it creates. Info never imports the network manager
// package; this interface breaks what would otherwise be a cyclic
// reference (each DeviceInfo needs the manager to send; the manager needs
// each device to dispatch inbound frames).
type Transport interface {
	// Send transmits a framed datagram to address:port.
	Send(address string, port int, data []byte) error
	// ResetSocket coordinates a socket reset after a transient failure.
	ResetSocket(reason string)
	// RequestRecoveryDiscovery coordinates a rate-limited rediscovery
	// broadcast after a transient failure.
	RequestRecoveryDiscovery(reason string)
}

// ThrownError marks an error a Transport.Send implementation raised
// synchronously (e.g. recovered from a panic in the underlying socket
// write) rather than reported through its ordinary return value, so the
// call engine can choose between the "socket send error" and "socket send
// throw" recovery reasons.
type ThrownError interface {
	error
	Thrown() bool
}

// TokenStore loads a previously persisted token for a device — an
// external token persistence collaborator, implemented outside this
// package.
type TokenStore interface {
	Load(id ID) (token [16]byte, ok bool, err error)
}

// NullTokenStore never has a token on file. It is the default used when a
// caller does not wire a real store.
type NullTokenStore struct{}

// Load implements TokenStore.
func (NullTokenStore) Load(ID) ([16]byte, bool, error) { return [16]byte{}, false, nil }

type pendingCall struct {
	id      int
	method  string
	replyCh chan pendingReply
}

type pendingReply struct {
	result json.RawMessage
	err    error
	retry  bool
}

type handshakeFuture struct {
	done    chan struct{}
	replyCh chan struct{}
	token   [16]byte
	err     error
}

type enrichFuture struct {
	done chan struct{}
	err  error
}

// Info is a single device's record: address, token, handshake/call state,
// and the per-device request id space. It is created and torn down only
// by the network manager; nothing outside this package mutates its
// fields.
type Info struct {
	mu sync.Mutex

	id           ID
	address      string
	port         int
	autoToken    bool
	tokenChanged bool
	model        string
	enriched     bool

	packet    codec.Packet
	decoder   codec.ReplyDecoder
	transport Transport
	tokens    TokenStore
	logger    *log.Logger

	pending map[int]*pendingCall
	lastID  int

	handshake *handshakeFuture
	enrich    *enrichFuture
}

// New constructs an Info for a device first sighted at address:port.
func New(address string, port int, pkt codec.Packet, transport Transport, tokens TokenStore, decoder codec.ReplyDecoder, logger *log.Logger) *Info {
	if tokens == nil {
		tokens = NullTokenStore{}
	}
	if decoder == nil {
		decoder = codec.DefaultReplyDecoder{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Info{
		address:   address,
		port:      port,
		packet:    pkt,
		decoder:   decoder,
		transport: transport,
		tokens:    tokens,
		logger:    logger,
		pending:   make(map[int]*pendingCall),
	}
}

// ID returns the device's learned id, or 0 if none is known yet.
func (d *Info) ID() ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// SetID records a learned or rebound device id.
func (d *Info) SetID(id ID) {
	d.mu.Lock()
	d.id = id
	d.mu.Unlock()
}

// Address returns the device's current host:port.
func (d *Info) Address() (string, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address, d.port
}

// SetAddress rebinds the device to a new host:port, e.g. after a DHCP
// lease change is observed via an inbound datagram from a new address.
func (d *Info) SetAddress(address string, port int) {
	d.mu.Lock()
	d.address = address
	d.port = port
	d.mu.Unlock()
}

// Token returns the token currently associated with the device's packet
// state machine.
func (d *Info) Token() [16]byte {
	return d.packet.Token()
}

// SetToken stores a token manually (auto=false) or from a learned
// handshake (auto=true), marking TokenChanged.
func (d *Info) SetToken(token [16]byte, auto bool) {
	d.mu.Lock()
	d.autoToken = auto
	d.tokenChanged = true
	d.mu.Unlock()
	// The packet state machine is the source of truth for Encode/Decode;
	// route the token through it so in-flight framing picks it up.
	d.packet.SetToken(token)
}

// AutoToken reports whether the current token was learned during
// handshake rather than supplied manually.
func (d *Info) AutoToken() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.autoToken
}

// TokenChanged reports whether the token has changed since the last
// successful enrichment.
func (d *Info) TokenChanged() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tokenChanged
}

// Model returns the model string learned by Enrich, or "" if the device
// has not been enriched yet.
func (d *Info) Model() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model
}

// Enriched reports whether Enrich has ever completed successfully.
func (d *Info) Enriched() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enriched
}

// Packet exposes the device's packet state machine, e.g. so the network
// manager's inbound dispatcher can feed it raw frames.
func (d *Info) Packet() codec.Packet { return d.packet }

func (d *Info) logf(format string, args ...interface{}) {
	d.logger.Printf(format, args...)
}
