// Package netmanager owns the single UDP socket shared by every device and
// by discovery: refcounted lifetime, inbound dispatch, and the two
// transient-error recovery primitives (resetSocket, requestRecoveryDiscovery)
// the device call engine leans on.
package netmanager

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/edgemesh/miiolink/codec"
	"github.com/edgemesh/miiolink/device"
	"github.com/edgemesh/miiolink/ioerr"
)

const (
	broadcastPort  = 54321
	searchGap      = 500 * time.Millisecond
	resetSettle    = 250 * time.Millisecond
	closeSettle    = time.Second
	recoveryPoll   = 50 * time.Millisecond
	recoveryWait   = 300 * time.Millisecond
	recoveryWindow = time.Second
)

// ConnectionRetries bounds how many additional handshake attempts
// FindDeviceViaAddress makes after a transient connect error (e.g.
// EHOSTUNREACH) before giving up. Exported, like the device package's
// tunables, so tests can override it.
var ConnectionRetries = 1

// Observer is notified when a device becomes known or re-advertises itself
// (on every handshake reply it sends).
type Observer interface {
	OnDevice(info *device.Info)
}

// Manager is the refcounted owner of the shared UDP socket. The zero value
// is not usable; construct with New.
type Manager struct {
	mu sync.Mutex

	codec   codec.Codec
	tokens  device.TokenStore
	decoder codec.ReplyDecoder
	logger  *log.Logger

	conn       *net.UDPConn
	references int
	wg         sync.WaitGroup

	addresses map[string]*device.Info
	devices   map[device.ID]*device.Info

	socketResetInProgress bool
	lastRecoveryDiscovery time.Time

	observer Observer
}

// New constructs a Manager with no socket open and no references held.
func New(c codec.Codec, tokens device.TokenStore, decoder codec.ReplyDecoder, logger *log.Logger) *Manager {
	if tokens == nil {
		tokens = device.NullTokenStore{}
	}
	if decoder == nil {
		decoder = codec.DefaultReplyDecoder{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		codec:     c,
		tokens:    tokens,
		decoder:   decoder,
		logger:    logger,
		addresses: make(map[string]*device.Info),
		devices:   make(map[device.ID]*device.Info),
	}
}

// SetObserver installs the single "device" event subscriber, replacing any
// previous one.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
}

// Ref is a single holder's claim on the manager's socket. Release is
// idempotent.
type Ref struct {
	m    *Manager
	once sync.Once
}

// Release drops this reference. On the last reference's release the socket
// is closed.
func (r *Ref) Release() {
	r.once.Do(func() { r.m.release() })
}

// Ref acquires a reference, opening the socket on the 0→1 transition.
func (m *Manager) Ref() *Ref {
	m.mu.Lock()
	m.references++
	first := m.references == 1
	m.mu.Unlock()
	if first {
		if err := m.openSocket(); err != nil {
			m.logf("[ERROR] netmanager: failed to open socket: %v", err)
		}
	}
	return &Ref{m: m}
}

func (m *Manager) release() {
	m.mu.Lock()
	m.references--
	last := m.references == 0
	var conn *net.UDPConn
	if last {
		conn = m.conn
		m.conn = nil
	}
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (m *Manager) openSocket() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.wg.Add(1)
	go m.listenLoop(conn)
	m.logf("[INFO] netmanager: socket open on %s", conn.LocalAddr())
	return nil
}

// listenLoop reads datagrams off conn until it errors (closed by a reset, a
// release, or the OS); the exact conn it was handed is always the one read
// from, so a concurrent reset never causes two goroutines to race on m.conn.
func (m *Manager) listenLoop(conn *net.UDPConn) {
	defer m.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			m.logf("[DEBUG] netmanager: socket closed: %v", err)
			m.handleSocketClose()
			return
		}
		raw := append([]byte(nil), buf[:n]...)
		m.dispatch(raw, addr)
	}
}

// handleSocketClose implements the "close events schedule a recreation
// after 1s if references remain" rule from the socket lifecycle section.
func (m *Manager) handleSocketClose() {
	m.mu.Lock()
	refs := m.references
	m.mu.Unlock()
	if refs == 0 {
		return
	}
	time.AfterFunc(closeSettle, func() {
		m.mu.Lock()
		refs := m.references
		hasConn := m.conn != nil
		m.mu.Unlock()
		if refs > 0 && !hasConn {
			if err := m.openSocket(); err != nil {
				m.logf("[ERROR] netmanager: failed to reopen socket after close: %v", err)
			}
		}
	})
}

// dispatch implements the inbound dispatch rules in §4.2: drop frames with
// no device id, resolve or create the DeviceInfo, hand it the raw frame,
// and emit the device on a handshake reply, enriching it first if it has
// not been enriched yet.
func (m *Manager) dispatch(raw []byte, addr *net.UDPAddr) {
	id, ok := m.codec.PeekDeviceID(raw)
	if !ok {
		m.logf("[DEBUG] netmanager: dropped datagram with no device id from %s", addr)
		return
	}

	info := m.resolveInbound(id, addr.IP.String(), addr.Port)
	info.OnMessage(raw)

	if len(info.Packet().Data()) != 0 {
		return
	}
	if info.Enriched() {
		m.emitDevice(info)
	} else {
		go func() {
			if err := info.Enrich(context.Background()); err != nil {
				m.logf("[DEBUG] netmanager: enrich failed for device %d: %v", info.ID(), err)
			}
			m.emitDevice(info)
		}()
	}
}

func (m *Manager) emitDevice(info *device.Info) {
	m.mu.Lock()
	o := m.observer
	m.mu.Unlock()
	if o != nil {
		o.OnDevice(info)
	}
}

func addrKey(address string, port int) string {
	return fmt.Sprintf("%s:%d", address, port)
}

// resolveInbound implements findDevice(id, remoteInfo): resolve by id, else
// by address, rebinding the maps as the record's identity firms up.
func (m *Manager) resolveInbound(id uint32, address string, port int) *device.Info {
	key := addrKey(address, port)

	m.mu.Lock()
	defer m.mu.Unlock()

	if id != 0 {
		if info, ok := m.devices[device.ID(id)]; ok {
			oldAddr, oldPort := info.Address()
			if oldKey := addrKey(oldAddr, oldPort); oldKey != key {
				delete(m.addresses, oldKey)
				m.addresses[key] = info
				info.SetAddress(address, port)
			}
			return info
		}
	}

	if info, ok := m.addresses[key]; ok {
		if id != 0 {
			info.SetID(device.ID(id))
			m.devices[device.ID(id)] = info
		}
		return info
	}

	info := device.New(address, port, m.codec.NewPacket([16]byte{}), m, m.tokens, m.decoder, m.logger)
	if id != 0 {
		info.SetID(device.ID(id))
		m.devices[device.ID(id)] = info
	}
	m.addresses[key] = info
	return info
}

// FindDevice resolves a DeviceInfo already known by id, with no remote
// address involved.
func (m *Manager) FindDevice(id device.ID) (*device.Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.devices[id]
	return info, ok
}

// ViaAddressOptions configures FindDeviceViaAddress. Port defaults to 54321
// when zero. Token, if non-empty, is a hex-encoded 16-byte manual token.
type ViaAddressOptions struct {
	Address string
	Port    int
	Token   string
}

// FindDeviceViaAddress obtains or creates a record for options.Address,
// performs its handshake — retrying up to ConnectionRetries times on a
// transient connect error, and suppressing a missing-token rejection since
// enrich surfaces that case instead — reconciles it against any record
// already known by the id the handshake yields, and kicks off enrichment.
func (m *Manager) FindDeviceViaAddress(ctx context.Context, opts ViaAddressOptions) (*device.Info, error) {
	port := opts.Port
	if port == 0 {
		port = broadcastPort
	}
	key := addrKey(opts.Address, port)

	m.mu.Lock()
	info, ok := m.addresses[key]
	if !ok {
		info = device.New(opts.Address, port, m.codec.NewPacket([16]byte{}), m, m.tokens, m.decoder, m.logger)
		m.addresses[key] = info
	}
	m.mu.Unlock()

	if opts.Token != "" {
		token, err := parseToken(opts.Token)
		if err != nil {
			return nil, err
		}
		info.SetToken(token, false)
	}

	// Connect retry: a transient failure (e.g. EHOSTUNREACH) on the initial
	// handshake drives one resetSocket + one requestRecoveryDiscovery call
	// per retry, up to ConnectionRetries, before the error is surfaced.
	attempt := 0
	for {
		_, err := info.Handshake(ctx)
		if err == nil {
			break
		}
		ce := ioerr.Canonicalize(err)
		if strings.EqualFold(ce.Code, "missing-token") {
			break
		}
		if attempt >= ConnectionRetries || !ioerr.IsConnectTransient(err) {
			return nil, err
		}
		reason := fmt.Sprintf("connect retry after transient error: %s", ce.Code)
		m.ResetSocket(reason)
		m.RequestRecoveryDiscovery(reason)
		attempt++
	}

	if id := info.ID(); id != 0 {
		m.mu.Lock()
		if existing, ok := m.devices[id]; ok && existing != info {
			delete(m.addresses, key)
			info = existing
			info.SetAddress(opts.Address, port)
			m.addresses[key] = info
		} else {
			m.devices[id] = info
		}
		m.mu.Unlock()
	}

	if err := info.Enrich(ctx); err != nil {
		m.logf("[DEBUG] netmanager: enrich failed for %s: %v", key, err)
	}
	return info, nil
}

func parseToken(s string) ([16]byte, error) {
	var token [16]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return token, fmt.Errorf("netmanager: malformed token: %w", err)
	}
	if len(raw) != len(token) {
		return token, fmt.Errorf("netmanager: token must be %d bytes, got %d", len(token), len(raw))
	}
	copy(token[:], raw)
	return token, nil
}

// List returns a snapshot of every device known by id or by address.
func (m *Manager) List() []*device.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[*device.Info]struct{}, len(m.devices)+len(m.addresses))
	out := make([]*device.Info, 0, len(m.devices)+len(m.addresses))
	for _, d := range m.devices {
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	for _, d := range m.addresses {
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}

// Search broadcasts a handshake probe to 255.255.255.255:54321 twice, 500ms
// apart. It never returns an error: transient failures schedule a socket
// reset and are otherwise swallowed, per §4.2.
func (m *Manager) Search() {
	m.broadcastOnce()
	time.AfterFunc(searchGap, m.broadcastOnce)
}

func (m *Manager) broadcastOnce() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		reason := "discovery socket unavailable: ENOTCONN"
		m.logf("[DEBUG] netmanager: %s", reason)
		m.ResetSocket(reason)
		return
	}

	probe := m.codec.NewPacket([16]byte{}).Handshake()
	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: broadcastPort}
	if _, err := conn.WriteToUDP(probe, addr); err != nil {
		ce := ioerr.Canonicalize(err)
		if ioerr.IsTransient(err) {
			m.ResetSocket(fmt.Sprintf("discovery broadcast error: %s", ce.Code))
			return
		}
		m.logf("[DEBUG] netmanager: search broadcast error: %v", err)
	}
}

// Send implements device.Transport.
func (m *Manager) Send(address string, port int, data []byte) error {
	m.mu.Lock()
	conn := m.conn
	refs := m.references
	m.mu.Unlock()
	if refs == 0 || conn == nil {
		return ioerr.New("ENOTCONN", "no socket reference held")
	}

	addr, err := net.ResolveUDPAddr("udp4", addrKey(address, port))
	if err != nil {
		return err
	}
	if _, err := conn.WriteToUDP(data, addr); err != nil {
		return ioerr.Canonicalize(err)
	}
	return nil
}

// ResetSocket implements device.Transport and the standalone resetSocket
// operation: single-flighted, 250ms settle before the in-progress flag
// clears and a replacement socket opens (if references remain).
func (m *Manager) ResetSocket(reason string) {
	m.mu.Lock()
	if m.socketResetInProgress {
		m.mu.Unlock()
		return
	}
	m.socketResetInProgress = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.logf("[WARN] netmanager: resetting socket: %s", reason)
	if conn != nil {
		conn.Close()
	}

	time.AfterFunc(resetSettle, func() {
		m.mu.Lock()
		m.socketResetInProgress = false
		refs := m.references
		hasConn := m.conn != nil
		m.mu.Unlock()
		if refs > 0 && !hasConn {
			if err := m.openSocket(); err != nil {
				m.logf("[ERROR] netmanager: failed to reopen socket: %v", err)
			}
		}
	})
}

// RequestRecoveryDiscovery implements device.Transport and the standalone
// requestRecoveryDiscovery operation: defers behind an in-progress reset or
// a torn-down socket, gives up if references reach zero, and rate-limits
// to one recovery search per second.
func (m *Manager) RequestRecoveryDiscovery(reason string) {
	go m.runRecoveryDiscovery(reason)
}

func (m *Manager) runRecoveryDiscovery(reason string) {
	deadline := time.Now().Add(recoveryWait)
	ticker := time.NewTicker(recoveryPoll)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		refs := m.references
		ready := !m.socketResetInProgress && m.conn != nil
		m.mu.Unlock()

		if refs == 0 {
			return
		}
		if ready {
			break
		}
		if time.Now().After(deadline) {
			m.logf("[DEBUG] netmanager: recovery discovery for %q gave up waiting for a live socket", reason)
			return
		}
		<-ticker.C
	}

	m.mu.Lock()
	if time.Since(m.lastRecoveryDiscovery) < recoveryWindow {
		m.mu.Unlock()
		return
	}
	m.lastRecoveryDiscovery = time.Now()
	m.mu.Unlock()

	m.logf("[INFO] netmanager: recovery discovery triggered: %s", reason)
	m.Search()
}

func (m *Manager) logf(format string, args ...interface{}) {
	m.logger.Printf(format, args...)
}
