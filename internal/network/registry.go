package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/dispatch"
	"github.com/sustenet/sustenet/internal/protocol"
)

var (
	// ErrCapacityExceeded is logged when an accept is refused at max connections.
	ErrCapacityExceeded = errors.New("connection capacity exceeded")
	// ErrUnknownPacket is logged when no handler is registered for a packet id.
	ErrUnknownPacket = errors.New("unknown packet id")
	// ErrUDPNotBound is returned when sending UDP to a peer with no bound address.
	ErrUDPNotBound = errors.New("udp address not bound")
	// ErrNotConnected is returned when the target connection id is not live.
	ErrNotConnected = errors.New("connection not found")
)

// AcceptFilter may refuse a TCP peer before any id is allocated.
type AcceptFilter func(remote net.Addr) error

// Hooks are invoked on the dispatcher goroutine.
type Hooks struct {
	OnConnect    func(id int)
	OnDisconnect func(id int)
	OnUDPBound   func(id int)
}

// Config configures a Registry.
type Config struct {
	// Name is used as the logging component.
	Name string
	// Port to listen on for TCP and UDP. 0 picks a free port.
	Port int
	// MaxConnections caps live connections. 0 is unbounded.
	MaxConnections int
	Handlers       *HandlerTable
	Dispatcher     *dispatch.Dispatcher
	Filter         AcceptFilter
	Hooks          Hooks
}

// ConnectionInfo is a point-in-time view of one connection.
type ConnectionInfo struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	Role        Role      `json:"role"`
	Remote      string    `json:"remote"`
	UDP         string    `json:"udp,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Registry owns the listening sockets and the table of live connections.
// The live map, the free id list and the id counter share one mutex.
type Registry struct {
	name     string
	port     int
	maxConns int
	handlers *HandlerTable
	disp     *dispatch.Dispatcher
	filter   AcceptFilter
	hooks    Hooks
	logger   zerolog.Logger

	mu     sync.Mutex
	conns  map[int]*Endpoint
	free   []int
	nextID int

	listener net.Listener
	udp      *net.UDPConn
	wg       sync.WaitGroup
}

// NewRegistry creates a Registry. Nothing is bound until Start.
func NewRegistry(cfg Config) *Registry {
	name := cfg.Name
	if name == "" {
		name = "registry"
	}
	return &Registry{
		name:     name,
		port:     cfg.Port,
		maxConns: cfg.MaxConnections,
		handlers: cfg.Handlers,
		disp:     cfg.Dispatcher,
		filter:   cfg.Filter,
		hooks:    cfg.Hooks,
		conns:    make(map[int]*Endpoint),
		nextID:   1,
		logger:   log.With().Str("component", name).Logger(),
	}
}

// Start binds the TCP listener and the shared UDP socket on the same port and
// runs the accept and receive loops until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) error {
	lc := ReuseAddrListenConfig()

	addr := fmt.Sprintf(":%d", r.port)
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", addr, err)
	}

	port := ln.Addr().(*net.TCPAddr).Port
	udpAddr := fmt.Sprintf(":%d", port)
	pc, err := lc.ListenPacket(ctx, "udp", udpAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("failed to start UDP socket on %s: %w", udpAddr, err)
	}

	r.listener = ln
	r.udp = pc.(*net.UDPConn)
	r.port = port

	r.logger.Info().
		Int("port", port).
		Int("max_connections", r.maxConns).
		Msg("listening for TCP and UDP")

	r.wg.Add(3)
	go r.acceptLoop(ctx)
	go r.receiveLoop(ctx)

	go func() {
		defer r.wg.Done()
		<-ctx.Done()
		r.shutdown()
	}()

	return nil
}

// Port returns the bound port once Start has succeeded.
func (r *Registry) Port() int {
	return r.port
}

// Addr returns the TCP listener address.
func (r *Registry) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Wait blocks until the accept and receive loops have exited and, after
// shutdown, every socket has been flushed and closed.
func (r *Registry) Wait() {
	r.wg.Wait()
}

func (r *Registry) acceptLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				r.logger.Info().Msg("TCP listener stopping")
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}
		r.accept(conn)
	}
}

// accept registers a new TCP peer or refuses it.
func (r *Registry) accept(conn net.Conn) {
	if r.filter != nil {
		if err := r.filter(conn.RemoteAddr()); err != nil {
			r.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("connection refused")
			conn.Close()
			return
		}
	}

	r.mu.Lock()
	if r.maxConns > 0 && len(r.conns) >= r.maxConns {
		current := len(r.conns)
		r.mu.Unlock()
		r.logger.Warn().
			Err(ErrCapacityExceeded).
			Str("remote", conn.RemoteAddr().String()).
			Str("load", fmt.Sprintf("%d/%d", current, r.maxConns)).
			Msg("server full, connection rejected")
		conn.Close()
		return
	}

	id := r.allocateLocked()
	ep := newEndpoint(id, conn, r.name)
	r.conns[id] = ep

	// OnConnect is queued before the reader can queue any frame.
	if r.hooks.OnConnect != nil {
		r.disp.Enqueue(func() { r.hooks.OnConnect(id) })
	}
	ep.serve(
		func(frame []byte) { r.enqueueFrame(ep, frame) },
		func(err error) { r.enqueueFailure(ep, err) },
	)
	r.mu.Unlock()

	ep.logger.Info().Msg("connection accepted")
}

// allocateLocked returns the smallest freed id, or the next fresh one.
func (r *Registry) allocateLocked() int {
	if len(r.free) > 0 {
		id := r.free[0]
		r.free = r.free[1:]
		return id
	}
	id := r.nextID
	r.nextID++
	return id
}

func (r *Registry) releaseID(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.SearchInts(r.free, id)
	if i < len(r.free) && r.free[i] == id {
		return
	}
	r.free = append(r.free, 0)
	copy(r.free[i+1:], r.free[i:])
	r.free[i] = id
}

func (r *Registry) enqueueFrame(ep *Endpoint, frame []byte) {
	p := protocol.NewPacketFrom(frame)
	r.disp.Enqueue(func() {
		defer p.Release()
		if !r.isLive(ep) {
			return
		}
		r.route(ep.id, p, "tcp")
	})
}

func (r *Registry) enqueueFailure(ep *Endpoint, err error) {
	ep.logger.Debug().Err(err).Msg("transport failed")
	r.disp.Enqueue(func() { r.disconnectEndpoint(ep) })
}

func (r *Registry) isLive(ep *Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[ep.id] == ep
}

// route decodes the packet id and invokes the registered handler.
func (r *Registry) route(from int, p *protocol.Packet, transport string) {
	pid, err := p.ReadInt32()
	if err != nil {
		r.logger.Debug().Err(err).Int("conn_id", from).Str("transport", transport).Msg("packet without id dropped")
		return
	}
	h, ok := r.handlers.Lookup(pid)
	if !ok {
		r.logger.Debug().
			Err(ErrUnknownPacket).
			Int("conn_id", from).
			Int32("packet_id", pid).
			Str("transport", transport).
			Msg("packet dropped")
		return
	}
	if err := h(from, p); err != nil {
		r.logger.Warn().
			Err(err).
			Int("conn_id", from).
			Int32("packet_id", pid).
			Str("transport", transport).
			Msg("handler failed")
	}
}

func (r *Registry) receiveLoop(ctx context.Context) {
	defer r.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := r.udp.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Debug().Err(err).Msg("udp receive failed")
			continue
		}
		if n < protocol.ConnectionIDSize {
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		r.disp.Enqueue(func() { r.routeUDP(datagram, addr) })
	}
}

// routeUDP binds, verifies and dispatches one datagram. It runs on the
// dispatcher goroutine.
func (r *Registry) routeUDP(datagram []byte, sender *net.UDPAddr) {
	id, ok := connectionIDOf(datagram)
	if !ok {
		return
	}
	ep := r.endpoint(id)
	if ep == nil {
		return
	}

	bound := ep.UDPAddr()
	if bound == nil {
		ep.bindUDP(sender)
		if r.hooks.OnUDPBound != nil {
			r.hooks.OnUDPBound(id)
		}
		return
	}
	if !sameUDPAddr(bound, sender) {
		r.logger.Debug().
			Int("conn_id", id).
			Str("sender", sender.String()).
			Str("bound", bound.String()).
			Msg("udp datagram from unexpected address dropped")
		return
	}
	if len(datagram) == protocol.ConnectionIDSize {
		return
	}

	p := protocol.NewPacketFrom(datagram[protocol.ConnectionIDSize:])
	defer p.Release()
	r.route(id, p, "udp")
}

func (r *Registry) endpoint(id int) *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[id]
}

// Disconnect tears down a live connection. It returns false if the id is not
// live. Must run on the dispatcher goroutine; other goroutines use Kick.
func (r *Registry) Disconnect(id int) bool {
	r.mu.Lock()
	ep, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	r.mu.Unlock()

	r.teardown(ep)
	return true
}

// Kick schedules a Disconnect on the dispatcher goroutine.
func (r *Registry) Kick(id int) error {
	if r.endpoint(id) == nil {
		return fmt.Errorf("kick %d: %w", id, ErrNotConnected)
	}
	r.disp.Enqueue(func() { r.Disconnect(id) })
	return nil
}

// disconnectEndpoint tears ep down only if it still holds its id.
func (r *Registry) disconnectEndpoint(ep *Endpoint) {
	r.mu.Lock()
	if r.conns[ep.id] != ep {
		r.mu.Unlock()
		return
	}
	delete(r.conns, ep.id)
	r.mu.Unlock()

	r.teardown(ep)
}

// teardown closes the transport, notifies the owner and only then frees the id.
func (r *Registry) teardown(ep *Endpoint) {
	ep.close()
	if r.hooks.OnDisconnect != nil {
		r.hooks.OnDisconnect(ep.id)
	}
	r.releaseID(ep.id)
}

func (r *Registry) shutdown() {
	if r.listener != nil {
		r.listener.Close()
	}
	if r.udp != nil {
		r.udp.Close()
	}

	r.mu.Lock()
	eps := make([]*Endpoint, 0, len(r.conns))
	for id, ep := range r.conns {
		eps = append(eps, ep)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	for _, ep := range eps {
		ep.close()
	}
	for _, ep := range eps {
		ep.waitClosed()
	}
	r.logger.Info().Int("closed", len(eps)).Msg("registry stopped")
}

// SetIdentity updates the display name and role of a live connection.
func (r *Registry) SetIdentity(id int, name string, role Role) error {
	ep := r.endpoint(id)
	if ep == nil {
		return fmt.Errorf("set identity %d: %w", id, ErrNotConnected)
	}
	ep.setIdentity(name, role)
	return nil
}

// Identity returns the display name and role of a live connection.
func (r *Registry) Identity(id int) (string, Role, bool) {
	ep := r.endpoint(id)
	if ep == nil {
		return "", RoleAnonymous, false
	}
	return ep.Name(), ep.Role(), true
}

// RemoteIP returns the TCP peer IP of a live connection.
func (r *Registry) RemoteIP(id int) (string, bool) {
	ep := r.endpoint(id)
	if ep == nil {
		return "", false
	}
	return ep.RemoteIP(), true
}

// UDPBound reports whether the connection has a bound UDP address.
func (r *Registry) UDPBound(id int) bool {
	ep := r.endpoint(id)
	return ep != nil && ep.UDPAddr() != nil
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CountRole returns the number of live connections with the given role.
func (r *Registry) CountRole(role Role) int {
	n := 0
	for _, ep := range r.endpoints() {
		if ep.Role() == role {
			n++
		}
	}
	return n
}

// MaxConnections returns the configured cap (0 is unbounded).
func (r *Registry) MaxConnections() int {
	return r.maxConns
}

// Snapshot returns all live connections ordered by id.
func (r *Registry) Snapshot() []ConnectionInfo {
	eps := r.endpoints()
	out := make([]ConnectionInfo, 0, len(eps))
	for _, ep := range eps {
		info := ConnectionInfo{
			ID:          ep.id,
			Name:        ep.Name(),
			Role:        ep.Role(),
			Remote:      ep.RemoteAddr().String(),
			ConnectedAt: ep.connectedAt,
		}
		if udp := ep.UDPAddr(); udp != nil {
			info.UDP = udp.String()
		}
		out = append(out, info)
	}
	return out
}

func (r *Registry) endpoints() []*Endpoint {
	r.mu.Lock()
	eps := make([]*Endpoint, 0, len(r.conns))
	for _, ep := range r.conns {
		eps = append(eps, ep)
	}
	r.mu.Unlock()
	sort.Slice(eps, func(i, j int) bool { return eps[i].id < eps[j].id })
	return eps
}

// SendTCP frames p and queues it for one connection's writer. It never
// blocks on the peer. The registry takes ownership of p.
func (r *Registry) SendTCP(id int, p *protocol.Packet) error {
	defer p.Release()
	ep := r.endpoint(id)
	if ep == nil {
		return fmt.Errorf("send tcp to %d: %w", id, ErrNotConnected)
	}
	if err := ep.send(frameBytes(p)); err != nil {
		return fmt.Errorf("send tcp to %d: %w", id, err)
	}
	return nil
}

// SendTCPToAll frames p once and queues it for every live connection.
// The registry takes ownership of p.
func (r *Registry) SendTCPToAll(p *protocol.Packet) {
	defer p.Release()
	framed := frameBytes(p)
	for _, ep := range r.endpoints() {
		ep.send(framed)
	}
}

// frameBytes length-prefixes p and copies the frame out of the pooled
// buffer. Writer goroutines only read the copy, so it may be shared.
func frameBytes(p *protocol.Packet) []byte {
	p.PrependLength()
	framed := make([]byte, p.Len())
	copy(framed, p.Bytes())
	return framed
}

// SendUDP prefixes p with the recipient's id and sends it to the bound UDP
// address. The registry takes ownership of p.
func (r *Registry) SendUDP(id int, p *protocol.Packet) error {
	defer p.Release()
	ep := r.endpoint(id)
	if ep == nil {
		return fmt.Errorf("send udp to %d: %w", id, ErrNotConnected)
	}
	addr := ep.UDPAddr()
	if addr == nil {
		return fmt.Errorf("send udp to %d: %w", id, ErrUDPNotBound)
	}
	p.PrependConnectionID(id)
	if _, err := r.udp.WriteToUDP(p.Bytes(), addr); err != nil {
		return fmt.Errorf("send udp to %d: %w", id, err)
	}
	return nil
}

// SendUDPToAll sends p to every bound connection except the one given.
// Pass a negative except to include everyone. The registry takes ownership of p.
func (r *Registry) SendUDPToAll(except int, p *protocol.Packet) {
	r.sendUDPWhere(p, func(ep *Endpoint) bool { return ep.id != except })
}

// SendUDPToRole sends p to every bound connection holding role. The registry
// takes ownership of p.
func (r *Registry) SendUDPToRole(role Role, p *protocol.Packet) {
	r.sendUDPWhere(p, func(ep *Endpoint) bool { return ep.Role() == role })
}

func (r *Registry) sendUDPWhere(p *protocol.Packet, match func(*Endpoint) bool) {
	defer p.Release()
	for _, ep := range r.endpoints() {
		if !match(ep) {
			continue
		}
		addr := ep.UDPAddr()
		if addr == nil {
			continue
		}
		datagram := protocol.NewPacketFrom(p.Bytes()).PrependConnectionID(ep.id)
		if _, err := r.udp.WriteToUDP(datagram.Bytes(), addr); err != nil {
			ep.logger.Debug().Err(err).Msg("udp broadcast failed")
		}
		datagram.Release()
	}
}
