// Package network implements the connection registry, per-peer endpoints
// and outbound links for the master, cluster and client roles. I/O
// goroutines only move bytes: readers enqueue work onto a dispatch.Dispatcher
// and per-endpoint writers drain queued frames;
// handlers, binding and teardown hooks all run on the dispatcher goroutine.
package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/protocol"
)

const (
	// WriteTimeout bounds a single TCP write on the writer goroutine.
	WriteTimeout = 10 * time.Second
	// FlushTimeout bounds how long a closing endpoint keeps writing queued
	// frames before the socket is closed.
	FlushTimeout = 2 * time.Second
	// MaxQueuedBytes caps the frames waiting for one peer. A peer that lets
	// its queue grow past this is dropped.
	MaxQueuedBytes = 4 << 20
	// MaxQueuedFrames caps the number of frames waiting for one peer.
	MaxQueuedFrames = 1024
)

var (
	// ErrSendQueueFull is returned when a peer is not draining its frames.
	ErrSendQueueFull = errors.New("send queue full")
	// ErrEndpointClosed is returned when sending to a closing endpoint.
	ErrEndpointClosed = errors.New("endpoint closed")
)

// Role tags what a connection has authenticated as.
type Role int

const (
	RoleAnonymous Role = iota
	RoleUser
	RoleCluster
)

var roleStrings = map[Role]string{
	RoleAnonymous: "anonymous",
	RoleUser:      "user",
	RoleCluster:   "cluster",
}

// String returns the string representation of Role.
func (r Role) String() string {
	if s, ok := roleStrings[r]; ok {
		return s
	}
	return "anonymous"
}

// MarshalJSON serializes Role as a JSON string (e.g. "cluster").
func (r Role) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// AnonymousName is the display name of a connection that has not logged in.
const AnonymousName = "anonymous"

// Endpoint is one peer: a TCP stream, an optional bound UDP address and the
// frame reassembly state for the stream.
type Endpoint struct {
	id     int
	conn   net.Conn
	reader protocol.FrameReader
	logger zerolog.Logger

	// Outbound frames are written by one goroutine per endpoint so senders
	// on the dispatcher never wait on a peer's socket.
	sendMu      sync.Mutex
	closing     bool
	sendq       chan []byte
	queuedBytes atomic.Int64
	flushBy     atomic.Int64
	stop        chan struct{}
	writerDone  chan struct{}
	onFailure   func(err error)

	mu      sync.RWMutex
	udpAddr *net.UDPAddr
	name    string
	role    Role

	connectedAt time.Time
	failOnce    sync.Once
	closeOnce   sync.Once
	started     bool
	done        chan struct{}
}

func newEndpoint(id int, conn net.Conn, component string) *Endpoint {
	return &Endpoint{
		id:          id,
		conn:        conn,
		name:        AnonymousName,
		connectedAt: time.Now(),
		done:        make(chan struct{}),
		sendq:       make(chan []byte, MaxQueuedFrames),
		stop:        make(chan struct{}),
		writerDone:  make(chan struct{}),
		logger: log.With().
			Str("component", component).
			Int("conn_id", id).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

// ID returns the connection id.
func (e *Endpoint) ID() int {
	return e.id
}

// RemoteAddr returns the TCP peer address.
func (e *Endpoint) RemoteAddr() net.Addr {
	return e.conn.RemoteAddr()
}

// RemoteIP returns the host part of the TCP peer address.
func (e *Endpoint) RemoteIP() string {
	if tcp, ok := e.conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(e.conn.RemoteAddr().String())
	if err != nil {
		return e.conn.RemoteAddr().String()
	}
	return host
}

// Name returns the display name.
func (e *Endpoint) Name() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.name
}

// Role returns the authenticated role.
func (e *Endpoint) Role() Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.role
}

// UDPAddr returns the bound UDP address, or nil if none is bound yet.
func (e *Endpoint) UDPAddr() *net.UDPAddr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.udpAddr
}

func (e *Endpoint) setIdentity(name string, role Role) {
	e.mu.Lock()
	e.name = name
	e.role = role
	e.mu.Unlock()
	e.logger.Debug().Str("name", name).Stringer("role", role).Msg("identity updated")
}

func (e *Endpoint) bindUDP(addr *net.UDPAddr) {
	e.mu.Lock()
	e.udpAddr = addr
	e.mu.Unlock()
	e.logger.Debug().Str("udp", addr.String()).Msg("udp address bound")
}

// serve starts the writer and reads the TCP stream until it fails, emitting
// one call to onFrame per reassembled frame. onFailure runs at most once
// across reads, writes and queue overflow.
func (e *Endpoint) serve(onFrame func(frame []byte), onFailure func(err error)) {
	e.started = true
	e.onFailure = onFailure
	go e.writeLoop()
	go func() {
		defer close(e.done)

		buf := make([]byte, protocol.ReadBufferSize)
		for {
			n, err := e.conn.Read(buf)
			if n > 0 {
				if ferr := e.reader.Feed(buf[:n], onFrame); ferr != nil {
					e.logger.Warn().Err(ferr).Msg("discarded malformed stream data")
				}
			}
			if err != nil {
				e.fail(err, onFailure)
				return
			}
		}
	}()
}

func (e *Endpoint) fail(err error, onFailure func(err error)) {
	e.failOnce.Do(func() {
		if onFailure != nil {
			onFailure(err)
		}
	})
}

// send queues an already framed message for the writer goroutine. It never
// blocks. framed must not be modified afterwards. A peer whose queue
// overflows is failed.
func (e *Endpoint) send(framed []byte) error {
	e.sendMu.Lock()
	if e.closing {
		e.sendMu.Unlock()
		return ErrEndpointClosed
	}
	var err error
	if e.queuedBytes.Load()+int64(len(framed)) > MaxQueuedBytes {
		err = ErrSendQueueFull
	} else {
		select {
		case e.sendq <- framed:
			e.queuedBytes.Add(int64(len(framed)))
		default:
			err = ErrSendQueueFull
		}
	}
	e.sendMu.Unlock()

	if err != nil {
		e.logger.Warn().
			Err(err).
			Int64("queued_bytes", e.queuedBytes.Load()).
			Msg("peer is not reading, dropping connection")
		e.fail(err, e.onFailure)
	}
	return err
}

// writeLoop drains the send queue until close. After a write error it stops
// writing and only waits for close to release the socket.
func (e *Endpoint) writeLoop() {
	defer close(e.writerDone)
	defer e.conn.Close()

	broken := false
	write := func(frame []byte) {
		e.queuedBytes.Add(-int64(len(frame)))
		if broken {
			return
		}
		e.conn.SetWriteDeadline(e.writeDeadline())
		if _, err := e.conn.Write(frame); err != nil {
			broken = true
			e.fail(fmt.Errorf("failed to write frame: %w", err), e.onFailure)
		}
	}

	for {
		select {
		case frame := <-e.sendq:
			write(frame)
		case <-e.stop:
			for {
				select {
				case frame := <-e.sendq:
					write(frame)
				default:
					return
				}
			}
		}
	}
}

func (e *Endpoint) writeDeadline() time.Time {
	d := time.Now().Add(WriteTimeout)
	if fb := e.flushBy.Load(); fb != 0 && time.Unix(0, fb).Before(d) {
		return time.Unix(0, fb)
	}
	return d
}

// close stops the reader, clears the reassembly buffer and hands the socket
// to the writer, which flushes queued frames for at most FlushTimeout and
// then closes it. Safe to call more than once. It never waits on the peer.
func (e *Endpoint) close() {
	e.closeOnce.Do(func() {
		e.sendMu.Lock()
		e.closing = true
		e.sendMu.Unlock()

		if !e.started {
			if err := e.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				e.logger.Debug().Err(err).Msg("close error")
			}
			e.reader.Reset()
			e.logger.Info().Msg("connection closed")
			return
		}

		flushBy := time.Now().Add(FlushTimeout)
		e.flushBy.Store(flushBy.UnixNano())
		e.conn.SetWriteDeadline(flushBy)

		// Unblock the reader without closing the socket under the writer.
		e.conn.SetReadDeadline(time.Now())
		<-e.done
		e.reader.Reset()

		close(e.stop)
		e.logger.Info().Msg("connection closed")
	})
}

// waitClosed blocks until the socket is released. Only for tests and shutdown.
func (e *Endpoint) waitClosed() {
	if e.started {
		<-e.writerDone
	}
}

// sameUDPAddr reports whether two UDP addresses match on IP and port.
func sameUDPAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// connectionIDOf reads the UDP connection id prefix.
func connectionIDOf(datagram []byte) (int, bool) {
	if len(datagram) < protocol.ConnectionIDSize {
		return 0, false
	}
	return int(binary.LittleEndian.Uint32(datagram)), true
}
