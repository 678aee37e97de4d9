package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/dispatch"
	"github.com/sustenet/sustenet/internal/protocol"
)

// DialTimeout bounds the outbound TCP connect.
const DialTimeout = 10 * time.Second

// ClientConfig configures an outbound Client.
type ClientConfig struct {
	Name       string
	Handlers   *HandlerTable
	Dispatcher *dispatch.Dispatcher
	// OnDisconnect runs on the dispatcher goroutine after the link is torn down.
	OnDisconnect func()
}

// Client is an outbound link to a server: one TCP stream plus a connected
// UDP socket. Cluster nodes use it to reach the master, the debug harness
// uses it to reach either server.
type Client struct {
	name         string
	handlers     *HandlerTable
	disp         *dispatch.Dispatcher
	onDisconnect func()
	logger       zerolog.Logger

	mu   sync.Mutex
	ep   *Endpoint
	udp  *net.UDPConn
	id   int
	host string
	port int
	wg   sync.WaitGroup
}

// NewClient creates an unconnected Client.
func NewClient(cfg ClientConfig) *Client {
	name := cfg.Name
	if name == "" {
		name = "client"
	}
	return &Client{
		name:         name,
		handlers:     cfg.Handlers,
		disp:         cfg.Dispatcher,
		onDisconnect: cfg.OnDisconnect,
		id:           -1,
		logger:       log.With().Str("component", name).Logger(),
	}
}

// Connect dials the server over TCP and starts reading frames.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ep != nil {
		conn.Close()
		return fmt.Errorf("client %s already connected", c.name)
	}

	ep := newEndpoint(-1, conn, c.name)
	ep.serve(
		func(frame []byte) { c.enqueueFrame(ep, frame) },
		func(err error) {
			ep.logger.Debug().Err(err).Msg("link failed")
			c.disp.Enqueue(func() { c.teardown(ep) })
		},
	)
	c.ep = ep
	c.host = host
	c.port = port
	c.id = -1

	c.logger.Info().Str("addr", addr).Msg("connected")
	return nil
}

func (c *Client) enqueueFrame(ep *Endpoint, frame []byte) {
	p := protocol.NewPacketFrom(frame)
	c.disp.Enqueue(func() {
		defer p.Release()
		if !c.current(ep) {
			return
		}
		c.route(p, "tcp")
	})
}

func (c *Client) current(ep *Endpoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep == ep
}

func (c *Client) route(p *protocol.Packet, transport string) {
	pid, err := p.ReadInt32()
	if err != nil {
		c.logger.Debug().Err(err).Str("transport", transport).Msg("packet without id dropped")
		return
	}
	h, ok := c.handlers.Lookup(pid)
	if !ok {
		c.logger.Debug().Err(ErrUnknownPacket).Int32("packet_id", pid).Msg("packet dropped")
		return
	}
	if err := h(c.ID(), p); err != nil {
		c.logger.Warn().Err(err).Int32("packet_id", pid).Str("transport", transport).Msg("handler failed")
	}
}

// SetID records the connection id assigned by the server's welcome.
func (c *Client) SetID(id int) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

// ID returns the server-assigned connection id, or -1 before welcome.
func (c *Client) ID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Connected reports whether the TCP stream is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep != nil
}

// BindUDP opens a UDP socket towards the server and sends the bare id
// datagram that binds this peer's address.
func (c *Client) BindUDP(ctx context.Context) error {
	c.mu.Lock()
	if c.ep == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.id < 0 {
		c.mu.Unlock()
		return fmt.Errorf("bind udp before welcome: %w", ErrNotConnected)
	}
	if c.udp != nil {
		c.mu.Unlock()
		return nil
	}
	host, port, id := c.host, c.port, c.id
	c.mu.Unlock()

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to resolve udp address: %w", err)
	}
	udp, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("failed to open udp socket: %w", err)
	}

	c.mu.Lock()
	if c.udp != nil || c.ep == nil {
		c.mu.Unlock()
		udp.Close()
		return nil
	}
	c.udp = udp
	ep := c.ep
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveLoop(udp, ep)

	hello := protocol.NewPacket().PrependConnectionID(id)
	defer hello.Release()
	if _, err := udp.Write(hello.Bytes()); err != nil {
		return fmt.Errorf("failed to send udp hello: %w", err)
	}
	c.logger.Debug().Str("local", udp.LocalAddr().String()).Msg("udp hello sent")
	return nil
}

func (c *Client) receiveLoop(udp *net.UDPConn, ep *Endpoint) {
	defer c.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, err := udp.Read(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.logger.Debug().Err(err).Msg("udp receive stopped")
			}
			return
		}
		if n <= protocol.ConnectionIDSize {
			continue
		}
		p := protocol.NewPacketFrom(buf[protocol.ConnectionIDSize:n])
		c.disp.Enqueue(func() {
			defer p.Release()
			if !c.current(ep) {
				return
			}
			c.route(p, "udp")
		})
	}
}

// SendTCP frames p and writes it to the server. The client takes ownership of p.
func (c *Client) SendTCP(p *protocol.Packet) error {
	defer p.Release()
	c.mu.Lock()
	ep := c.ep
	c.mu.Unlock()
	if ep == nil {
		return ErrNotConnected
	}
	return ep.send(frameBytes(p))
}

// SendUDP prefixes p with this client's id and sends it. The client takes
// ownership of p.
func (c *Client) SendUDP(p *protocol.Packet) error {
	defer p.Release()
	c.mu.Lock()
	udp, id := c.udp, c.id
	c.mu.Unlock()
	if udp == nil {
		return ErrUDPNotBound
	}
	p.PrependConnectionID(id)
	if _, err := udp.Write(p.Bytes()); err != nil {
		return fmt.Errorf("failed to send udp: %w", err)
	}
	return nil
}

// Close tears the link down. Must run on the dispatcher goroutine or after
// the dispatcher has stopped.
func (c *Client) Close() {
	c.mu.Lock()
	ep := c.ep
	c.mu.Unlock()
	if ep != nil {
		c.teardown(ep)
	}
}

func (c *Client) teardown(ep *Endpoint) {
	c.mu.Lock()
	if c.ep != ep {
		c.mu.Unlock()
		return
	}
	c.ep = nil
	udp := c.udp
	c.udp = nil
	c.id = -1
	c.mu.Unlock()

	ep.close()
	if udp != nil {
		udp.Close()
	}
	c.wg.Wait()

	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}
