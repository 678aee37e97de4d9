// Package client is a scripted end user for exercising master and cluster
// servers by hand.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/dispatch"
	"github.com/sustenet/sustenet/internal/network"
	"github.com/sustenet/sustenet/internal/protocol"
)

// Config describes one scripted client.
type Config struct {
	Address  string
	Port     int
	Username string
	// Move is the position sent once UDP is ready.
	Move [3]float32
}

// Stats counts what a harness has seen.
type Stats struct {
	LoggedIn        bool
	UDPReady        bool
	Clusters        []protocol.ClusterInfo
	PositionUpdates int
	Messages        []string
}

// Harness logs in, asks for clusters, binds UDP and moves once.
type Harness struct {
	cfg    Config
	disp   *dispatch.Dispatcher
	client *network.Client
	logger zerolog.Logger
	ctx    context.Context
	done   chan struct{}

	mu    sync.Mutex
	stats Stats
}

// NewHarness creates a harness whose handlers run on disp.
func NewHarness(cfg Config, disp *dispatch.Dispatcher) *Harness {
	h := &Harness{
		cfg:    cfg,
		disp:   disp,
		done:   make(chan struct{}),
		ctx:    context.Background(),
		logger: log.With().Str("component", "client").Str("username", cfg.Username).Logger(),
	}
	h.client = network.NewClient(network.ClientConfig{
		Name:       "client_" + cfg.Username,
		Dispatcher: disp,
		Handlers: network.NewHandlerTable(map[int32]network.Handler{
			int32(protocol.SrvWelcome):           h.handleWelcome,
			int32(protocol.SrvMessage):           h.handleMessage,
			int32(protocol.SrvInitializeLogin):   h.handleInitializeLogin,
			int32(protocol.SrvUDPReady):          h.handleUDPReady,
			int32(protocol.SrvClusterServerList): h.handleClusterServerList,
			int32(protocol.SrvUpdatePosition):    h.handleUpdatePosition,
		}),
		OnDisconnect: func() {
			h.logger.Info().Msg("disconnected")
			close(h.done)
		},
	})
	return h
}

// Start dials the server. The script continues from the welcome packet.
func (h *Harness) Start(ctx context.Context) error {
	h.ctx = ctx
	return h.client.Connect(ctx, h.cfg.Address, h.cfg.Port)
}

// Done is closed when the server drops the connection.
func (h *Harness) Done() <-chan struct{} {
	return h.done
}

// Stats returns a copy of what the harness has seen so far.
func (h *Harness) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.Clusters = append([]protocol.ClusterInfo(nil), h.stats.Clusters...)
	s.Messages = append([]string(nil), h.stats.Messages...)
	return s
}

// Close drops the connection. Runs on the dispatcher goroutine.
func (h *Harness) Close() {
	h.disp.Enqueue(h.client.Close)
}

func (h *Harness) handleWelcome(_ int, p *protocol.Packet) error {
	msg, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	id, err := p.ReadInt32()
	if err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	h.client.SetID(int(id))
	h.logger.Info().Int32("conn_id", id).Str("message", msg).Msg("welcomed")

	if err := h.client.BindUDP(h.ctx); err != nil {
		h.logger.Warn().Err(err).Msg("udp bind failed")
	}
	return h.client.SendTCP(protocol.BuildValidateLogin(h.cfg.Username))
}

func (h *Harness) handleMessage(_ int, p *protocol.Packet) error {
	msg, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("message: %w", err)
	}
	h.mu.Lock()
	h.stats.Messages = append(h.stats.Messages, msg)
	h.mu.Unlock()
	h.logger.Info().Str("message", msg).Msg("message from server")
	return nil
}

func (h *Harness) handleInitializeLogin(_ int, p *protocol.Packet) error {
	name, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("initializeLogin: %w", err)
	}
	h.mu.Lock()
	h.stats.LoggedIn = true
	h.mu.Unlock()
	h.logger.Info().Str("name", name).Msg("logged in")
	return h.client.SendTCP(protocol.BuildRequestClusterServers())
}

func (h *Harness) handleUDPReady(_ int, _ *protocol.Packet) error {
	h.mu.Lock()
	first := !h.stats.UDPReady
	h.stats.UDPReady = true
	h.mu.Unlock()
	if !first {
		return nil
	}
	h.logger.Info().Msg("udp ready")
	m := h.cfg.Move
	return h.client.SendTCP(protocol.BuildMoveTo(m[0], m[1], m[2]))
}

func (h *Harness) handleClusterServerList(_ int, p *protocol.Packet) error {
	clusters, err := protocol.ReadClusterServerList(p)
	if err != nil {
		return fmt.Errorf("clusterServerList: %w", err)
	}
	h.mu.Lock()
	h.stats.Clusters = clusters
	h.mu.Unlock()
	h.logger.Info().Int("count", len(clusters)).Interface("clusters", clusters).Msg("cluster servers")
	return nil
}

func (h *Harness) handleUpdatePosition(_ int, p *protocol.Packet) error {
	id, err := p.ReadInt32()
	if err != nil {
		return fmt.Errorf("updatePosition: %w", err)
	}
	x, y, z, err := protocol.ReadVector(p)
	if err != nil {
		return fmt.Errorf("updatePosition: %w", err)
	}
	h.mu.Lock()
	h.stats.PositionUpdates++
	h.mu.Unlock()
	h.logger.Debug().Int32("from", id).Float32("x", x).Float32("y", y).Float32("z", z).Msg("position update")
	return nil
}

// RunMany starts n harnesses named username, username-2, username-3 and so
// on, and blocks until ctx is cancelled or all have been dropped.
func RunMany(ctx context.Context, cfg Config, n int, disp *dispatch.Dispatcher) error {
	if n < 1 {
		n = 1
	}
	harnesses := make([]*Harness, 0, n)
	for i := 0; i < n; i++ {
		c := cfg
		if i > 0 {
			c.Username = fmt.Sprintf("%s-%d", cfg.Username, i+1)
		}
		h := NewHarness(c, disp)
		if err := h.Start(ctx); err != nil {
			for _, started := range harnesses {
				started.Close()
			}
			return fmt.Errorf("client %s: %w", c.Username, err)
		}
		harnesses = append(harnesses, h)
	}
	log.Info().Int("clients", n).Msg("clients started")

	for _, h := range harnesses {
		select {
		case <-h.Done():
		case <-ctx.Done():
			for _, h := range harnesses {
				h.Close()
			}
			return nil
		}
	}
	return nil
}
