// Package cluster runs a cluster node: an end-user server that registers
// itself with the master and keeps it told of its load.
package cluster

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/config"
	"github.com/sustenet/sustenet/internal/dispatch"
	"github.com/sustenet/sustenet/internal/events"
	"github.com/sustenet/sustenet/internal/network"
	"github.com/sustenet/sustenet/internal/protocol"
	"github.com/sustenet/sustenet/internal/security"
	"github.com/sustenet/sustenet/internal/session"
)

// Options wires a cluster Server.
type Options struct {
	Config     config.ClusterConfig
	Dispatcher *dispatch.Dispatcher
	Cipher     security.Cipher
	Bus        *events.EventBus
	// AdvertisedIP is reported to the master. Empty lets the master use the
	// address it sees.
	AdvertisedIP string
}

// Server is a cluster node.
type Server struct {
	cfg          config.ClusterConfig
	disp         *dispatch.Dispatcher
	cipher       security.Cipher
	advertisedIP string
	registry     *network.Registry
	limiter      *network.IPLimiter
	login        *session.Login
	udp          *session.UDP
	world        *session.World
	link         atomic.Pointer[MasterLink]
	events       session.Emitter
	logger       zerolog.Logger
}

// New builds the cluster. Nothing listens or dials until Start.
func New(opts Options) (*Server, error) {
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("cluster needs a dispatcher")
	}
	if opts.Cipher == nil {
		return nil, fmt.Errorf("cluster needs a cipher")
	}
	if !opts.Cipher.KeyExists(opts.Config.KeyName) {
		return nil, fmt.Errorf("cluster key %q is not loaded", opts.Config.KeyName)
	}

	welcome := opts.Config.WelcomeMessage
	if welcome == "" {
		welcome = config.DefaultConfig().Cluster.WelcomeMessage
	}
	opts.Config.WelcomeMessage = welcome

	s := &Server{
		cfg:          opts.Config,
		disp:         opts.Dispatcher,
		cipher:       opts.Cipher,
		advertisedIP: opts.AdvertisedIP,
		limiter:      network.NewIPLimiter(opts.Config.AcceptRatePerSec, opts.Config.AcceptBurst),
		events:       session.Emitter{Bus: opts.Bus, Source: "cluster"},
		logger:       log.With().Str("component", "cluster").Str("name", opts.Config.Name).Logger(),
	}

	s.registry = network.NewRegistry(network.Config{
		Name:           "cluster_registry",
		Port:           opts.Config.Port,
		MaxConnections: opts.Config.MaxConnections,
		Handlers:       s.handlerTable(),
		Dispatcher:     opts.Dispatcher,
		Filter:         s.acceptFilter,
		Hooks: network.Hooks{
			OnConnect:    s.onConnect,
			OnDisconnect: s.onDisconnect,
			OnUDPBound:   func(id int) { s.udp.OnBound(id) },
		},
	})
	s.login = session.NewLogin(s.registry, s.events)
	s.udp = session.NewUDP(s.registry, s.events)
	s.world = session.NewWorld(s.registry, "cluster")
	return s, nil
}

// Start binds the cluster port and starts the master link. Both stop when
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.registry.Start(ctx); err != nil {
		return err
	}

	port := s.cfg.AdvertisedPort
	if port == 0 {
		port = s.registry.Port()
	}
	link := NewMasterLink(LinkConfig{
		MasterAddress:  s.cfg.MasterAddress,
		MasterPort:     s.cfg.MasterPort,
		Name:           s.cfg.Name,
		KeyName:        s.cfg.KeyName,
		AdvertisedIP:   s.advertisedIP,
		AdvertisedPort: uint16(port),
		Reconnect:      s.cfg.ReconnectInterval(),
	}, s.disp, s.cipher, s.events)
	s.link.Store(link)
	go link.Run(ctx)

	s.logger.Info().
		Int("port", s.registry.Port()).
		Str("master", net.JoinHostPort(s.cfg.MasterAddress, fmt.Sprint(s.cfg.MasterPort))).
		Str("advertised_ip", s.advertisedIP).
		Int("advertised_port", port).
		Msg("cluster server started")
	return nil
}

// Wait blocks until the listener loops have exited.
func (s *Server) Wait() {
	s.registry.Wait()
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.registry.Port()
}

// Registry exposes the connection registry to operator surfaces.
func (s *Server) Registry() *network.Registry {
	return s.registry
}

// Link returns the master link, nil before Start.
func (s *Server) Link() *MasterLink {
	return s.link.Load()
}

// Limiter returns the per-IP accept limiter, nil when disabled.
func (s *Server) Limiter() *network.IPLimiter {
	return s.limiter
}

// World returns the position store.
func (s *Server) World() *session.World {
	return s.world
}

func (s *Server) handlerTable() *network.HandlerTable {
	return network.NewHandlerTable(map[int32]network.Handler{
		int32(protocol.CliValidateLogin): s.handleValidateLogin,
		int32(protocol.CliStartUDP):      func(from int, p *protocol.Packet) error { return s.udp.HandleStartUDP(from, p) },
		int32(protocol.CliMoveTo):        func(from int, p *protocol.Packet) error { return s.world.HandleMoveTo(from, p) },
	})
}

func (s *Server) handleValidateLogin(from int, p *protocol.Packet) error {
	err := s.login.HandleValidateLogin(from, p)
	s.reportLoad()
	return err
}

func (s *Server) acceptFilter(remote net.Addr) error {
	err := s.limiter.Filter()(remote)
	if err != nil {
		s.events.Emit(events.EventConnectionRejected, events.RejectedPayload{
			Remote: remote.String(),
			Reason: err.Error(),
		})
	}
	return err
}

func (s *Server) onConnect(id int) {
	if err := s.registry.SendTCP(id, protocol.BuildWelcome(s.cfg.WelcomeMessage, id)); err != nil {
		s.logger.Debug().Err(err).Int("conn_id", id).Msg("welcome not sent")
		return
	}
	remote, _ := s.registry.RemoteIP(id)
	s.events.Emit(events.EventConnectionOpened, events.ConnectionPayload{ConnectionID: id, Remote: remote})
}

func (s *Server) onDisconnect(id int) {
	s.world.Forget(id)
	s.reportLoad()
	s.events.Emit(events.EventConnectionClosed, events.ConnectionPayload{ConnectionID: id})
}

// reportLoad forwards the logged in user count to the master.
func (s *Server) reportLoad() {
	link := s.link.Load()
	if link == nil {
		return
	}
	link.ReportLoad(s.registry.CountRole(network.RoleUser))
}
