// Package master runs the master node: it logs users in, challenges and
// promotes clusters, and serves the cluster directory to users.
package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/auth"
	"github.com/sustenet/sustenet/internal/config"
	"github.com/sustenet/sustenet/internal/directory"
	"github.com/sustenet/sustenet/internal/dispatch"
	"github.com/sustenet/sustenet/internal/events"
	"github.com/sustenet/sustenet/internal/network"
	"github.com/sustenet/sustenet/internal/protocol"
	"github.com/sustenet/sustenet/internal/security"
	"github.com/sustenet/sustenet/internal/session"
)

const (
	// IncorrectPassphraseMessage is sent before dropping a failed handshake.
	IncorrectPassphraseMessage = "Incorrect passphrase. Disconnecting."
	// NameTakenMessage is sent when a verified cluster asks for a used name.
	NameTakenMessage = "A cluster with that name is already registered. Disconnecting."
)

// ErrBanned is returned by the accept filter for a banned IP.
var ErrBanned = errors.New("ip is banned")

// Options wires a master Server.
type Options struct {
	Config     config.MasterConfig
	Dispatcher *dispatch.Dispatcher
	Cipher     security.Cipher
	Bans       *auth.BanPolicy
	Bus        *events.EventBus
	// ChallengeTimeout overrides Config.ChallengeTimeoutSec when positive.
	ChallengeTimeout time.Duration
}

// Server is the master node.
type Server struct {
	cfg      config.MasterConfig
	disp     *dispatch.Dispatcher
	registry *network.Registry
	auth     *auth.Authenticator
	bans     *auth.BanPolicy
	dir      *directory.Directory
	limiter  *network.IPLimiter
	login    *session.Login
	udp      *session.UDP
	world    *session.World
	events   session.Emitter
	logger   zerolog.Logger

	ctx context.Context
}

// New validates opts and builds the master. Nothing listens until Start.
func New(opts Options) (*Server, error) {
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("master needs a dispatcher")
	}
	if opts.Cipher == nil {
		return nil, fmt.Errorf("master needs a cipher")
	}
	if opts.Bans == nil {
		return nil, fmt.Errorf("master needs a ban policy: %w", auth.ErrThresholdUnset)
	}

	timeout := opts.ChallengeTimeout
	if timeout <= 0 {
		timeout = opts.Config.ChallengeTimeout()
	}

	welcome := opts.Config.WelcomeMessage
	if welcome == "" {
		welcome = config.DefaultConfig().Master.WelcomeMessage
	}
	opts.Config.WelcomeMessage = welcome

	s := &Server{
		cfg:     opts.Config,
		disp:    opts.Dispatcher,
		auth:    auth.New(opts.Cipher, timeout),
		bans:    opts.Bans,
		dir:     directory.New(),
		limiter: network.NewIPLimiter(opts.Config.AcceptRatePerSec, opts.Config.AcceptBurst),
		events:  session.Emitter{Bus: opts.Bus, Source: "master"},
		logger:  log.With().Str("component", "master").Logger(),
		ctx:     context.Background(),
	}

	s.registry = network.NewRegistry(network.Config{
		Name:           "master_registry",
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
	s.world = session.NewWorld(s.registry, "master")

	return s, nil
}

// Start binds the master port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	if err := s.registry.Start(ctx); err != nil {
		return err
	}
	s.logger.Info().
		Int("port", s.registry.Port()).
		Int("ban_threshold", s.bans.Threshold()).
		Dur("challenge_timeout", s.auth.Timeout()).
		Msg("master server started")
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

// Directory exposes the cluster directory to operator surfaces.
func (s *Server) Directory() *directory.Directory {
	return s.dir
}

// Authenticator exposes pending challenge counts to operator surfaces.
func (s *Server) Authenticator() *auth.Authenticator {
	return s.auth
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
		int32(protocol.CliValidateLogin):         func(from int, p *protocol.Packet) error { return s.login.HandleValidateLogin(from, p) },
		int32(protocol.CliValidateCluster):       s.handleValidateCluster,
		int32(protocol.CliAnswerPassphrase):      s.handleAnswerPassphrase,
		int32(protocol.CliStartUDP):              func(from int, p *protocol.Packet) error { return s.udp.HandleStartUDP(from, p) },
		int32(protocol.CliRequestClusterServers): s.handleRequestClusterServers,
		int32(protocol.CliMoveTo):                func(from int, p *protocol.Packet) error { return s.world.HandleMoveTo(from, p) },
		int32(protocol.CliClusterLoad):           s.handleClusterLoad,
	})
}

// acceptFilter refuses banned IPs, then throttles per IP.
func (s *Server) acceptFilter(remote net.Addr) error {
	err := network.ChainFilters(s.banFilter, s.limiter.Filter())(remote)
	if err != nil {
		s.events.Emit(events.EventConnectionRejected, events.RejectedPayload{
			Remote: remote.String(),
			Reason: err.Error(),
		})
	}
	return err
}

func (s *Server) banFilter(remote net.Addr) error {
	if s.bans.IsBanned(s.ctx, network.HostIP(remote)) {
		return ErrBanned
	}
	return nil
}

func (s *Server) onConnect(id int) {
	if err := s.registry.SendTCP(id, protocol.BuildWelcome(s.cfg.WelcomeMessage, id)); err != nil {
		s.logger.Debug().Err(err).Int("conn_id", id).Msg("welcome not sent")
		return
	}
	remote, _ := s.registry.RemoteIP(id)
	s.events.Emit(events.EventConnectionOpened, events.ConnectionPayload{ConnectionID: id, Remote: remote})
}

// onDisconnect runs before the id is released, so nothing here can leak
// into the next owner of id.
func (s *Server) onDisconnect(id int) {
	s.auth.Forget(id)
	s.world.Forget(id)

	payload := events.ConnectionPayload{ConnectionID: id, Role: network.RoleAnonymous.String()}
	if entry, ok := s.dir.Remove(id); ok {
		payload.Name = entry.Name
		payload.Role = network.RoleCluster.String()
		s.logger.Info().Int("conn_id", id).Str("cluster", entry.Name).Msg("cluster removed")
		s.events.Emit(events.EventClusterRemoved, events.ClusterPayload{
			ConnectionID: id,
			Name:         entry.Name,
			KeyName:      entry.KeyName,
			IP:           entry.IP,
			Port:         entry.Port,
		})
	}
	s.events.Emit(events.EventConnectionClosed, payload)
}
