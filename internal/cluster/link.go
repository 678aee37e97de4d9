package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/dispatch"
	"github.com/sustenet/sustenet/internal/events"
	"github.com/sustenet/sustenet/internal/network"
	"github.com/sustenet/sustenet/internal/protocol"
	"github.com/sustenet/sustenet/internal/security"
	"github.com/sustenet/sustenet/internal/session"
)

// MaxReconnectDelay caps the link's exponential backoff.
const MaxReconnectDelay = time.Minute

// LinkState is the progress of the master handshake.
type LinkState int

const (
	LinkDown LinkState = iota
	LinkConnected
	LinkChallenged
	LinkRegistered
)

var linkStateNames = map[LinkState]string{
	LinkDown:       "down",
	LinkConnected:  "connected",
	LinkChallenged: "challenged",
	LinkRegistered: "registered",
}

func (s LinkState) String() string {
	if n, ok := linkStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// LinkConfig describes how a cluster reaches and presents itself to the master.
type LinkConfig struct {
	MasterAddress  string
	MasterPort     int
	Name           string
	KeyName        string
	AdvertisedIP   string
	AdvertisedPort uint16
	Reconnect      time.Duration
}

// MasterLink keeps a cluster registered with the master. It answers the
// passphrase challenge and reports the cluster's user count.
type MasterLink struct {
	cfg    LinkConfig
	disp   *dispatch.Dispatcher
	cipher security.Cipher
	client *network.Client
	events session.Emitter
	logger zerolog.Logger

	lost chan struct{}

	mu         sync.Mutex
	state      LinkState
	registered bool
	load       int
	reported   int
}

// NewMasterLink creates a link. Nothing is dialed until Run.
func NewMasterLink(cfg LinkConfig, disp *dispatch.Dispatcher, cipher security.Cipher, emitter session.Emitter) *MasterLink {
	if cfg.Reconnect <= 0 {
		cfg.Reconnect = 5 * time.Second
	}
	l := &MasterLink{
		cfg:      cfg,
		disp:     disp,
		cipher:   cipher,
		events:   emitter,
		lost:     make(chan struct{}, 1),
		reported: -1,
		logger:   log.With().Str("component", "master_link").Str("cluster", cfg.Name).Logger(),
	}
	l.client = network.NewClient(network.ClientConfig{
		Name:         "master_link",
		Handlers:     l.handlerTable(),
		Dispatcher:   disp,
		OnDisconnect: l.onLinkLost,
	})
	return l
}

func (l *MasterLink) handlerTable() *network.HandlerTable {
	return network.NewHandlerTable(map[int32]network.Handler{
		int32(protocol.SrvWelcome):           l.handleWelcome,
		int32(protocol.SrvMessage):           l.handleMessage,
		int32(protocol.SrvPassphrase):        l.handlePassphrase,
		int32(protocol.SrvInitializeCluster): l.handleInitializeCluster,
	})
}

// Run dials the master and redials with backoff until ctx is cancelled.
func (l *MasterLink) Run(ctx context.Context) {
	delay := l.cfg.Reconnect
	for {
		select {
		case <-l.lost:
		default:
		}

		err := l.client.Connect(ctx, l.cfg.MasterAddress, l.cfg.MasterPort)
		payload := events.MasterLinkPayload{Address: l.cfg.MasterAddress, Port: l.cfg.MasterPort}
		if err != nil {
			l.logger.Warn().Err(err).Dur("retry_in", delay).Msg("master unreachable")
			payload.Error = err.Error()
			l.events.Emit(events.EventMasterLinkDown, payload)
		} else {
			l.advance(LinkDown, LinkConnected)
			l.events.Emit(events.EventMasterLinkUp, payload)

			select {
			case <-ctx.Done():
				l.disp.Enqueue(l.client.Close)
				return
			case <-l.lost:
			}
			if l.takeRegistered() {
				delay = l.cfg.Reconnect
			}
			l.logger.Warn().Dur("retry_in", delay).Msg("master link lost")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > MaxReconnectDelay {
			delay = MaxReconnectDelay
		}
	}
}

// onLinkLost runs on the dispatcher after the client tore the link down.
func (l *MasterLink) onLinkLost() {
	l.mu.Lock()
	l.state = LinkDown
	l.reported = -1
	l.mu.Unlock()

	l.events.Emit(events.EventMasterLinkDown, events.MasterLinkPayload{
		Address: l.cfg.MasterAddress,
		Port:    l.cfg.MasterPort,
	})
	select {
	case l.lost <- struct{}{}:
	default:
	}
}

// takeRegistered reports whether the last session reached registration and
// clears the mark.
func (l *MasterLink) takeRegistered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok := l.registered
	l.registered = false
	return ok
}

func (l *MasterLink) handleWelcome(_ int, p *protocol.Packet) error {
	msg, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	id, err := p.ReadInt32()
	if err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	l.client.SetID(int(id))
	l.logger.Info().Int32("conn_id", id).Str("message", msg).Msg("welcomed by master")

	l.setState(LinkChallenged)
	return l.client.SendTCP(protocol.BuildValidateCluster(l.cfg.KeyName))
}

func (l *MasterLink) handleMessage(_ int, p *protocol.Packet) error {
	msg, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("message: %w", err)
	}
	l.logger.Warn().Str("message", msg).Msg("message from master")
	return nil
}

func (l *MasterLink) handlePassphrase(_ int, p *protocol.Packet) error {
	keyName, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("passphrase: %w", err)
	}
	cyphertext, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("passphrase: %w", err)
	}
	iv, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("passphrase: %w", err)
	}

	answer, err := security.DecryptString(l.cipher, keyName, cyphertext, iv)
	if err != nil {
		return fmt.Errorf("failed to decrypt challenge with key %q: %w", keyName, err)
	}
	return l.client.SendTCP(protocol.BuildAnswerPassphrase(answer, l.cfg.Name, l.cfg.AdvertisedIP, l.cfg.AdvertisedPort))
}

func (l *MasterLink) handleInitializeCluster(_ int, p *protocol.Packet) error {
	name, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("initializeCluster: %w", err)
	}

	l.mu.Lock()
	l.state = LinkRegistered
	l.registered = true
	l.reported = -1
	l.mu.Unlock()

	l.logger.Info().Str("name", name).Msg("registered with master")
	l.sendLoad()
	return nil
}

// ReportLoad records the current user count and forwards it when it changed
// and the link is registered. Runs on the dispatcher goroutine.
func (l *MasterLink) ReportLoad(users int) {
	l.mu.Lock()
	l.load = users
	l.mu.Unlock()
	l.sendLoad()
}

func (l *MasterLink) sendLoad() {
	l.mu.Lock()
	if l.state != LinkRegistered || l.load == l.reported {
		l.mu.Unlock()
		return
	}
	load := l.load
	l.reported = load
	l.mu.Unlock()

	if err := l.client.SendTCP(protocol.BuildClusterLoad(load)); err != nil {
		l.logger.Debug().Err(err).Int("load", load).Msg("load report failed")
	}
}

func (l *MasterLink) setState(s LinkState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// advance moves from one state to the next only if still in from.
func (l *MasterLink) advance(from, to LinkState) {
	l.mu.Lock()
	if l.state == from {
		l.state = to
	}
	l.mu.Unlock()
}

// State returns the handshake progress.
func (l *MasterLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
