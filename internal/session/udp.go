package session

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/events"
	"github.com/sustenet/sustenet/internal/protocol"
)

// UDP tells peers when their UDP address is bound.
type UDP struct {
	conns  Conns
	events Emitter
	logger zerolog.Logger
}

// NewUDP creates the UDP readiness handlers for one registry.
func NewUDP(conns Conns, emitter Emitter) *UDP {
	return &UDP{
		conns:  conns,
		events: emitter,
		logger: log.With().Str("component", "udp").Str("source", emitter.Source).Logger(),
	}
}

// OnBound is the registry's OnUDPBound hook.
func (u *UDP) OnBound(id int) {
	if err := u.conns.SendUDP(id, protocol.BuildUDPReady()); err != nil {
		u.logger.Debug().Err(err).Int("conn_id", id).Msg("udpReady not sent")
		return
	}
	u.events.Emit(events.EventUDPBound, events.ConnectionPayload{ConnectionID: id})
}

// HandleStartUDP re-sends udpReady when the peer is already bound. An
// unbound peer is expected to send its hello datagram next.
func (u *UDP) HandleStartUDP(from int, _ *protocol.Packet) error {
	if !u.conns.UDPBound(from) {
		u.logger.Debug().Int("conn_id", from).Msg("startUdp before udp hello")
		return nil
	}
	if err := u.conns.SendUDP(from, protocol.BuildUDPReady()); err != nil {
		return fmt.Errorf("udpReady: %w", err)
	}
	return nil
}
