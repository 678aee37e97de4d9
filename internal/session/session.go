// Package session holds the packet handlers that master and cluster nodes
// share for end users: login, UDP readiness and movement relay.
package session

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/sustenet/sustenet/internal/events"
	"github.com/sustenet/sustenet/internal/network"
	"github.com/sustenet/sustenet/internal/protocol"
)

// ErrNotLoggedIn is returned when a user-only packet comes from a connection
// that has not logged in.
var ErrNotLoggedIn = errors.New("connection is not a logged in user")

// Conns is the part of the connection registry the handlers use.
// *network.Registry implements it.
type Conns interface {
	SendTCP(id int, p *protocol.Packet) error
	SendUDP(id int, p *protocol.Packet) error
	SendUDPToRole(role network.Role, p *protocol.Packet)
	SetIdentity(id int, name string, role network.Role) error
	Identity(id int) (string, network.Role, bool)
	UDPBound(id int) bool
	Disconnect(id int) bool
}

// Emitter publishes lifecycle events under one source name. A nil bus
// drops everything.
type Emitter struct {
	Bus    *events.EventBus
	Source string
}

// Emit publishes an event with the emitter's source.
func (e Emitter) Emit(t events.EventType, payload interface{}) {
	if e.Bus == nil {
		return
	}
	e.Bus.Emit(context.Background(), events.Event{Type: t, Source: e.Source, Payload: payload})
}

// Reject sends message to id and disconnects it. A message that cannot be
// queued is logged; the disconnect happens either way.
func Reject(conns Conns, logger zerolog.Logger, id int, message string) {
	if err := conns.SendTCP(id, protocol.BuildMessage(message)); err != nil {
		logger.Debug().Err(err).Int("conn_id", id).Str("message", message).Msg("rejection not delivered")
	}
	conns.Disconnect(id)
}
