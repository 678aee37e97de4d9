package session

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/events"
	"github.com/sustenet/sustenet/internal/network"
	"github.com/sustenet/sustenet/internal/protocol"
)

const (
	// MinUsernameLength is the shortest accepted username.
	MinUsernameLength = 3
	// ShortUsernameMessage is sent before dropping a too-short login.
	ShortUsernameMessage = "Please enter a username longer than 2 characters. Disconnecting."
)

// Login promotes anonymous connections to users.
type Login struct {
	conns  Conns
	events Emitter
	logger zerolog.Logger
}

// NewLogin creates the validateLogin handler for one registry.
func NewLogin(conns Conns, emitter Emitter) *Login {
	return &Login{
		conns:  conns,
		events: emitter,
		logger: log.With().Str("component", "login").Str("source", emitter.Source).Logger(),
	}
}

// HandleValidateLogin reads a username. Short names get a message and a
// disconnect; anything else becomes the connection's display name.
func (l *Login) HandleValidateLogin(from int, p *protocol.Packet) error {
	username, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("validateLogin: %w", err)
	}

	_, role, ok := l.conns.Identity(from)
	if !ok {
		return nil
	}
	if role == network.RoleCluster {
		return fmt.Errorf("validateLogin from cluster %d ignored", from)
	}

	if len(username) < MinUsernameLength {
		Reject(l.conns, l.logger, from, ShortUsernameMessage)
		l.logger.Info().Int("conn_id", from).Str("username", username).Msg("login rejected, username too short")
		l.events.Emit(events.EventLoginRejected, events.LoginPayload{ConnectionID: from, Username: username})
		return nil
	}

	if err := l.conns.SetIdentity(from, username, network.RoleUser); err != nil {
		return err
	}
	if err := l.conns.SendTCP(from, protocol.BuildInitializeLogin(username, from)); err != nil {
		return fmt.Errorf("initializeLogin: %w", err)
	}

	l.logger.Info().Int("conn_id", from).Str("username", username).Msg("user logged in")
	l.events.Emit(events.EventLoginAccepted, events.LoginPayload{ConnectionID: from, Username: username})
	return nil
}
