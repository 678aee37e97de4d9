package master

import (
	"errors"
	"fmt"
	"time"

	"github.com/sustenet/sustenet/internal/auth"
	"github.com/sustenet/sustenet/internal/directory"
	"github.com/sustenet/sustenet/internal/events"
	"github.com/sustenet/sustenet/internal/network"
	"github.com/sustenet/sustenet/internal/protocol"
	"github.com/sustenet/sustenet/internal/session"
)

// handleValidateCluster issues a passphrase challenge. Unknown keys get no
// reply at all.
func (s *Server) handleValidateCluster(from int, p *protocol.Packet) error {
	keyName, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("validateCluster: %w", err)
	}
	if _, role, ok := s.registry.Identity(from); !ok || role != network.RoleAnonymous {
		return fmt.Errorf("validateCluster from %d with role %s ignored", from, role)
	}

	challenge, pending, err := s.auth.Issue(from, keyName)
	if errors.Is(err, auth.ErrUnknownKey) {
		s.logger.Debug().Int("conn_id", from).Str("key", keyName).Msg("cluster asked for unknown key")
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.registry.SendTCP(from, protocol.BuildPassphrase(challenge.KeyName, challenge.Cyphertext, challenge.IV)); err != nil {
		s.auth.Forget(from)
		return fmt.Errorf("passphrase: %w", err)
	}

	issuedAt := pending.IssuedAt
	time.AfterFunc(s.auth.Timeout(), func() {
		s.disp.Enqueue(func() { s.expireChallenge(from, issuedAt) })
	})

	remote, _ := s.registry.RemoteIP(from)
	s.logger.Info().Int("conn_id", from).Str("key", keyName).Str("remote", remote).Msg("cluster challenged")
	s.events.Emit(events.EventClusterChallenged, events.ClusterPayload{ConnectionID: from, KeyName: keyName, IP: remote})
	return nil
}

// expireChallenge drops a connection whose challenge went unanswered.
func (s *Server) expireChallenge(id int, issuedAt time.Time) {
	if !s.auth.Expire(id, issuedAt) {
		return
	}
	ip, _ := s.registry.RemoteIP(id)
	s.logger.Warn().Int("conn_id", id).Str("remote", ip).Msg("cluster handshake timed out")
	s.registry.Disconnect(id)
	s.events.Emit(events.EventHandshakeFailed, events.HandshakeFailedPayload{
		ConnectionID: id,
		IP:           ip,
		Reason:       auth.ErrHandshakeTimeout.Error(),
	})
}

// handleAnswerPassphrase checks the answer and promotes the connection to a
// cluster under the requested name.
func (s *Server) handleAnswerPassphrase(from int, p *protocol.Packet) error {
	answer, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("answerPassphrase: %w", err)
	}
	name, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("answerPassphrase: %w", err)
	}
	ip, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("answerPassphrase: %w", err)
	}
	port, err := p.ReadUint16()
	if err != nil {
		return fmt.Errorf("answerPassphrase: %w", err)
	}

	remote, _ := s.registry.RemoteIP(from)
	pending, err := s.auth.Verify(from, answer)
	switch {
	case errors.Is(err, auth.ErrNoChallenge):
		return fmt.Errorf("answerPassphrase from %d: %w", from, err)
	case errors.Is(err, auth.ErrHandshakeTimeout):
		s.registry.Disconnect(from)
		s.events.Emit(events.EventHandshakeFailed, events.HandshakeFailedPayload{
			ConnectionID: from, IP: remote, KeyName: pending.KeyName, Reason: err.Error(),
		})
		return nil
	case err != nil:
		session.Reject(s.registry, s.logger, from, IncorrectPassphraseMessage)
		s.logger.Warn().Int("conn_id", from).Str("remote", remote).Str("key", pending.KeyName).Msg("cluster failed handshake")
		s.recordFailure(from, remote, pending.KeyName, err)
		return nil
	}

	if name == "" {
		name = pending.KeyName
	}
	if ip == "" {
		ip = remote
	}

	entry := directory.Entry{
		ConnectionID: from,
		Name:         name,
		KeyName:      pending.KeyName,
		IP:           ip,
		Port:         port,
		RegisteredAt: time.Now(),
	}
	if err := s.dir.Add(entry); err != nil {
		session.Reject(s.registry, s.logger, from, NameTakenMessage)
		return fmt.Errorf("promote %d: %w", from, err)
	}

	if err := s.registry.SetIdentity(from, name, network.RoleCluster); err != nil {
		s.dir.Remove(from)
		return err
	}
	if err := s.registry.SendTCP(from, protocol.BuildInitializeCluster(name)); err != nil {
		return fmt.Errorf("initializeCluster: %w", err)
	}

	s.logger.Info().
		Int("conn_id", from).
		Str("cluster", name).
		Str("key", pending.KeyName).
		Str("addr", fmt.Sprintf("%s:%d", ip, port)).
		Msg("cluster promoted")
	s.events.Emit(events.EventClusterPromoted, events.ClusterPayload{
		ConnectionID: from, Name: name, KeyName: pending.KeyName, IP: ip, Port: port,
	})
	return nil
}

// recordFailure feeds the ban policy off the dispatcher goroutine.
func (s *Server) recordFailure(id int, ip, keyName string, cause error) {
	go func() {
		banned, err := s.bans.RecordFailure(s.ctx, ip, cause.Error())
		if err != nil {
			s.logger.Error().Err(err).Str("ip", ip).Msg("failed to record handshake failure")
		}
		s.events.Emit(events.EventHandshakeFailed, events.HandshakeFailedPayload{
			ConnectionID: id,
			IP:           ip,
			KeyName:      keyName,
			Reason:       cause.Error(),
			Banned:       banned,
		})
	}()
}

// handleRequestClusterServers sends the directory to a logged in user.
func (s *Server) handleRequestClusterServers(from int, _ *protocol.Packet) error {
	if _, role, ok := s.registry.Identity(from); !ok || role != network.RoleUser {
		return fmt.Errorf("requestClusterServers from %d: %w", from, session.ErrNotLoggedIn)
	}

	entries := s.dir.List()
	infos := make([]protocol.ClusterInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.Info())
	}
	if err := s.registry.SendTCP(from, protocol.BuildClusterServerList(infos)); err != nil {
		return fmt.Errorf("clusterServerList: %w", err)
	}
	return nil
}

// handleClusterLoad records a cluster's user count.
func (s *Server) handleClusterLoad(from int, p *protocol.Packet) error {
	load, err := p.ReadInt32()
	if err != nil {
		return fmt.Errorf("clusterLoad: %w", err)
	}
	if _, role, ok := s.registry.Identity(from); !ok || role != network.RoleCluster {
		return fmt.Errorf("clusterLoad from non-cluster %d ignored", from)
	}
	if err := s.dir.UpdateLoad(from, int(load)); err != nil {
		return err
	}

	entry, _ := s.dir.ByConnection(from)
	s.logger.Debug().Int("conn_id", from).Str("cluster", entry.Name).Int32("load", load).Msg("cluster load updated")
	s.events.Emit(events.EventClusterLoad, events.ClusterLoadPayload{ConnectionID: from, Name: entry.Name, Load: int(load)})
	return nil
}
