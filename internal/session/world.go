package session

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/network"
	"github.com/sustenet/sustenet/internal/protocol"
)

// PositionBound is the largest accepted absolute value on any axis.
const PositionBound = 5

// Vector is a position in world space.
type Vector struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// InBounds reports whether every axis lies in [-PositionBound, PositionBound].
// NaN is out of bounds.
func (v Vector) InBounds() bool {
	return inRange(v.X) && inRange(v.Y) && inRange(v.Z)
}

func inRange(f float32) bool {
	return f >= -PositionBound && f <= PositionBound
}

// World stores the last accepted position of each user and relays moves.
type World struct {
	conns  Conns
	logger zerolog.Logger

	mu        sync.RWMutex
	positions map[int]Vector
}

// NewWorld creates an empty World relaying through conns.
func NewWorld(conns Conns, source string) *World {
	return &World{
		conns:     conns,
		positions: make(map[int]Vector),
		logger:    log.With().Str("component", "world").Str("source", source).Logger(),
	}
}

// HandleMoveTo accepts an in-bounds position from a user and relays
// updatePosition to every bound user. A sender without UDP gets its own
// update over TCP.
func (w *World) HandleMoveTo(from int, p *protocol.Packet) error {
	x, y, z, err := protocol.ReadVector(p)
	if err != nil {
		return fmt.Errorf("moveTo: %w", err)
	}
	if _, role, ok := w.conns.Identity(from); !ok || role != network.RoleUser {
		return fmt.Errorf("moveTo from %d: %w", from, ErrNotLoggedIn)
	}

	v := Vector{X: x, Y: y, Z: z}
	if !v.InBounds() {
		w.logger.Debug().Int("conn_id", from).Interface("position", v).Msg("move out of bounds dropped")
		return nil
	}

	w.mu.Lock()
	w.positions[from] = v
	w.mu.Unlock()

	if !w.conns.UDPBound(from) {
		if err := w.conns.SendTCP(from, protocol.BuildUpdatePosition(from, x, y, z)); err != nil {
			return fmt.Errorf("updatePosition: %w", err)
		}
	}
	w.conns.SendUDPToRole(network.RoleUser, protocol.BuildUpdatePosition(from, x, y, z))
	return nil
}

// Position returns the last accepted position of id.
func (w *World) Position(id int) (Vector, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v, ok := w.positions[id]
	return v, ok
}

// Forget drops the stored position of id.
func (w *World) Forget(id int) {
	w.mu.Lock()
	delete(w.positions, id)
	w.mu.Unlock()
}

// Len returns the number of tracked users.
func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.positions)
}
