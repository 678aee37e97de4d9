package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ErrThresholdUnset is returned when no ban threshold was configured.
var ErrThresholdUnset = errors.New("ban threshold must be configured (0 disables banning)")

// FailureStore persists handshake failures and bans per IP.
type FailureStore interface {
	RecordFailure(ctx context.Context, ip, reason string) (int, error)
	Ban(ctx context.Context, ip, reason string) error
	IsBanned(ctx context.Context, ip string) (bool, error)
}

// BanPolicy bans an IP once it reaches Threshold handshake failures.
// A threshold of 0 records failures but never bans.
type BanPolicy struct {
	store     FailureStore
	threshold int
}

// NewBanPolicy validates threshold and returns a policy over store.
func NewBanPolicy(store FailureStore, threshold int) (*BanPolicy, error) {
	if threshold < 0 {
		return nil, ErrThresholdUnset
	}
	if store == nil {
		return nil, fmt.Errorf("ban policy needs a failure store")
	}
	return &BanPolicy{store: store, threshold: threshold}, nil
}

// Threshold returns the configured failure count that triggers a ban.
func (b *BanPolicy) Threshold() int {
	return b.threshold
}

// RecordFailure stores a failure for ip and bans it if the threshold is met.
func (b *BanPolicy) RecordFailure(ctx context.Context, ip, reason string) (bool, error) {
	count, err := b.store.RecordFailure(ctx, ip, reason)
	if err != nil {
		return false, fmt.Errorf("failed to record handshake failure: %w", err)
	}
	if b.threshold == 0 || count < b.threshold {
		return false, nil
	}
	if err := b.store.Ban(ctx, ip, fmt.Sprintf("%d handshake failures", count)); err != nil {
		return false, fmt.Errorf("failed to ban %s: %w", ip, err)
	}
	log.Warn().Str("ip", ip).Int("failures", count).Msg("ip banned")
	return true, nil
}

// IsBanned reports whether ip is banned. Store errors are treated as not banned.
func (b *BanPolicy) IsBanned(ctx context.Context, ip string) bool {
	banned, err := b.store.IsBanned(ctx, ip)
	if err != nil {
		log.Error().Err(err).Str("ip", ip).Msg("ban lookup failed")
		return false
	}
	return banned
}
