// Package auth implements the cluster challenge/response handshake: issuing
// an encrypted passphrase for a pre-shared key, verifying the answer, and
// expiring challenges that are not answered in time.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/security"
)

// DefaultTimeout is how long a challenge stays answerable.
const DefaultTimeout = 5 * time.Second

var (
	// ErrUnknownKey is returned when the requested key is not in the ring.
	// Callers stay silent towards the peer.
	ErrUnknownKey = errors.New("unknown key")
	// ErrNoChallenge is returned for an answer without a pending challenge.
	ErrNoChallenge = errors.New("no pending challenge")
	// ErrHandshakeTimeout is returned when the challenge expired.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrHandshakeMismatch is returned for a wrong answer.
	ErrHandshakeMismatch = errors.New("passphrase mismatch")
)

// PendingChallenge is an issued, unanswered challenge.
type PendingChallenge struct {
	ConnectionID int
	KeyName      string
	Passphrase   string
	IssuedAt     time.Time
}

// Challenge is what goes on the wire: base64 cyphertext and iv.
type Challenge struct {
	KeyName    string
	Cyphertext string
	IV         string
}

// Authenticator tracks at most one pending challenge per connection id.
type Authenticator struct {
	cipher   security.Cipher
	timeout  time.Duration
	now      func() time.Time
	generate func() (string, error)
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[int]PendingChallenge
}

// New creates an Authenticator. A non-positive timeout uses DefaultTimeout.
func New(c security.Cipher, timeout time.Duration) *Authenticator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Authenticator{
		cipher:   c,
		timeout:  timeout,
		now:      time.Now,
		generate: security.GeneratePassphrase,
		pending:  make(map[int]PendingChallenge),
		logger:   log.With().Str("component", "authenticator").Logger(),
	}
}

// Timeout returns the challenge lifetime.
func (a *Authenticator) Timeout() time.Duration {
	return a.timeout
}

// Issue creates a challenge for keyName, replacing any challenge already
// pending for id.
func (a *Authenticator) Issue(id int, keyName string) (Challenge, PendingChallenge, error) {
	if !a.cipher.KeyExists(keyName) {
		return Challenge{}, PendingChallenge{}, fmt.Errorf("key %q: %w", keyName, ErrUnknownKey)
	}

	passphrase, err := a.generate()
	if err != nil {
		return Challenge{}, PendingChallenge{}, fmt.Errorf("failed to generate passphrase: %w", err)
	}
	ct, iv, err := security.EncryptString(a.cipher, keyName, passphrase)
	if err != nil {
		return Challenge{}, PendingChallenge{}, fmt.Errorf("failed to encrypt challenge: %w", err)
	}

	pc := PendingChallenge{
		ConnectionID: id,
		KeyName:      keyName,
		Passphrase:   passphrase,
		IssuedAt:     a.now(),
	}

	a.mu.Lock()
	_, replaced := a.pending[id]
	a.pending[id] = pc
	a.mu.Unlock()

	a.logger.Debug().
		Int("conn_id", id).
		Str("key", keyName).
		Bool("replaced", replaced).
		Msg("challenge issued")

	return Challenge{KeyName: keyName, Cyphertext: ct, IV: iv}, pc, nil
}

// Verify consumes the pending challenge for id and checks answer against it.
func (a *Authenticator) Verify(id int, answer string) (PendingChallenge, error) {
	a.mu.Lock()
	pc, ok := a.pending[id]
	delete(a.pending, id)
	a.mu.Unlock()

	if !ok {
		return PendingChallenge{}, ErrNoChallenge
	}
	if a.now().Sub(pc.IssuedAt) > a.timeout {
		return pc, ErrHandshakeTimeout
	}
	if subtle.ConstantTimeCompare([]byte(pc.Passphrase), []byte(answer)) != 1 {
		return pc, ErrHandshakeMismatch
	}
	return pc, nil
}

// Expire drops the challenge for id if it is still the one issued at
// issuedAt. It reports whether a challenge was dropped.
func (a *Authenticator) Expire(id int, issuedAt time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	pc, ok := a.pending[id]
	if !ok || !pc.IssuedAt.Equal(issuedAt) {
		return false
	}
	delete(a.pending, id)
	return true
}

// Forget drops any pending challenge for id.
func (a *Authenticator) Forget(id int) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

// Pending returns the pending challenge for id.
func (a *Authenticator) Pending(id int) (PendingChallenge, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pc, ok := a.pending[id]
	return pc, ok
}

// PendingCount returns the number of outstanding challenges.
func (a *Authenticator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
