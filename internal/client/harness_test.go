package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sustenet/sustenet/internal/auth"
	"github.com/sustenet/sustenet/internal/config"
	"github.com/sustenet/sustenet/internal/db"
	"github.com/sustenet/sustenet/internal/dispatch"
	"github.com/sustenet/sustenet/internal/master"
	"github.com/sustenet/sustenet/internal/security"
	"github.com/sustenet/sustenet/internal/session"
)

func startMaster(t *testing.T, ctx context.Context) *master.Server {
	t.Helper()
	store, err := db.NewAuditStore(db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	bans, err := auth.NewBanPolicy(store, 0)
	require.NoError(t, err)

	cfg := config.DefaultConfig().Master
	cfg.Port = 0
	disp := dispatch.New(time.Millisecond)
	go disp.Run(ctx)

	m, err := master.New(master.Options{Config: cfg, Dispatcher: disp, Cipher: security.NewKeyring(), Bans: bans})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	return m
}

func TestHarnessScript(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := startMaster(t, ctx)

	disp := dispatch.New(time.Millisecond)
	go disp.Run(ctx)

	h := NewHarness(Config{Address: "127.0.0.1", Port: m.Port(), Username: "tester", Move: [3]float32{1, 2, 3}}, disp)
	require.NoError(t, h.Start(ctx))
	defer h.Close()

	require.Eventually(t, func() bool {
		s := h.Stats()
		return s.LoggedIn && s.UDPReady && s.PositionUpdates > 0
	}, 3*time.Second, 10*time.Millisecond)

	assert.Empty(t, h.Stats().Clusters)
	require.Eventually(t, func() bool { return m.World().Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHarnessShortNameIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := startMaster(t, ctx)

	disp := dispatch.New(time.Millisecond)
	go disp.Run(ctx)

	h := NewHarness(Config{Address: "127.0.0.1", Port: m.Port(), Username: "xy"}, disp)
	require.NoError(t, h.Start(ctx))

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("harness was not dropped")
	}
	s := h.Stats()
	assert.False(t, s.LoggedIn)
	assert.Equal(t, []string{session.ShortUsernameMessage}, s.Messages)
}
