package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sustenet/sustenet/internal/config"
	"github.com/sustenet/sustenet/internal/db"
	"github.com/sustenet/sustenet/internal/directory"
	"github.com/sustenet/sustenet/internal/dispatch"
	"github.com/sustenet/sustenet/internal/events"
	"github.com/sustenet/sustenet/internal/network"
)

type fakeBans struct {
	bans []db.Ban
}

func (f *fakeBans) ListBans(context.Context) ([]db.Ban, error) { return f.bans, nil }

func (f *fakeBans) Unban(_ context.Context, ip string) error {
	for i, b := range f.bans {
		if b.IP == ip {
			f.bans = append(f.bans[:i], f.bans[i+1:]...)
			return nil
		}
	}
	return db.ErrNotBanned
}

func masterOptions(t *testing.T) (Options, *fakeBans) {
	t.Helper()
	dir := directory.New()
	require.NoError(t, dir.Add(directory.Entry{ConnectionID: 2, Name: "eu-1", KeyName: "alpha", IP: "10.0.0.9", Port: 6257, Load: 4}))
	bans := &fakeBans{bans: []db.Ban{{IP: "10.0.0.7", Reason: "too many failed handshakes", BannedAt: time.Unix(0, 0)}}}
	return Options{
		Role:      config.RoleMaster,
		Registry:  network.NewRegistry(network.Config{Name: "test_registry", Dispatcher: dispatch.New(time.Millisecond)}),
		Directory: dir,
		Bans:      bans,
	}, bans
}

func run(t *testing.T, opts Options, script string) string {
	t.Helper()
	var out bytes.Buffer
	NewCLI(opts, &out).Start(context.Background(), strings.NewReader(script))
	return out.String()
}

func TestClustersAndBans(t *testing.T) {
	opts, bans := masterOptions(t)
	out := run(t, opts, "clusters\nbans\nunban 10.0.0.7\n")

	assert.Contains(t, out, "eu-1")
	assert.Contains(t, out, "10.0.0.9:6257")
	assert.Contains(t, out, "too many failed handshakes")
	assert.Contains(t, out, "Ban on 10.0.0.7 lifted")
	assert.Empty(t, bans.bans)
}

func TestUnbanUnknownIP(t *testing.T) {
	opts, _ := masterOptions(t)
	out := run(t, opts, "unban 10.9.9.9\nunban nonsense\n")
	assert.Contains(t, out, "ip is not banned")
	assert.Contains(t, out, "usage: unban <ip>")
}

func TestStatusAndKick(t *testing.T) {
	opts, _ := masterOptions(t)
	out := run(t, opts, "status\nkick 9\nkick x\n")
	assert.Contains(t, out, "Role:        master")
	assert.Contains(t, out, "Clusters:    1")
	assert.Contains(t, out, "connection not found")
	assert.Contains(t, out, "invalid connection id: x")
}

func TestClusterRoleHasNoDirectory(t *testing.T) {
	opts := Options{
		Role:      config.RoleCluster,
		Registry:  network.NewRegistry(network.Config{Name: "test_registry", Dispatcher: dispatch.New(time.Millisecond)}),
		LinkState: func() string { return "registered" },
	}
	out := run(t, opts, "status\nclusters\nbans\n")
	assert.Contains(t, out, "Master link: registered")
	assert.Contains(t, out, "only the master keeps a cluster directory")
	assert.Contains(t, out, "only the master keeps bans")
}

func TestQuitEmitsShutdownAndStops(t *testing.T) {
	opts, _ := masterOptions(t)
	bus := events.NewEventBus()
	defer bus.Stop()
	got := make(chan events.Event, 1)
	bus.Subscribe(events.EventShutdown, "test", func(_ context.Context, e events.Event) error {
		got <- e
		return nil
	})
	opts.Bus = bus

	out := run(t, opts, "help\nquit\nstatus\n")
	assert.Contains(t, out, "kick <id>")
	assert.NotContains(t, out, "Role:")

	select {
	case e := <-got:
		assert.Equal(t, "cli", e.Source)
	case <-time.After(time.Second):
		t.Fatal("no shutdown event")
	}
}

func TestUnknownCommand(t *testing.T) {
	opts, _ := masterOptions(t)
	assert.Contains(t, run(t, opts, "dance\n"), "Unknown command: 'dance'")
}

func TestBroadcastNeedsMessage(t *testing.T) {
	opts, _ := masterOptions(t)
	out := run(t, opts, "broadcast\nbroadcast server restarting soon\n")
	assert.Contains(t, out, "usage: broadcast <message>")
	assert.Contains(t, out, "Broadcast sent to 0 connections")
}
