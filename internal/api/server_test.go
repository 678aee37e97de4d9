package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sustenet/sustenet/internal/config"
	"github.com/sustenet/sustenet/internal/db"
	"github.com/sustenet/sustenet/internal/directory"
	"github.com/sustenet/sustenet/internal/dispatch"
	"github.com/sustenet/sustenet/internal/events"
	"github.com/sustenet/sustenet/internal/network"
)

const testToken = "s3cret"

type fakeBans struct {
	bans     []db.Ban
	unbanned []string
}

func (f *fakeBans) ListBans(context.Context) ([]db.Ban, error) {
	return f.bans, nil
}

func (f *fakeBans) Unban(_ context.Context, ip string) error {
	for i, b := range f.bans {
		if b.IP == ip {
			f.bans = append(f.bans[:i], f.bans[i+1:]...)
			f.unbanned = append(f.unbanned, ip)
			return nil
		}
	}
	return db.ErrNotBanned
}

type fixture struct {
	server *Server
	bans   *fakeBans
	bus    *events.EventBus
	dir    *directory.Directory
}

func newFixture(t *testing.T, mutate func(*config.APIConfig)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ApplicationData.API.Token = testToken
	cfg.ApplicationData.API.AuthDisabled = false
	cfg.ApplicationData.API.RateLimitRPS = 0
	cfg.ApplicationData.API.IPWhitelist = nil
	if mutate != nil {
		mutate(&cfg.ApplicationData.API)
	}

	f := &fixture{
		bans: &fakeBans{bans: []db.Ban{{IP: "10.0.0.7", Reason: "too many failed handshakes"}}},
		bus:  events.NewEventBus(),
		dir:  directory.New(),
	}
	t.Cleanup(f.bus.Stop)
	require.NoError(t, f.dir.Add(directory.Entry{ConnectionID: 3, Name: "eu-1", IP: "10.0.0.9", Port: 6257}))

	registry := network.NewRegistry(network.Config{Name: "test_registry", Dispatcher: dispatch.New(time.Millisecond)})
	f.server = NewServer(Options{
		Config:    cfg,
		Role:      config.RoleMaster,
		Registry:  registry,
		Directory: f.dir,
		Bans:      f.bans,
		Bus:       f.bus,
	})
	return f
}

func (f *fixture) do(method, path string, authorized bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestPublicRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/public/ping", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "master", decode(t, rec)["role"])

	rec = f.do(http.MethodGet, "/api/public/clusters", false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["total"])
	clusters := body["clusters"].([]interface{})
	assert.Equal(t, "eu-1", clusters[0].(map[string]interface{})["name"])
}

func TestTokenRequired(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/monitor/connections", false).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/monitor/connections", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/monitor/connections", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode(t, rec)["total"])
}

func TestAuthDisabled(t *testing.T) {
	f := newFixture(t, func(c *config.APIConfig) { c.AuthDisabled = true })
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/monitor/system", false).Code)
}

func TestConfigRedactsToken(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/api/monitor/config", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), testToken)
	assert.Contains(t, decode(t, rec), "master")
}

func TestKick(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/control/kick/42", true).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/control/kick/abc", true).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/control/kick/0", true).Code)
}

func TestBroadcast(t *testing.T) {
	f := newFixture(t, nil)

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/control/broadcast", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+testToken)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, send(`{}`).Code)

	rec := send(`{"message":"maintenance in 5 minutes"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "sent", body["status"])
	assert.EqualValues(t, 0, body["recipients"])
}

func TestBans(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/control/bans", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodDelete, "/api/control/bans/not-an-ip", true).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/control/bans/10.0.0.8", true).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/api/control/bans/10.0.0.7", true).Code)
	assert.Equal(t, []string{"10.0.0.7"}, f.bans.unbanned)
}

func TestIPWhitelist(t *testing.T) {
	f := newFixture(t, func(c *config.APIConfig) { c.IPWhitelist = []string{"10.1.0.0/16"} })
	// httptest requests come from 192.0.2.1.
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/public/ping", false).Code)

	f = newFixture(t, func(c *config.APIConfig) { c.IPWhitelist = []string{"192.0.2.0/24"} })
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/public/ping", false).Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(c *config.APIConfig) { c.RateLimitRPS = 1 })
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/public/ping", false).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/public/ping", false).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodGet, "/api/public/ping", false).Code)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/monitor/events?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.bus.HandlerCount(events.EventLoginAccepted) == 1
	}, time.Second, 5*time.Millisecond)

	f.bus.Emit(context.Background(), events.Event{
		Type:    events.EventLoginAccepted,
		Source:  "master",
		Payload: events.LoginPayload{ConnectionID: 1, Username: "alice"},
	})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var got map[string]interface{}
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "login_accepted", got["type"])
	assert.Equal(t, "alice", got["payload"].(map[string]interface{})["username"])
}

func TestEventStreamNeedsToken(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/monitor/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
