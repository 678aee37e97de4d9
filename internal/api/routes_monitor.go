package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/config"
	"github.com/sustenet/sustenet/internal/events"
	"github.com/sustenet/sustenet/internal/network"
	"github.com/sustenet/sustenet/internal/util"
)

const (
	streamBuffer     = 64
	streamWriteLimit = 5 * time.Second
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	streamSeq atomic.Int64
)

// handleGetConnections lists live connections with their role and UDP state.
func (s *Server) handleGetConnections(c *gin.Context) {
	conns := s.registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"connections": conns,
		"total":       len(conns),
		"users":       s.registry.CountRole(network.RoleUser),
		"clusters":    s.registry.CountRole(network.RoleCluster),
		"max":         s.registry.MaxConnections(),
	})
}

// handleGetSystem returns host information and current resource usage.
func (s *Server) handleGetSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"role":       string(s.role),
		"uptime_sec": int64(time.Since(s.started).Seconds()),
		"system":     util.GetSystemInfo(),
		"usage":      util.GetUsage(),
	})
}

// handleGetConfig returns the running configuration with secrets blanked.
func (s *Server) handleGetConfig(c *gin.Context) {
	app := s.cfg.GetApplicationData()
	if app.API.Token != "" {
		app.API.Token = "********"
	}
	body := gin.H{"application_data": app}
	switch s.role {
	case config.RoleMaster:
		body["master"] = s.cfg.GetMaster()
	case config.RoleCluster:
		body["cluster"] = s.cfg.GetCluster()
	}
	c.JSON(http.StatusOK, body)
}

// handleEventStream upgrades to a websocket and pushes every bus event as
// JSON until the peer goes away. Slow readers lose events rather than
// stalling the bus.
func (s *Server) handleEventStream(c *gin.Context) {
	if s.eventBus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	name := fmt.Sprintf("api.stream.%d", streamSeq.Add(1))
	queue := make(chan events.Event, streamBuffer)
	s.eventBus.SubscribeAll(name, func(_ context.Context, event events.Event) error {
		select {
		case queue <- event:
		default:
		}
		return nil
	})
	defer s.eventBus.UnsubscribeAll(name)

	log.Debug().Str("stream", name).Str("client_ip", c.ClientIP()).Msg("event stream opened")

	// The read side only notices the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			log.Debug().Str("stream", name).Msg("event stream closed")
			return
		case <-s.eventBus.StopCh():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case event := <-queue:
			conn.SetWriteDeadline(time.Now().Add(streamWriteLimit))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
