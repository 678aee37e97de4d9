package api

import (
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/db"
	"github.com/sustenet/sustenet/internal/network"
	"github.com/sustenet/sustenet/internal/protocol"
)

// handleKick drops a live connection. The disconnect itself runs on the
// dispatcher, so the response only confirms it was scheduled.
func (s *Server) handleKick(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		return
	}

	if err := s.registry.Kick(id); err != nil {
		if errors.Is(err, network.ErrNotConnected) {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found", "id": id})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	operator, _ := c.Get("operator")
	log.Info().Int("conn_id", id).Interface("operator", operator).Msg("API: connection kicked")
	c.JSON(http.StatusOK, gin.H{"status": "kicked", "id": id})
}

type broadcastRequest struct {
	Message string `json:"message" binding:"required"`
}

// handleBroadcast sends a server message to every live connection.
func (s *Server) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	s.registry.SendTCPToAll(protocol.BuildMessage(req.Message))

	operator, _ := c.Get("operator")
	log.Info().Str("message", req.Message).Interface("operator", operator).Msg("API: message broadcast")
	c.JSON(http.StatusOK, gin.H{"status": "sent", "recipients": s.registry.Count()})
}

// handleGetBans lists banned IPs, newest first.
func (s *Server) handleGetBans(c *gin.Context) {
	if s.bans == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "bans are kept by the master only"})
		return
	}

	bans, err := s.bans.ListBans(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if bans == nil {
		bans = []db.Ban{}
	}
	c.JSON(http.StatusOK, gin.H{"bans": bans, "total": len(bans)})
}

// handleUnban lifts a ban and clears the IP's failure history.
func (s *Server) handleUnban(c *gin.Context) {
	if s.bans == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "bans are kept by the master only"})
		return
	}

	ip := c.Param("ip")
	if net.ParseIP(ip) == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid IP address"})
		return
	}

	if err := s.bans.Unban(c.Request.Context(), ip); err != nil {
		if errors.Is(err, db.ErrNotBanned) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ip is not banned", "ip": ip})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	operator, _ := c.Get("operator")
	log.Info().Str("ip", ip).Interface("operator", operator).Msg("API: ban lifted")
	c.JSON(http.StatusOK, gin.H{"status": "unbanned", "ip": ip})
}

// parseID extracts the connection id from the URL.
func parseID(c *gin.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid connection id"})
		if err == nil {
			err = errors.New("connection id must be positive")
		}
		return 0, err
	}
	return id, nil
}
