package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sustenet/sustenet/internal/directory"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "sustenet",
		"role":    string(s.role),
	})
}

// handleGetClusters lists the registered clusters. Only the master keeps a
// directory; a cluster answers with an empty list.
func (s *Server) handleGetClusters(c *gin.Context) {
	entries := []directory.Entry{}
	if s.directory != nil {
		entries = s.directory.List()
	}
	c.JSON(http.StatusOK, gin.H{
		"clusters": entries,
		"total":    len(entries),
	})
}
