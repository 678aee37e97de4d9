package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/config"
	"github.com/sustenet/sustenet/internal/db"
	"github.com/sustenet/sustenet/internal/directory"
	"github.com/sustenet/sustenet/internal/events"
	"github.com/sustenet/sustenet/internal/network"
	"github.com/sustenet/sustenet/internal/util"
)

// BanStore is the part of the audit store the API exposes.
type BanStore interface {
	ListBans(ctx context.Context) ([]db.Ban, error)
	Unban(ctx context.Context, ip string) error
}

// Options wires the API to one running role. Directory and Bans are nil on
// a cluster.
type Options struct {
	Config    *config.Config
	Role      config.Role
	Registry  *network.Registry
	Directory *directory.Directory
	Bans      BanStore
	Bus       *events.EventBus
}

// Server is the operator REST API.
type Server struct {
	cfg       *config.Config
	role      config.Role
	registry  *network.Registry
	directory *directory.Directory
	bans      BanStore
	eventBus  *events.EventBus
	started   time.Time

	mu         sync.Mutex
	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server and builds its router.
func NewServer(opts Options) *Server {
	if opts.Config.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       opts.Config,
		role:      opts.Role,
		registry:  opts.Registry,
		directory: opts.Directory,
		bans:      opts.Bans,
		eventBus:  opts.Bus,
		started:   time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, for serving from tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetApplicationData().API
	addr := fmt.Sprintf(":%d", apiCfg.Port)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if apiCfg.TLSEnabled {
		cert, err := loadCertificate(apiCfg)
		if err != nil {
			return err
		}
		httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	log.Info().Str("addr", addr).Bool("tls", apiCfg.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	var serveLn net.Listener = ln
	if httpServer.TLSConfig != nil {
		serveLn = tls.NewListener(ln, httpServer.TLSConfig)
	}
	if err := httpServer.Serve(serveLn); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetApplicationData().API
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))
	router.Use(IPWhitelist(apiCfg.IPWhitelist))
	router.Use(RateLimit(network.NewIPLimiter(float64(apiCfg.RateLimitRPS), apiCfg.RateLimitRPS*2)))

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/clusters", s.handleGetClusters)
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(apiCfg.Token, apiCfg.AuthDisabled))

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/connections", s.handleGetConnections)
		monitor.GET("/system", s.handleGetSystem)
		monitor.GET("/events", s.handleEventStream)
		monitor.GET("/config", s.handleGetConfig)
	}

	control := protected.Group("/control")
	{
		control.POST("/kick/:id", s.handleKick)
		control.POST("/broadcast", s.handleBroadcast)
		control.GET("/bans", s.handleGetBans)
		control.DELETE("/bans/:ip", s.handleUnban)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Sustenet API is running."})
	})

	return router
}

// loadCertificate loads the configured key pair, generating a self-signed
// one first when the files do not exist yet.
func loadCertificate(apiCfg config.APIConfig) (tls.Certificate, error) {
	certFile, keyFile := apiCfg.TLSCertFile, apiCfg.TLSKeyFile
	if certFile == "" {
		certFile = filepath.Join(config.DefaultConfigDir, "tls", "api.crt")
	}
	if keyFile == "" {
		keyFile = filepath.Join(config.DefaultConfigDir, "tls", "api.key")
	}
	if err := util.EnsureSelfSignedCert(certFile, keyFile, util.GetLocalIP()); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to prepare API certificate: %w", err)
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load API certificate: %w", err)
	}
	return cert, nil
}
