// Sustenet is a tiered multiplayer network: one master that authenticates
// users and keeps a directory of clusters, cluster nodes that serve users and
// report their load, and a scripted client for exercising both.
//
// Usage:
//
//	sustenet -role master|cluster|client [-config dir] [-clients n] [-keygen name]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/api"
	"github.com/sustenet/sustenet/internal/auth"
	"github.com/sustenet/sustenet/internal/cli"
	"github.com/sustenet/sustenet/internal/client"
	"github.com/sustenet/sustenet/internal/cluster"
	"github.com/sustenet/sustenet/internal/config"
	"github.com/sustenet/sustenet/internal/db"
	"github.com/sustenet/sustenet/internal/directory"
	"github.com/sustenet/sustenet/internal/dispatch"
	"github.com/sustenet/sustenet/internal/events"
	"github.com/sustenet/sustenet/internal/health"
	"github.com/sustenet/sustenet/internal/master"
	"github.com/sustenet/sustenet/internal/network"
	"github.com/sustenet/sustenet/internal/scheduler"
	"github.com/sustenet/sustenet/internal/security"
	"github.com/sustenet/sustenet/internal/telemetry"
	"github.com/sustenet/sustenet/internal/util"
)

const (
	AppName    = "Sustenet"
	AppVersion = "1.0.0"
	Banner     = `
   _____           _                  _
  / ____|         | |                | |
 | (___  _   _ ___| |_ ___ _ __   ___| |_
  \___ \| | | / __| __/ _ \ '_ \ / _ \ __|
  ____) | |_| \__ \ ||  __/ | | |  __/ |_
 |_____/ \__,_|___/\__\___|_| |_|\___|\__|  v%s
`
)

// node is what the operator surfaces need from a running master or cluster.
type node struct {
	registry  *network.Registry
	limiter   *network.IPLimiter
	directory *directory.Directory
	pending   health.PendingCounter
	audit     *db.AuditStore
	linkState func() string
	wait      func()
}

func main() {
	roleFlag := flag.String("role", "", "Role: master, cluster or client")
	configDir := flag.String("config", config.DefaultConfigDir, "Configuration directory")
	clients := flag.Int("clients", 0, "Number of scripted clients (client role only)")
	keygen := flag.String("keygen", "", "Generate a named cluster key in the role's keys directory and exit")
	flag.Parse()

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	role, err := config.ParseRole(*roleFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -role")
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	app := cfg.GetApplicationData()
	if err := util.InitLogger(util.LogConfig{
		Level:      app.Logging.Level,
		Directory:  app.Logging.Directory,
		MaxBackups: util.DefaultLogConfig().MaxBackups,
		Console:    true,
		Role:       string(role),
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	log.Info().
		Str("version", AppVersion).
		Str("role", string(role)).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Sustenet")

	if *keygen != "" {
		runKeygen(cfg, role, *keygen)
		return
	}

	if cfg.NeedsSetup(role) {
		log.Info().Msg("required settings missing, launching setup wizard")
		if err := config.RunSetupWizard(cfg, role); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	validation := config.Validate(cfg, role)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disp := dispatch.New(app.TickInterval())
	dispDone := make(chan struct{})
	go func() {
		disp.Run(ctx)
		close(dispDone)
	}()

	if role == config.RoleClient {
		runClients(ctx, cancel, cfg, *clients, disp)
		<-dispDone
		return
	}

	eventBus := events.NewEventBus()
	quitCh := make(chan struct{})
	var quitOnce sync.Once
	eventBus.Subscribe(events.EventShutdown, "main.quit", func(_ context.Context, e events.Event) error {
		if e.Source == "cli" {
			quitOnce.Do(func() { close(quitCh) })
		}
		return nil
	})

	var n *node
	switch role {
	case config.RoleMaster:
		n, err = startMaster(ctx, cfg, disp, eventBus)
	case config.RoleCluster:
		n, err = startCluster(ctx, cfg, disp, eventBus)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start")
	}

	// ---------------------------------------------------------------
	// Operator surfaces
	// ---------------------------------------------------------------
	var wg sync.WaitGroup

	if app.API.Enabled {
		apiOpts := api.Options{
			Config:    cfg,
			Role:      role,
			Registry:  n.registry,
			Directory: n.directory,
			Bus:       eventBus,
		}
		if n.audit != nil {
			apiOpts.Bans = n.audit
		}
		apiServer := api.NewServer(apiOpts)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", app.API.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	healthMgr := health.NewManager(health.Options{
		Timers:   app.Timers,
		Source:   string(role),
		Registry: n.registry,
		Limiter:  n.limiter,
		Pending:  n.pending,
		Clusters: clusterCounter(n.directory),
		Bus:      eventBus,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	if app.MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(app.MQTT, role, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				log.Info().Msg("starting MQTT telemetry")
				if err := mqttHandler.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				}
			}()
		}
	}

	if n.audit != nil {
		sched := scheduler.NewScheduler(n.audit,
			time.Duration(app.Timers.AuditPruneInterval)*time.Second,
			app.Database.RetentionDays)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Start(ctx)
		}()
	}

	if app.Console {
		cliOpts := cli.Options{
			Role:      role,
			Registry:  n.registry,
			Directory: n.directory,
			Bus:       eventBus,
			LinkState: n.linkState,
		}
		if n.audit != nil {
			cliOpts.Bans = n.audit
		}
		console := cli.NewCLI(cliOpts, os.Stdout)
		// Not in wg: the stdin read cannot be interrupted.
		go console.Start(ctx, os.Stdin)
	}

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested from console")
	}

	log.Info().Msg("initiating graceful shutdown...")
	eventBus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "main"})
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		n.wait()
		<-dispDone
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	if n.audit != nil {
		n.audit.Close()
	}
	log.Info().Msg("Sustenet stopped")
}

func startMaster(ctx context.Context, cfg *config.Config, disp *dispatch.Dispatcher, bus *events.EventBus) (*node, error) {
	mcfg := cfg.GetMaster()
	app := cfg.GetApplicationData()

	keyring := security.NewKeyring()
	loaded, err := keyring.LoadDir(mcfg.KeysDirectory)
	if err != nil {
		return nil, err
	}
	if loaded == 0 {
		log.Warn().Str("dir", mcfg.KeysDirectory).Msg("no cluster keys loaded, every cluster handshake will be ignored")
	}

	store, err := db.NewAuditStore(app.Database.Path)
	if err != nil {
		return nil, err
	}
	bans, err := auth.NewBanPolicy(store, mcfg.BanThreshold)
	if err != nil {
		store.Close()
		return nil, err
	}
	master.SubscribeAudit(bus, store)

	m, err := master.New(master.Options{
		Config:     mcfg,
		Dispatcher: disp,
		Cipher:     keyring,
		Bans:       bans,
		Bus:        bus,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := startWithRetry(ctx, "master listener", m.Start, 15); err != nil {
		store.Close()
		return nil, err
	}

	return &node{
		registry:  m.Registry(),
		limiter:   m.Limiter(),
		directory: m.Directory(),
		pending:   m.Authenticator(),
		audit:     store,
		wait:      m.Wait,
	}, nil
}

func startCluster(ctx context.Context, cfg *config.Config, disp *dispatch.Dispatcher, bus *events.EventBus) (*node, error) {
	ccfg := cfg.GetCluster()

	keyring := security.NewKeyring()
	if _, err := keyring.LoadDir(ccfg.KeysDirectory); err != nil {
		return nil, err
	}
	if fp, err := keyring.Fingerprint(ccfg.KeyName); err == nil {
		log.Info().Str("key", ccfg.KeyName).Str("fingerprint", fp).Msg("cluster key ready")
	}

	detectCtx, cancelDetect := context.WithTimeout(ctx, 10*time.Second)
	advertised := util.AdvertisedIP(detectCtx, ccfg.AdvertisedIP, ccfg.MasterAddress, ccfg.MasterPort, ccfg.DetectPublicIP)
	cancelDetect()

	c, err := cluster.New(cluster.Options{
		Config:       ccfg,
		Dispatcher:   disp,
		Cipher:       keyring,
		Bus:          bus,
		AdvertisedIP: advertised,
	})
	if err != nil {
		return nil, err
	}
	if err := startWithRetry(ctx, "cluster listener", c.Start, 15); err != nil {
		return nil, err
	}

	return &node{
		registry: c.Registry(),
		limiter:  c.Limiter(),
		linkState: func() string {
			if link := c.Link(); link != nil {
				return link.State().String()
			}
			return cluster.LinkDown.String()
		},
		wait: c.Wait,
	}, nil
}

func runClients(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, n int, disp *dispatch.Dispatcher) {
	ccfg := cfg.GetClient()
	if n <= 0 {
		n = ccfg.Clients
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	err := client.RunMany(ctx, client.Config{
		Address:  ccfg.Address,
		Port:     ccfg.Port,
		Username: ccfg.Username,
	}, n, disp)
	if err != nil {
		log.Error().Err(err).Msg("clients failed")
	}
	cancel()
}

func runKeygen(cfg *config.Config, role config.Role, name string) {
	dir := cfg.GetMaster().KeysDirectory
	if role == config.RoleCluster {
		dir = cfg.GetCluster().KeysDirectory
	}
	keyring := security.NewKeyring()
	path, err := keyring.GenerateKey(dir, name)
	if err != nil {
		log.Fatal().Err(err).Msg("key generation failed")
	}
	fp, _ := keyring.Fingerprint(name)
	log.Info().Str("path", path).Str("fingerprint", fp).Msg("key written; copy it to the master and the cluster")
}

// clusterCounter avoids handing health a typed nil.
func clusterCounter(d *directory.Directory) health.ClusterCounter {
	if d == nil {
		return nil
	}
	return d
}

// startWithRetry attempts to start a listener/server with retry on bind errors.
// Uses a fixed 3-second interval between retries so sockets of a killed
// predecessor can be released. Returns the last error after all retries fail.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
