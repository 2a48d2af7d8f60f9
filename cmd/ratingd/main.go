// ratingd serves the face rating study.
//
// Participants' browsers connect over WebSocket. For every trial the server
// tracks how long each question is handled, keeps the submit button locked
// until every question has been touched and stores each finished session in
// SQLite.
//
//	ratingd                     Serve using the discovered config file
//	ratingd -config study.toml  Serve using an explicit config file
//	ratingd -init               Write a default config file and exit
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ratingstudy/internal/config"
	"ratingstudy/internal/health"
	"ratingstudy/internal/logging"
	"ratingstudy/internal/metrics"
	"ratingstudy/internal/schema"
	"ratingstudy/internal/security"
	"ratingstudy/internal/server"
	"ratingstudy/internal/store"
)

var version = "dev"

const minFreeDisk = 100 << 20

var (
	configPath  = flag.String("config", "", "path to config file")
	addrFlag    = flag.String("addr", "", "listen address (overrides config)")
	initFlag    = flag.Bool("init", false, "write a default config file and exit")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("ratingd", version)
		return
	}
	if *initFlag {
		cmdInit()
		return
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ratingd: %v\n", err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if *configPath != "" {
		return *configPath
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

func cmdInit() {
	path := resolveConfigPath()
	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Wrote default configuration to %s\n", path)
	} else {
		fmt.Printf("Configuration already exists at %s\n", path)
	}

	if cfg.Store.Secret != "" {
		return
	}
	secret, err := newStoreSecret()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: generate store secret: %v\n", err)
		os.Exit(1)
	}
	cfg.Store.Secret = secret
	if err := config.SaveConfig(cfg, path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Generated store secret; stored sessions will be signed")
}

// newStoreSecret returns a hex-encoded random key for the store HMAC.
func newStoreSecret() (string, error) {
	key, err := security.GenerateKey(security.RecommendedKeySize)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

func pidFile() string {
	return filepath.Join(config.DataDir(), "ratingd.pid")
}

func run() error {
	path := resolveConfigPath()
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if *addrFlag != "" {
		cfg.Server.Addr = *addrFlag
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LoggingOptions("ratingd"))
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	var audit *logging.AuditLogger
	if opts := cfg.AuditOptions("ratingd"); opts != nil {
		audit, err = logging.NewAuditLogger(opts)
		if err != nil {
			return fmt.Errorf("open audit trail: %w", err)
		}
		defer audit.Close()
	}

	crash := logging.NewCrashHandler(cfg.CrashOptions("ratingd", version, logger.Logger))

	st, err := store.Open(cfg.Store.Path, store.Options{
		Secret:      []byte(cfg.Store.Secret),
		BusyTimeout: cfg.BusyTimeout(),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if !st.Signed() {
		logger.Warn("store secret not set, payloads are stored unsigned")
	}

	validator, err := schema.NewPayloadValidator()
	if err != nil {
		return fmt.Errorf("load payload schema: %w", err)
	}

	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.PingCheck("store", st.Ping))
	checker.RegisterFunc("disk", false, health.DiskSpaceCheck(filepath.Dir(cfg.Store.Path), minFreeDisk))

	studyMetrics := metrics.NewStudyMetrics(nil)
	srv, err := server.New(server.SettingsFromConfig(cfg), server.Options{
		Persister:           st,
		Validator:           validator,
		Metrics:             studyMetrics,
		Logger:              logger,
		Audit:               audit,
		Crash:               crash,
		Health:              checker,
		MaxConnections:      cfg.Limits.MaxConnections,
		MaxConnectionsPerIP: cfg.Limits.MaxConnectionsPerIP,
		StaticDir:           cfg.Server.StaticDir,
		SaveTimeout:         cfg.ShutdownTimeout(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader.OnChange(func(old, next *config.Config) {
		err := srv.Apply(server.SettingsFromConfig(next))
		if err != nil {
			logger.Error("config reload rejected", "error", err)
		} else {
			logger.Info("config reloaded", "path", path)
		}
		if old != nil && (old.Server.Addr != next.Server.Addr || old.Store.Path != next.Store.Path) {
			logger.Warn("listen address and store path changes take effect on restart")
		}
		audit.LogConfigReload(ctx, path, err)
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}
	defer loader.Close()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(pidFile()), 0700); err == nil {
		if err := os.WriteFile(pidFile(), []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
			logger.Warn("write pid file", "error", err)
		}
		defer os.Remove(pidFile())
	}

	audit.LogStartup(ctx, version, map[string]any{
		"addr":   ln.Addr().String(),
		"store":  cfg.Store.Path,
		"signed": st.Signed(),
	})
	logger.Info("ratingd started",
		"version", version,
		"config", path,
		"store", cfg.Store.Path,
		"controls", len(cfg.Study.Controls))

	readHeaderTimeout := time.Duration(cfg.Server.ReadHeaderTimeoutSec) * time.Second
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln, readHeaderTimeout, cfg.ShutdownTimeout())
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-loader.Errors():
				logger.Warn("config reload failed", "error", err)
				audit.LogConfigReload(gctx, path, err)
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				studyMetrics.UpdateUptime()
			}
		}
	})

	err = g.Wait()
	reason := "signal"
	if err != nil && !errors.Is(err, context.Canceled) {
		reason = err.Error()
		logger.Error("server stopped", "error", err)
	}
	audit.LogShutdown(context.Background(), reason)
	logger.Info("ratingd stopped", "reason", reason)
	return err
}
