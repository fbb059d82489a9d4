package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mwhitmore/sentinel"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: search ./sentinel.yaml, ~/.sentinel, /etc/sentinel)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")
		genCA      = flag.Bool("gen-ca", false, "generate the root CA and exit")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *genConfig {
		if err := sentinel.WriteExampleConfig("sentinel.yaml"); err != nil {
			slog.Error("generate config", "error", err)
			os.Exit(1)
		}
		fmt.Println("Generated sentinel.yaml")
		return
	}

	cfg, err := sentinel.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger, closeLog, err := buildLogger(cfg.Logging, *verbose)
	if err != nil {
		slog.Error("set up logging", "error", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	if cfg.Server.Workers > 0 {
		runtime.GOMAXPROCS(cfg.Server.Workers)
	}
	raiseFDLimit(logger)

	// Generate CA mode
	if *genCA {
		if err := generateCA(cfg.TLS, logger); err != nil {
			logger.Error("generate CA", "error", err)
			os.Exit(1)
		}
		return
	}

	metrics := sentinel.NewMetrics()

	// Root CA. Initialization failure is not fatal: the proxy starts and
	// serves what it can, intercept sessions fail at cert issuance.
	ca := sentinel.NewCAManager(cfg.TLS)
	ca.Logger = logger
	ca.Metrics = metrics

	caReady := false
	if err := cfg.TLS.EnsureSSLDirs(); err != nil {
		logger.Error("create ssl directories", "error", err)
	} else if err := ca.InitRootCA(); err != nil {
		logger.Error("root CA initialization failed, interception disabled", "error", err)
		logger.Info("hint: run with -gen-ca to generate a new root CA")
	} else {
		caReady = true
		if n, err := ca.LoadTrustedCertificates(); err != nil {
			logger.Warn("load trusted certificates", "error", err)
		} else if n > 0 {
			logger.Info("loaded trusted upstream certificates", "count", n)
		}
	}

	if caReady && cfg.TLS.WatchFiles {
		stop, err := ca.WatchCAFiles()
		if err != nil {
			logger.Warn("CA file watcher unavailable", "error", err)
		} else {
			defer stop()
			logger.Info("watching CA files for rotation")
		}
	}

	// Block rules. A failed source (unreachable database, missing file)
	// degrades to whatever loads; rules can still arrive via reload.
	runtimeRules := sentinel.NewRuntimeLoader()
	loader, watchPaths, err := cfg.BuildRuleLoader()
	if err != nil {
		logger.Error("rule sources unavailable, starting with static rules only", "error", err)
		loader = sentinel.NewStaticLoader(cfg.ACL.Domains...)
		watchPaths = nil
	}

	blocker := sentinel.NewDomainBlocker(sentinel.NewMultiLoader(loader, runtimeRules))
	blocker.Logger = logger
	blocker.Metrics = metrics

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := blocker.Initialize(ctx); err != nil {
		logger.Error("initial rule load failed, starting with empty ruleset", "error", err)
	} else {
		logger.Info("loaded block rules", "count", blocker.Count())
	}

	if cfg.ACL.ReloadInterval > 0 {
		cancel := blocker.StartAutoReload(ctx, cfg.ACL.ReloadInterval)
		defer cancel()
		logger.Info("rule auto-reload enabled", "interval", cfg.ACL.ReloadInterval)
	}
	if cfg.ACL.WatchFiles && len(watchPaths) > 0 {
		stopWatch, err := blocker.WatchFiles(ctx, watchPaths)
		if err != nil {
			logger.Warn("rule file watcher unavailable", "error", err)
		} else {
			defer stopWatch()
		}
	}

	// Buffer pool
	pool := sentinel.NewBufferPool(cfg.Pool.SmallCapacity, cfg.Pool.MediumCapacity, cfg.Pool.LargeCapacity)
	pool.AcquireTimeout = cfg.Pool.AcquireTimeout
	pool.Metrics = metrics

	// Session records. Database failure degrades to log-only records.
	records := sentinel.NewSessionLogger(logger)
	if cfg.SessionLog.PostgresDSN != "" {
		sink, err := sentinel.OpenPostgresSink(cfg.SessionLog.PostgresDSN, cfg.SessionLog.BufferSize, logger)
		if err != nil {
			logger.Error("session log database unavailable, records go to log only", "error", err)
		} else {
			defer func() { _ = sink.Close() }()
			records.AttachSink(sink)
			logger.Info("session records persisted to postgres")
		}
	}

	health := sentinel.NewHealthChecker()
	health.AddReadinessCheck("block_rules", func() error {
		if !blocker.Ready() {
			return fmt.Errorf("block rules not loaded")
		}
		return nil
	})

	srv := sentinel.NewServer(*cfg, ca, blocker, pool, metrics, records)
	srv.Logger = logger
	srv.Health = health

	// Admin listener: API, metrics, health probes.
	if cfg.Admin.Addr != "" {
		api := sentinel.NewAdminAPI(srv, ca, blocker, pool, logger)
		api.Runtime = runtimeRules

		adminSrv := &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           api.Router(health, metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("admin listener started", "addr", cfg.Admin.Addr)
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin listener failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = adminSrv.Shutdown(shutdownCtx)
		}()
	}

	reloader := sentinel.WatchSIGHUP(blocker, ca, logger)
	defer reloader.Cancel()

	if err := srv.Run(ctx); err != nil {
		logger.Error("proxy stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("proxy stopped")
}

// buildLogger constructs the process logger from config. The returned
// close function releases the log file if one was opened.
func buildLogger(cfg sentinel.LoggingConfig, verbose bool) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var w io.Writer
	closeFn := func() {}
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeFn = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler), closeFn, nil
}

// raiseFDLimit lifts the soft file descriptor limit to the hard limit.
// Every session holds two sockets, so the default soft limit caps
// concurrency well below max_sessions on most distributions.
func raiseFDLimit(logger *slog.Logger) {
	var lim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
		logger.Warn("read fd limit", "error", err)
		return
	}
	if lim.Cur >= lim.Max {
		return
	}
	lim.Cur = lim.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
		logger.Warn("raise fd limit", "error", err)
		return
	}
	logger.Debug("raised fd limit", "limit", lim.Cur)
}

func generateCA(cfg sentinel.TLSConfig, logger *slog.Logger) error {
	certPath := cfg.CACertPath()
	keyPath := cfg.CAKeyPath()

	if _, err := os.Stat(certPath); err == nil {
		return fmt.Errorf("CA certificate already exists at %s", certPath)
	}
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("CA key already exists at %s", keyPath)
	}

	if err := cfg.EnsureSSLDirs(); err != nil {
		return err
	}

	logger.Info("generating root CA", "org", cfg.Organization)

	cm := sentinel.NewCAManager(cfg)
	cm.Logger = logger
	if err := cm.InitRootCA(); err != nil {
		return err
	}

	logger.Info("root CA generated", "cert", certPath, "key", keyPath)
	logger.Info("add the CA certificate to client trust stores")
	return nil
}
