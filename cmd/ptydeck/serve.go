package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tchow/ptydeck/internal/config"
	"github.com/tchow/ptydeck/internal/detect"
	"github.com/tchow/ptydeck/internal/journal"
	"github.com/tchow/ptydeck/internal/logging"
	"github.com/tchow/ptydeck/internal/marker"
	"github.com/tchow/ptydeck/internal/procscan"
	"github.com/tchow/ptydeck/internal/term"
	"github.com/tchow/ptydeck/internal/web"
)

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "listen address (overrides config)")
	configPath := fs.String("config", "", "config file path")
	debug := fs.Bool("debug", false, "log to stderr at debug level")
	_ = fs.Parse(args)

	path := *configPath
	if path == "" {
		if p, err := config.Path(); err == nil {
			path = p
		}
	}
	cfg, cfgErr := config.Load(path)
	if *addr != "" {
		cfg.Web.Addr = *addr
	}

	logDir := cfg.Logs.Dir
	if logDir == "" {
		if dir, err := config.Dir(); err == nil {
			logDir = filepath.Join(dir, "logs")
		}
	}
	logging.Init(logging.Config{
		LogDir:     logDir,
		Level:      cfg.Logs.Level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
		Compress:   cfg.Logs.GetCompress(),
		Debug:      *debug,
	})
	defer logging.Shutdown()

	log := logging.Logger()
	if cfgErr != nil {
		log.Warn("config_load_failed", slog.String("error", cfgErr.Error()))
	}

	markerRoot := cfg.MarkerDir
	if markerRoot == "" {
		markerRoot = marker.DefaultRoot()
	}
	markers := marker.NewStore(markerRoot)

	cache := procscan.NewCache(cfg.SnapshotTTL())
	rules := detect.NewRules(detect.RuleOverrides{
		ExtraAgents:     cfg.Detect.ExtraAgents,
		ExtraHeaders:    cfg.Detect.ExtraHeaders,
		ExtraUnanswered: cfg.Detect.ExtraUnanswered,
		ExtraHints:      cfg.Detect.ExtraHints,
	})
	engine := detect.NewEngine(cache, markers, rules)

	var rec term.Recorder
	var jnl *journal.Journal
	if cfg.Journal.GetEnabled() {
		jpath := cfg.Journal.Path
		if jpath == "" {
			if dir, err := config.Dir(); err == nil {
				jpath = filepath.Join(dir, "journal.db")
			}
		}
		if jpath != "" {
			j, err := journal.Open(jpath)
			if err != nil {
				log.Warn("journal_open_failed", slog.String("error", err.Error()))
			} else {
				jnl = j
				rec = j
				defer jnl.Close()
			}
		}
	}

	manager := term.NewManager(engine, term.Options{
		FlushInterval:     cfg.FlushInterval(),
		BootstrapFallback: cfg.BootstrapFallback(),
		Recorder:          rec,
	})

	server := web.NewServer(web.Config{
		ListenAddr:      cfg.Web.Addr,
		InputRatePerSec: cfg.Web.InputRatePerSec,
		InputBurst:      cfg.Web.InputBurst,
	}, manager)

	watcher := marker.NewWatcher(markers, cfg.PollInterval(),
		func(workspaceID string) {
			log.Info("workspace_notify", slog.String("workspace", workspaceID))
			if jnl != nil {
				jnl.Record("notify", "", workspaceID)
			}
		},
		func(snap marker.Snapshot) {
			server.UpdateActivity(snap)
		},
	)
	watcher.Start()
	defer watcher.Stop()

	if path != "" {
		cw, err := config.NewWatcher(path, func(_ *config.Config) {
			// Rule and cadence changes need a restart.
			log.Info("config_changed_restart_to_apply")
		})
		if err == nil {
			cw.Start()
			defer cw.Stop()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting_down", slog.String("signal", sig.String()))
		manager.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	log.Info("serve_starting", slog.String("addr", cfg.Web.Addr))
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
