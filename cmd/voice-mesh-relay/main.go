package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/config"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/httpserver"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/metrics"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/relay"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/store"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting voice-mesh-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"public_host", safeURLHost(cfg.PublicBaseURL),
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_sessions", cfg.MaxSessions,
		"max_subscriptions_per_connection", cfg.MaxSubscriptionsPerConn,
		"max_relay_message_bytes", cfg.MaxRelayMessageBytes,
		"max_relay_messages_per_second", cfg.MaxRelayMessagesPerSecond,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server configuration; /ice will return 503", "err", err)
	}

	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()
	st := store.NewMemoryStore()
	defer st.Close()
	m.RegisterGauge(metrics.GaugeStoreRecords, st.Len)

	relaySrv, err := relay.NewServer(cfg, st, m, logger)
	if err != nil {
		logger.Error("failed to configure relay", "err", err)
		os.Exit(2)
	}

	opts := httpserver.Options{Metrics: m, Relay: relaySrv}
	if cfg.TURNREST.Enabled() {
		gen, err := turnrest.FromConfig(cfg.TURNREST)
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
		opts.TURN = gen
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, opts)
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		relaySrv.Shutdown()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked relay connections are invisible to http.Server.Shutdown, so
	// they are closed explicitly.
	relaySrv.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
	logger.Info("relay stopped", "relay_writes", m.Get(metrics.RelayWrites))
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info (useful
	// for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
