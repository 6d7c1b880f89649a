// Command mesh-smoke-go starts a permissive relay on a local port and, when
// PEERS is set, joins that many headless participants to one room and waits
// for the full mesh to connect.
//
// Output is line oriented for test harnesses:
//
//	READY <port>
//	MESH_CONNECTED <peers> <elapsed>
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/config"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/httpserver"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/mesh"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/metrics"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/relay"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/signaling"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/store"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/voice"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/webrtcpeer"
)

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)
	peers := envIntOrDefault("PEERS", 0)
	room := envOrDefault("ROOM", "smoke")
	timeout := envDurationOrDefault("TIMEOUT", 30*time.Second)

	if v := os.Getenv("AUTH_MODE"); v != "" && v != "none" {
		fmt.Fprintf(os.Stderr, "unsupported AUTH_MODE=%s\n", v)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	cfg := config.Config{
		ListenAddr:                listenAddr,
		AuthMode:                  config.AuthModeNone,
		AllowedOrigins:            []string{"*"},
		ShutdownTimeout:           config.DefaultShutdown,
		RelayAuthTimeout:          config.DefaultRelayAuthTimeout,
		RelayWSIdleTimeout:        config.DefaultRelayWSIdleTimeout,
		RelayWSPingInterval:       config.DefaultRelayWSPingInterval,
		MaxRelayMessageBytes:      config.DefaultMaxRelayMessageBytes,
		MaxRelayMessagesPerSecond: 1000,
		MaxSubscriptionsPerConn:   config.DefaultMaxSubscriptionsPerConn,
	}
	m := metrics.New()
	st := store.NewMemoryStore()
	defer st.Close()
	m.RegisterGauge(metrics.GaugeStoreRecords, st.Len)

	relaySrv, err := relay.NewServer(cfg, st, m, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(2)
	}
	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{}, httpserver.Options{Metrics: m, Relay: relaySrv})
	if err != nil {
		fmt.Fprintf(os.Stderr, "http server: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	actualPort := ln.Addr().(*net.TCPAddr).Port
	fmt.Printf("READY %d\n", actualPort)

	exitCode := 0
	if peers > 0 {
		relayURL := fmt.Sprintf("ws://%s/relay", net.JoinHostPort(bindHost, strconv.Itoa(actualPort)))
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		if err := runMesh(runCtx, relayURL, room, peers, logger); err != nil {
			fmt.Fprintf(os.Stderr, "mesh: %v\n", err)
			exitCode = 1
		} else {
			fmt.Printf("MESH_CONNECTED %d %s\n", peers, time.Since(start).Round(time.Millisecond))
		}
		cancel()
	} else {
		<-ctx.Done()
	}

	relaySrv.Shutdown()
	_ = srv.Shutdown(context.Background())
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
		exitCode = 1
	}
	os.Exit(exitCode)
}

type smokePeer struct {
	id     string
	client *relay.Client
	room   *voice.Room

	mu        sync.Mutex
	connected map[string]bool
	changed   chan struct{}
}

func (p *smokePeer) onState(peerID string, state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.connected[peerID] = state == webrtc.PeerConnectionStateConnected
	p.mu.Unlock()
	select {
	case p.changed <- struct{}{}:
	default:
	}
}

func (p *smokePeer) connectedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ok := range p.connected {
		if ok {
			n++
		}
	}
	return n
}

// runMesh joins n participants and returns once every one of them reports a
// connected transport to each of the others.
func runMesh(ctx context.Context, relayURL, room string, n int, logger *slog.Logger) error {
	api, err := webrtcpeer.NewAPI(webrtcpeer.Options{IncludeLoopback: true, Logger: logger})
	if err != nil {
		return err
	}

	all := make([]*smokePeer, 0, n)
	defer func() {
		for _, p := range all {
			leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = p.room.Leave(leaveCtx)
			cancel()
			_ = p.client.Close()
		}
	}()

	for i := 0; i < n; i++ {
		p, err := joinPeer(ctx, api, relayURL, room, fmt.Sprintf("peer-%02d", i), logger)
		if err != nil {
			return err
		}
		all = append(all, p)
	}

	for _, p := range all {
		for p.connectedCount() < n-1 {
			select {
			case <-p.changed:
			case <-ctx.Done():
				return fmt.Errorf("%s connected to %d of %d peers: %w", p.id, p.connectedCount(), n-1, ctx.Err())
			}
		}
	}
	return nil
}

func joinPeer(ctx context.Context, api *webrtc.API, relayURL, room, id string, logger *slog.Logger) (*smokePeer, error) {
	client, err := relay.Dial(ctx, relayURL, relay.DialOptions{Logger: logger})
	if err != nil {
		return nil, err
	}
	ch, err := signaling.NewChannel(client, room, signaling.Options{Logger: logger})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	p := &smokePeer{
		id:        id,
		client:    client,
		connected: make(map[string]bool),
		changed:   make(chan struct{}, 1),
	}
	orch, err := mesh.New(mesh.Config{
		LocalID:    id,
		Role:       "player",
		Signaler:   ch,
		Transports: webrtcpeer.NewFactory(api, nil, logger),
		Media:      webrtcpeer.AudioSource{StreamID: id, Logger: logger},
		Callbacks: mesh.Callbacks{
			OnRemoteStream: func(_ string, track mesh.RemoteTrack) {
				if r, ok := track.(webrtcpeer.RTPReader); ok {
					go webrtcpeer.Discard(r)
				}
			},
			OnConnectionStateChange: p.onState,
		},
		Logger: logger,
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	p.room, err = voice.NewRoom(ch, orch, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := p.room.Join(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return p, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return fallback
}
