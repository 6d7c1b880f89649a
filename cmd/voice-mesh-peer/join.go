package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/config"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/mesh"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/metrics"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/relay"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/signaling"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/voice"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/webrtcpeer"
)

const (
	dialTimeout  = 15 * time.Second
	leaveTimeout = 5 * time.Second
)

type joinOptions struct {
	recordDir    string
	fetchICE     bool
	controlStdin bool
}

func newJoinCmd(configPath *string) *cobra.Command {
	var opts joinOptions

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room and stay connected until interrupted",
		Long: `Join a room and stay connected until interrupted.

Examples:
  voice-mesh-peer join --room table-7 --api-key $API_KEY
  voice-mesh-peer join --room table-7 --audio-file intro.ogg --record-dir ./rec
  voice-mesh-peer join --config peer.yaml --control-stdin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := config.LoadPeer(os.LookupEnv, *configPath, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := config.NewPeerLogger(p, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJoin(ctx, p, opts, logger)
		},
	}

	config.BindPeerFlags(cmd.Flags())
	cmd.Flags().StringVar(&opts.recordDir, "record-dir", "", "Write each remote audio track to an Ogg file in this directory")
	cmd.Flags().BoolVar(&opts.fetchICE, "fetch-ice", true, "Fetch ICE servers from the relay's /ice endpoint when none are configured")
	cmd.Flags().BoolVar(&opts.controlStdin, "control-stdin", false, "Read mute, unmute, peers and leave commands from stdin")
	return cmd
}

func runJoin(ctx context.Context, p config.Peer, opts joinOptions, logger *slog.Logger) error {
	logger = logger.With("room", p.Room, "participant", p.ParticipantID)
	m := metrics.New()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	client, err := relay.Dial(dialCtx, p.RelayURL, relay.DialOptions{
		APIKey:         p.APIKey,
		Token:          p.Token,
		Codec:          p.Codec,
		RequestTimeout: p.SignalTimeout,
		Logger:         logger,
		Metrics:        m,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer client.Close()
	logger.Info("relay_connected", "relay_url", p.RelayURL, "conn_id", client.ConnID(), "codec", p.Codec)

	iceServers := p.ICEServers
	if len(iceServers) == 0 && opts.fetchICE {
		fetchCtx, cancel := context.WithTimeout(ctx, p.SignalTimeout)
		iceServers, err = fetchICEServers(fetchCtx, p)
		cancel()
		if err != nil {
			logger.Warn("ice_fetch_failed; continuing with host candidates only", "err", err)
		}
	}

	api, err := webrtcpeer.NewAPI(webrtcpeer.OptionsFromPeer(p, logger))
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	ch, err := signaling.NewChannel(client, p.Room, signaling.Options{Logger: logger, Metrics: m})
	if err != nil {
		return err
	}

	orch, err := mesh.New(mesh.Config{
		LocalID:    p.ParticipantID,
		Role:       p.Role,
		Signaler:   ch,
		Transports: webrtcpeer.NewFactory(api, iceServers, logger),
		Media: webrtcpeer.AudioSource{
			File:     p.AudioFile,
			StreamID: p.ParticipantID,
			Logger:   logger,
		},
		Callbacks:     peerCallbacks(logger, opts.recordDir),
		Logger:        logger,
		Metrics:       m,
		SignalTimeout: p.SignalTimeout,
	})
	if err != nil {
		return err
	}
	orch.SetMuted(p.Muted)

	room, err := voice.NewRoom(ch, orch, logger)
	if err != nil {
		return err
	}
	if err := room.Join(ctx); err != nil {
		return fmt.Errorf("join room %s: %w", p.Room, err)
	}

	var commands <-chan command
	if opts.controlStdin {
		cmdCtx, stopCommands := context.WithCancel(ctx)
		defer stopCommands()
		commands = readCommands(cmdCtx, os.Stdin, logger)
	}

	err = waitForExit(ctx, client, room, orch, commands, logger)

	leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if lerr := room.Leave(leaveCtx); lerr != nil {
		logger.Warn("leave_incomplete", "err", lerr)
	}
	logger.Info("peer_stopped", "metrics", m.Snapshot())
	return err
}

func waitForExit(ctx context.Context, client *relay.Client, room *voice.Room, orch *mesh.Orchestrator, commands <-chan command, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			return nil
		case <-client.Done():
			err := client.Err()
			logger.Error("relay connection lost", "err", err)
			if err == nil {
				err = errors.New("relay connection closed")
			}
			return err
		case c, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			switch c {
			case cmdMute:
				room.SetMuted(true)
				logger.Info("muted")
			case cmdUnmute:
				room.SetMuted(false)
				logger.Info("unmuted")
			case cmdPeers:
				logger.Info("peers", "peers", room.Peers(), "muted", orch.Muted())
			case cmdLeave:
				return nil
			}
		}
	}
}

func peerCallbacks(logger *slog.Logger, recordDir string) mesh.Callbacks {
	return mesh.Callbacks{
		OnRemoteStream: func(peerID string, track mesh.RemoteTrack) {
			logger.Info("remote_stream", "peer_id", peerID, "track_id", track.ID(), "stream_id", track.StreamID(), "kind", track.Kind().String())
			reader, ok := track.(webrtcpeer.RTPReader)
			if !ok {
				return
			}
			if recordDir == "" {
				go func() {
					n := webrtcpeer.Discard(reader)
					logger.Debug("remote_stream_ended", "peer_id", peerID, "packets", n)
				}()
				return
			}
			path := filepath.Join(recordDir, recordingName(peerID, track.ID()))
			go func() {
				n, err := webrtcpeer.RecordOpus(reader, path)
				if err != nil {
					logger.Warn("recording_failed", "peer_id", peerID, "path", path, "packets", n, "err", err)
					return
				}
				logger.Info("recording_saved", "peer_id", peerID, "path", path, "packets", n)
			}()
		},
		OnConnectionStateChange: func(peerID string, state webrtc.PeerConnectionState) {
			logger.Info("peer_connection_state", "peer_id", peerID, "state", state.String())
		},
		OnError: func(err *mesh.Error) {
			logger.Warn("mesh_error", "kind", err.Kind, "peer_id", err.PeerID, "err", err.Err)
		},
	}
}

func recordingName(peerID, trackID string) string {
	return fmt.Sprintf("%s-%s-%d.ogg", sanitizeFileComponent(peerID), sanitizeFileComponent(trackID), time.Now().Unix())
}

func sanitizeFileComponent(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			out[i] = '_'
		}
	}
	if len(out) == 0 {
		return "track"
	}
	return string(out)
}
