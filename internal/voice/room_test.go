package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/mesh"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/signaling"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/store"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/webrtcpeer"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newVNetAPIs(t *testing.T, ips ...string) []*webrtc.API {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	apis := make([]*webrtc.API, 0, len(ips))
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		api, err := webrtcpeer.NewAPI(webrtcpeer.Options{Net: n, Logger: quietLogger()})
		if err != nil {
			t.Fatalf("NewAPI: %v", err)
		}
		apis = append(apis, api)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return apis
}

type participant struct {
	room      *Room
	orch      *mesh.Orchestrator
	connected chan string
}

func newParticipant(t *testing.T, st store.Store, id string, api *webrtc.API, media mesh.MediaSource) *participant {
	t.Helper()

	ch, err := signaling.NewChannel(st, "r1", signaling.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	p := &participant{connected: make(chan string, 8)}
	orch, err := mesh.New(mesh.Config{
		LocalID:    id,
		Role:       "player",
		Signaler:   ch,
		Transports: webrtcpeer.NewFactory(api, nil, quietLogger()),
		Media:      media,
		Callbacks: mesh.Callbacks{
			OnRemoteStream: func(_ string, track mesh.RemoteTrack) {
				if remote, ok := track.(*webrtc.TrackRemote); ok {
					go webrtcpeer.Discard(remote)
				}
			},
			OnConnectionStateChange: func(peerID string, state webrtc.PeerConnectionState) {
				if state == webrtc.PeerConnectionStateConnected {
					p.connected <- peerID
				}
			},
		},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("mesh.New(%s): %v", id, err)
	}
	room, err := NewRoom(ch, orch, quietLogger())
	if err != nil {
		t.Fatalf("NewRoom: %v", err)
	}
	p.room = room
	p.orch = orch
	return p
}

func waitForPeer(t *testing.T, ch <-chan string, want, what string) {
	t.Helper()
	timeout := time.After(15 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s of %s", what, want)
		}
	}
}

func TestRoom_JoinConnectsAndLeaveCleansUp(t *testing.T) {
	apis := newVNetAPIs(t, "10.0.0.1", "10.0.0.2")
	st := store.NewMemoryStore()
	t.Cleanup(st.Close)
	ctx := context.Background()

	alice := newParticipant(t, st, "alice", apis[0], webrtcpeer.AudioSource{StreamID: "alice", Logger: quietLogger()})
	bob := newParticipant(t, st, "bob", apis[1], webrtcpeer.AudioSource{StreamID: "bob", Logger: quietLogger()})

	if err := alice.room.Join(ctx); err != nil {
		t.Fatalf("alice Join: %v", err)
	}
	t.Cleanup(func() { _ = alice.room.Leave(context.Background()) })
	if err := alice.room.Join(ctx); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second Join err=%v, want ErrAlreadyJoined", err)
	}

	// Presence timestamps have millisecond resolution.
	time.Sleep(5 * time.Millisecond)
	if err := bob.room.Join(ctx); err != nil {
		t.Fatalf("bob Join: %v", err)
	}

	waitForPeer(t, alice.connected, "bob", "connection")
	waitForPeer(t, bob.connected, "alice", "connection")

	if err := bob.room.Leave(ctx); err != nil {
		t.Fatalf("bob Leave: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for len(alice.room.Peers()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("alice still has peers %v", alice.room.Peers())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := st.Get("rooms/r1/presence/bob"); ok {
		t.Fatalf("bob presence record left behind")
	}
	if _, ok := st.Get("rooms/r1/presence/alice"); !ok {
		t.Fatalf("alice presence record missing")
	}
	if err := bob.room.Leave(ctx); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("second Leave err=%v, want ErrNotJoined", err)
	}
}

type deniedMedia struct{}

func (deniedMedia) Acquire(context.Context) (mesh.LocalMedia, error) {
	return nil, errors.New("device busy")
}

func TestRoom_JoinFailsWithoutMedia(t *testing.T) {
	api, err := webrtcpeer.NewAPI(webrtcpeer.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	st := store.NewMemoryStore()
	t.Cleanup(st.Close)

	p := newParticipant(t, st, "alice", api, deniedMedia{})
	if err := p.room.Join(context.Background()); err == nil {
		t.Fatalf("Join succeeded without media")
	}
	if st.Len() != 0 {
		t.Fatalf("store has %d records after failed Join", st.Len())
	}
	if err := p.room.Leave(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("Leave err=%v, want ErrNotJoined", err)
	}
}

func TestRoom_BuffersCandidatesBeforeOffer(t *testing.T) {
	api, err := webrtcpeer.NewAPI(webrtcpeer.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	st := store.NewMemoryStore()
	t.Cleanup(st.Close)
	p := newParticipant(t, st, "alice", api, webrtcpeer.AudioSource{Logger: quietLogger()})

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 5000 typ host"}
	for i := 0; i < maxEarlyCandidates+5; i++ {
		p.room.onCandidate(signaling.Candidate{From: "bob", Init: cand})
	}
	p.room.mu.Lock()
	n := len(p.room.early["bob"])
	p.room.mu.Unlock()
	if n != maxEarlyCandidates {
		t.Fatalf("buffered=%d, want %d", n, maxEarlyCandidates)
	}

	p.room.onPresence(context.Background(), signaling.Presence{ParticipantID: "bob", Status: signaling.PresenceOffline})
	p.room.mu.Lock()
	_, ok := p.room.early["bob"]
	p.room.mu.Unlock()
	if ok {
		t.Fatalf("early candidates kept after peer left")
	}
}

func TestRoom_BoundsPeersWithEarlyCandidates(t *testing.T) {
	api, err := webrtcpeer.NewAPI(webrtcpeer.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	st := store.NewMemoryStore()
	t.Cleanup(st.Close)
	p := newParticipant(t, st, "alice", api, webrtcpeer.AudioSource{Logger: quietLogger()})

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 5000 typ host"}
	for i := 0; i < maxEarlyPeers+10; i++ {
		p.room.onCandidate(signaling.Candidate{From: fmt.Sprintf("ghost-%d", i), Init: cand})
	}
	// Peers already buffered keep accepting candidates.
	p.room.onCandidate(signaling.Candidate{From: "ghost-0", Init: cand})

	p.room.mu.Lock()
	peers := len(p.room.early)
	first := len(p.room.early["ghost-0"])
	_, late := p.room.early[fmt.Sprintf("ghost-%d", maxEarlyPeers)]
	p.room.mu.Unlock()
	if peers != maxEarlyPeers {
		t.Fatalf("buffered peers=%d, want %d", peers, maxEarlyPeers)
	}
	if first != 2 {
		t.Fatalf("ghost-0 buffered=%d, want 2", first)
	}
	if late {
		t.Fatalf("candidates buffered for a peer past the limit")
	}
}
