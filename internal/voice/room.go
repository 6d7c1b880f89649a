// Package voice joins a participant to a room: it feeds the room's signaling
// channel into the mesh orchestrator and keeps presence up to date.
package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/mesh"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/signaling"
)

const (
	// maxEarlyCandidates bounds the candidates kept per peer while its offer
	// is still in flight.
	maxEarlyCandidates = 64
	// maxEarlyPeers bounds how many peers may have early candidates buffered
	// at once.
	maxEarlyPeers = 32
)

var (
	ErrAlreadyJoined = errors.New("voice: already joined")
	ErrNotJoined     = errors.New("voice: not joined")
)

// Room is one participant's membership in a voice room.
type Room struct {
	ch   *signaling.Channel
	mesh *mesh.Orchestrator
	self string
	role string
	log  *slog.Logger

	mu     sync.Mutex
	joined bool
	cancel context.CancelFunc
	unsubs []func()
	// early holds remote candidates that arrived before the sender's offer.
	early map[string][]webrtc.ICECandidateInit
}

func NewRoom(ch *signaling.Channel, orch *mesh.Orchestrator, logger *slog.Logger) (*Room, error) {
	if ch == nil || orch == nil {
		return nil, errors.New("voice: channel and orchestrator are required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Room{
		ch:    ch,
		mesh:  orch,
		self:  orch.LocalID(),
		role:  orch.Role(),
		log:   logger.With("room", ch.Room(), "participant", orch.LocalID()),
		early: make(map[string][]webrtc.ICECandidateInit),
	}, nil
}

// Join acquires local media, starts the signaling listeners, announces
// presence and offers to everyone who was already in the room.
func (r *Room) Join(ctx context.Context) error {
	r.mu.Lock()
	if r.joined {
		r.mu.Unlock()
		return ErrAlreadyJoined
	}
	r.joined = true
	r.mu.Unlock()

	if _, err := r.mesh.InitLocalMedia(ctx); err != nil {
		r.setJoined(false)
		return err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	if err := r.startListeners(ctx, listenCtx); err != nil {
		r.teardown()
		return err
	}
	r.log.Info("voice_joined", "role", r.role)
	return nil
}

func (r *Room) startListeners(ctx, listenCtx context.Context) error {
	unsub, err := r.ch.ListenForOffers(listenCtx, r.self, func(d signaling.Description) {
		r.onOffer(listenCtx, d)
	})
	if err != nil {
		return fmt.Errorf("voice: listen for offers: %w", err)
	}
	r.addUnsub(unsub)

	unsub, err = r.ch.ListenForAnswers(listenCtx, r.self, func(d signaling.Description) {
		if err := r.mesh.HandleAnswer(d.From, d.SDP); err != nil {
			r.log.Debug("voice_answer_failed", "peer_id", d.From, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("voice: listen for answers: %w", err)
	}
	r.addUnsub(unsub)

	unsub, err = r.ch.ListenForICECandidates(listenCtx, r.self, r.onCandidate)
	if err != nil {
		return fmt.Errorf("voice: listen for candidates: %w", err)
	}
	r.addUnsub(unsub)

	// Presence goes out before the presence listener starts so that two
	// participants joining together always see at least one of each other as
	// preexisting.
	if err := r.ch.UpdatePresence(ctx, r.self, r.role, signaling.PresenceOnline); err != nil {
		return err
	}

	unsub, err = r.ch.ListenForPresence(listenCtx, r.self, func(p signaling.Presence) {
		r.onPresence(listenCtx, p)
	})
	if err != nil {
		return fmt.Errorf("voice: listen for presence: %w", err)
	}
	r.addUnsub(unsub)
	return nil
}

// Leave closes every connection, marks self offline and removes self's
// signaling records.
func (r *Room) Leave(ctx context.Context) error {
	r.mu.Lock()
	if !r.joined {
		r.mu.Unlock()
		return ErrNotJoined
	}
	r.mu.Unlock()

	r.teardown()

	err := errors.Join(
		r.ch.UpdatePresence(ctx, r.self, r.role, signaling.PresenceOffline),
		r.ch.Cleanup(ctx, r.self),
	)
	if err != nil {
		r.log.Warn("voice_leave_incomplete", "err", err)
		return err
	}
	r.log.Info("voice_left")
	return nil
}

// SetMuted toggles the local microphone for every connection.
func (r *Room) SetMuted(muted bool) { r.mesh.SetMuted(muted) }

// Peers lists the participants with an open session.
func (r *Room) Peers() []string { return r.mesh.Peers() }

func (r *Room) teardown() {
	r.mu.Lock()
	cancel := r.cancel
	unsubs := r.unsubs
	r.cancel = nil
	r.unsubs = nil
	r.early = make(map[string][]webrtc.ICECandidateInit)
	r.joined = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, fn := range unsubs {
		fn()
	}
	r.mesh.CloseAll()
}

func (r *Room) onOffer(ctx context.Context, d signaling.Description) {
	if err := r.mesh.HandleOffer(ctx, d.From, d.SDP); err != nil {
		r.log.Debug("voice_offer_failed", "peer_id", d.From, "err", err)
		return
	}

	r.mu.Lock()
	early := r.early[d.From]
	delete(r.early, d.From)
	r.mu.Unlock()
	for _, c := range early {
		r.mesh.HandleICECandidate(d.From, c)
	}
}

func (r *Room) onCandidate(c signaling.Candidate) {
	r.mu.Lock()
	if r.mesh.Session(c.From) == nil {
		buf, known := r.early[c.From]
		switch {
		case !known && len(r.early) >= maxEarlyPeers:
			r.log.Warn("voice_early_candidate_dropped", "peer_id", c.From, "reason", "too_many_peers")
		case len(buf) >= maxEarlyCandidates:
			r.log.Warn("voice_early_candidate_dropped", "peer_id", c.From, "reason", "buffer_full")
		default:
			r.early[c.From] = append(buf, c.Init)
		}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.mesh.HandleICECandidate(c.From, c.Init)
}

func (r *Room) onPresence(ctx context.Context, p signaling.Presence) {
	switch p.Status {
	case signaling.PresenceOnline:
		if !p.Preexisting {
			// Newcomers offer to us.
			return
		}
		r.log.Debug("voice_peer_present", "peer_id", p.ParticipantID, "role", p.Role)
		if err := r.mesh.SendOffer(ctx, p.ParticipantID); err != nil {
			r.log.Warn("voice_offer_send_failed", "peer_id", p.ParticipantID, "err", err)
		}
	case signaling.PresenceOffline:
		r.log.Info("voice_peer_left", "peer_id", p.ParticipantID)
		r.mu.Lock()
		delete(r.early, p.ParticipantID)
		r.mu.Unlock()
		r.mesh.CloseConnection(p.ParticipantID)
	}
}

func (r *Room) addUnsub(fn func()) {
	r.mu.Lock()
	r.unsubs = append(r.unsubs, fn)
	r.mu.Unlock()
}

func (r *Room) setJoined(v bool) {
	r.mu.Lock()
	r.joined = v
	r.mu.Unlock()
}
