// Package mesh negotiates one media transport per remote participant of a
// full-mesh voice room.
//
// Simultaneous offers are resolved with perfect negotiation: the participant
// with the lexicographically smaller id is polite and rolls its own offer back
// when it collides with an incoming one. The other side ignores any offer that
// arrives once it has offered or settled, and waits for the answer to its own.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/metrics"
)

const DefaultSignalTimeout = 10 * time.Second

var (
	ErrNoMediaSource = errors.New("mesh: no media source configured")
	ErrSelfPeer      = errors.New("mesh: peer id equals local id")
)

type Config struct {
	LocalID string
	// Role is carried for the caller's roster logic and never validated here.
	Role string

	Signaler   Signaler
	Transports TransportFactory
	// Media is optional; without it sessions negotiate receive-only audio.
	Media     MediaSource
	Callbacks Callbacks

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// SignalTimeout bounds candidate sends triggered by transport events.
	SignalTimeout time.Duration
}

// Orchestrator owns the local media handle and the sessions of one local
// participant. Independent orchestrators share nothing.
type Orchestrator struct {
	localID       string
	role          string
	signaler      Signaler
	transports    TransportFactory
	source        MediaSource
	cb            Callbacks
	log           *slog.Logger
	metrics       *metrics.Metrics
	signalTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*PeerSession
	media    LocalMedia
	muted    bool
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.LocalID == "" {
		return nil, fmt.Errorf("mesh: LocalID is required")
	}
	if cfg.Signaler == nil {
		return nil, fmt.Errorf("mesh: Signaler is required")
	}
	if cfg.Transports == nil {
		return nil, fmt.Errorf("mesh: Transports is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.SignalTimeout
	if timeout <= 0 {
		timeout = DefaultSignalTimeout
	}
	return &Orchestrator{
		localID:       cfg.LocalID,
		role:          cfg.Role,
		signaler:      cfg.Signaler,
		transports:    cfg.Transports,
		source:        cfg.Media,
		cb:            cfg.Callbacks,
		log:           log.With("local_id", cfg.LocalID),
		metrics:       cfg.Metrics,
		signalTimeout: timeout,
		sessions:      make(map[string]*PeerSession),
	}, nil
}

func (o *Orchestrator) LocalID() string { return o.localID }

func (o *Orchestrator) Role() string { return o.role }

// InitLocalMedia acquires the capture handle once; later calls return the same
// handle until CloseAll releases it. Sessions created afterwards attach its
// tracks.
func (o *Orchestrator) InitLocalMedia(ctx context.Context) (LocalMedia, error) {
	o.mu.Lock()
	if o.media != nil {
		m := o.media
		o.mu.Unlock()
		return m, nil
	}
	o.mu.Unlock()

	if o.source == nil {
		return nil, o.fail(ErrorMicrophoneAccessDenied, "", ErrNoMediaSource)
	}
	m, err := o.source.Acquire(ctx)
	if err != nil {
		o.metrics.Inc(metrics.MeshMediaAcquireFailures)
		return nil, o.fail(ErrorMicrophoneAccessDenied, "", err)
	}

	o.mu.Lock()
	if o.media != nil {
		existing := o.media
		o.mu.Unlock()
		_ = m.Close()
		return existing, nil
	}
	o.media = m
	m.SetMuted(o.muted)
	o.mu.Unlock()

	o.log.Info("mesh_local_media_ready", "tracks", len(m.Tracks()))
	return m, nil
}

// SetMuted mutes or unmutes the local media. It is remembered and applied
// to media acquired later.
func (o *Orchestrator) SetMuted(muted bool) {
	o.mu.Lock()
	o.muted = muted
	m := o.media
	o.mu.Unlock()

	if m != nil {
		m.SetMuted(muted)
	}
}

// Muted reports the last value passed to SetMuted.
func (o *Orchestrator) Muted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muted
}

// SendOffer starts a negotiation toward peerID, creating its session if
// needed. It is a no-op while a negotiation with peerID is already in flight.
func (o *Orchestrator) SendOffer(ctx context.Context, peerID string) error {
	s, err := o.getOrCreateSession(peerID)
	if err != nil {
		return o.fail(ErrorOfferFailed, peerID, err)
	}

	s.mu.Lock()
	if s.state == StateClosed || !o.isCurrent(s) {
		s.mu.Unlock()
		return nil
	}
	switch s.state {
	case StateHaveLocalOffer, StateHaveRemoteOffer:
		state := s.state
		s.mu.Unlock()
		o.log.Debug("mesh_offer_skipped", "peer_id", peerID, "state", state)
		return nil
	}

	t := s.transport
	offer, err := t.CreateOffer()
	if err != nil {
		s.mu.Unlock()
		return o.fail(ErrorOfferFailed, peerID, fmt.Errorf("create offer: %w", err))
	}
	if err := t.SetLocalDescription(offer); err != nil {
		s.mu.Unlock()
		return o.fail(ErrorOfferFailed, peerID, fmt.Errorf("set local offer: %w", err))
	}
	if !o.isCurrent(s) {
		s.mu.Unlock()
		o.log.Debug("mesh_offer_dropped", "peer_id", peerID, "reason", "session_closed")
		return nil
	}
	s.state = StateHaveLocalOffer
	s.mu.Unlock()

	o.log.Debug("mesh_offer_created", "peer_id", peerID, "polite", s.polite)
	if err := o.signaler.SendOffer(ctx, o.localID, peerID, offer.SDP); err != nil {
		return fmt.Errorf("mesh: send offer to %s: %w", peerID, err)
	}
	o.metrics.Inc(metrics.MeshOffersSent)
	return nil
}

// HandleOffer applies a remote offer from peerID and answers it. A fresh
// session is created when none exists. An offer arriving in have-local-offer
// or stable collides: the polite side rolls back any pending local offer and
// answers; the impolite side ignores the offer.
func (o *Orchestrator) HandleOffer(ctx context.Context, peerID, sdp string) error {
	s, err := o.getOrCreateSession(peerID)
	if err != nil {
		return o.fail(ErrorAnswerFailed, peerID, err)
	}

	var retired Transport
	defer func() {
		if retired != nil {
			_ = retired.Close()
		}
	}()

	s.mu.Lock()
	if s.state == StateClosed || !o.isCurrent(s) {
		s.mu.Unlock()
		return nil
	}
	if !s.polite && (s.state == StateHaveLocalOffer || s.state == StateStable) {
		state := s.state
		s.mu.Unlock()
		o.metrics.Inc(metrics.MeshOffersIgnored)
		o.log.Debug("mesh_glare_offer_ignored", "peer_id", peerID, "state", state)
		return nil
	}
	if s.state == StateHaveLocalOffer {
		if err := s.transport.Rollback(); err != nil {
			o.log.Warn("mesh_glare_rollback_failed", "peer_id", peerID, "err", err)
			old, err := o.replaceTransportLocked(s)
			if err != nil {
				s.mu.Unlock()
				return o.fail(ErrorAnswerFailed, peerID, fmt.Errorf("reset transport after failed rollback: %w", err))
			}
			retired = old
			o.metrics.Inc(metrics.MeshGlareTransportResets)
		}
		s.state = StateIdle
		o.metrics.Inc(metrics.MeshGlareRollbacks)
		o.log.Debug("mesh_glare_rolled_back", "peer_id", peerID)
	}

	t := s.transport
	if err := t.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		s.mu.Unlock()
		return o.fail(ErrorAnswerFailed, peerID, fmt.Errorf("set remote offer: %w", err))
	}
	s.state = StateHaveRemoteOffer
	o.flushCandidatesLocked(s)

	answer, err := t.CreateAnswer()
	if err != nil {
		s.mu.Unlock()
		return o.fail(ErrorAnswerFailed, peerID, fmt.Errorf("create answer: %w", err))
	}
	if err := t.SetLocalDescription(answer); err != nil {
		s.mu.Unlock()
		return o.fail(ErrorAnswerFailed, peerID, fmt.Errorf("set local answer: %w", err))
	}
	if !o.isCurrent(s) {
		s.mu.Unlock()
		o.log.Debug("mesh_answer_dropped", "peer_id", peerID, "reason", "session_closed")
		return nil
	}
	s.state = StateStable
	s.mu.Unlock()

	if err := o.signaler.SendAnswer(ctx, o.localID, peerID, answer.SDP); err != nil {
		return fmt.Errorf("mesh: send answer to %s: %w", peerID, err)
	}
	o.metrics.Inc(metrics.MeshAnswersSent)
	return nil
}

// HandleAnswer applies a remote answer from peerID. Answers for unknown
// peers, or arriving outside have-local-offer, are discarded without touching
// the transport.
func (o *Orchestrator) HandleAnswer(peerID, sdp string) error {
	s := o.lookup(peerID)
	if s == nil {
		o.metrics.Inc(metrics.MeshAnswersDiscarded)
		o.log.Debug("mesh_answer_discarded", "peer_id", peerID, "reason", "no_session")
		return nil
	}

	s.mu.Lock()
	if s.state != StateHaveLocalOffer || !o.isCurrent(s) {
		state := s.state
		s.mu.Unlock()
		o.metrics.Inc(metrics.MeshAnswersDiscarded)
		o.log.Debug("mesh_answer_discarded", "peer_id", peerID, "state", state)
		return nil
	}
	if err := s.transport.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		s.mu.Unlock()
		return o.fail(ErrorAnswerHandlingFailed, peerID, fmt.Errorf("set remote answer: %w", err))
	}
	s.state = StateStable
	o.flushCandidatesLocked(s)
	s.mu.Unlock()
	return nil
}

// HandleICECandidate applies a remote candidate from peerID, or queues it
// until a remote description exists. Candidates for unknown or closed peers
// are dropped.
func (o *Orchestrator) HandleICECandidate(peerID string, candidate webrtc.ICECandidateInit) {
	s := o.lookup(peerID)
	if s == nil {
		o.metrics.Inc(metrics.MeshCandidatesDropped)
		o.log.Warn("mesh_candidate_dropped", "peer_id", peerID, "reason", "no_session")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateClosed:
		o.metrics.Inc(metrics.MeshCandidatesDropped)
	case s.state.acceptsCandidates():
		o.applyCandidateLocked(s, candidate)
	default:
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		o.metrics.Inc(metrics.MeshCandidatesQueued)
	}
}

func (o *Orchestrator) flushCandidatesLocked(s *PeerSession) {
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	for _, c := range pending {
		o.applyCandidateLocked(s, c)
	}
}

func (o *Orchestrator) applyCandidateLocked(s *PeerSession, c webrtc.ICECandidateInit) {
	if err := s.transport.AddICECandidate(c); err != nil {
		o.metrics.Inc(metrics.MeshCandidatesDropped)
		o.log.Warn("mesh_candidate_rejected", "peer_id", s.remoteID, "err", err)
		return
	}
	o.metrics.Inc(metrics.MeshCandidatesApplied)
}

// CloseConnection closes and forgets the session of peerID. Local media and
// other sessions are untouched.
func (o *Orchestrator) CloseConnection(peerID string) {
	o.mu.Lock()
	s := o.sessions[peerID]
	delete(o.sessions, peerID)
	o.mu.Unlock()

	if s != nil && s.close() {
		o.metrics.Inc(metrics.MeshSessionsClosed)
		o.log.Info("mesh_session_closed", "peer_id", peerID, "reason", "explicit")
	}
}

// CloseAll closes every session and releases the local media. Safe to call
// repeatedly.
func (o *Orchestrator) CloseAll() {
	o.mu.Lock()
	sessions := o.sessions
	o.sessions = make(map[string]*PeerSession)
	m := o.media
	o.media = nil
	o.mu.Unlock()

	for id, s := range sessions {
		if s.close() {
			o.metrics.Inc(metrics.MeshSessionsClosed)
			o.log.Info("mesh_session_closed", "peer_id", id, "reason", "close_all")
		}
	}
	if m != nil {
		if err := m.Close(); err != nil {
			o.log.Warn("mesh_local_media_close_failed", "err", err)
		}
	}
}

// Session returns the live session of peerID, or nil.
func (o *Orchestrator) Session(peerID string) *PeerSession {
	return o.lookup(peerID)
}

// State returns the negotiation state of peerID; false when no session exists.
func (o *Orchestrator) State(peerID string) (NegotiationState, bool) {
	s := o.lookup(peerID)
	if s == nil {
		return "", false
	}
	return s.State(), true
}

// Peers returns the ids of all live sessions, sorted.
func (o *Orchestrator) Peers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (o *Orchestrator) lookup(peerID string) *PeerSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[peerID]
}

func (o *Orchestrator) isCurrent(s *PeerSession) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[s.remoteID] == s
}

// ownsTransport reports whether t is the live transport of the current
// session s. Events from retired transports are ignored.
func (o *Orchestrator) ownsTransport(s *PeerSession, t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport == t && s.state != StateClosed && o.isCurrent(s)
}

// getOrCreateSession returns the live session of peerID, creating one with a
// fresh transport when none exists. Closed sessions are never in the map.
func (o *Orchestrator) getOrCreateSession(peerID string) (*PeerSession, error) {
	if peerID == "" {
		return nil, fmt.Errorf("mesh: empty peer id")
	}
	if peerID == o.localID {
		return nil, ErrSelfPeer
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sessions[peerID]; ok {
		return s, nil
	}

	t, err := o.transports.NewTransport(peerID, o.localTracksLocked())
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	s := newPeerSession(o.localID, peerID, t)
	o.wire(s, t)
	o.sessions[peerID] = s

	o.metrics.Inc(metrics.MeshSessionsCreated)
	o.log.Info("mesh_session_created", "peer_id", peerID, "polite", s.polite)
	return s, nil
}

// replaceTransportLocked swaps the session's transport for a fresh one and
// returns the old transport, which the caller closes after releasing s.mu.
func (o *Orchestrator) replaceTransportLocked(s *PeerSession) (Transport, error) {
	o.mu.Lock()
	tracks := o.localTracksLocked()
	o.mu.Unlock()

	t, err := o.transports.NewTransport(s.remoteID, tracks)
	if err != nil {
		return nil, err
	}
	old := s.transport
	s.transport = t
	o.wire(s, t)
	return old, nil
}

func (o *Orchestrator) localTracksLocked() []webrtc.TrackLocal {
	if o.media == nil {
		return nil
	}
	return o.media.Tracks()
}

func (o *Orchestrator) wire(s *PeerSession, t Transport) {
	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		o.handleLocalCandidate(s, t, c)
	})
	t.OnTrack(func(track RemoteTrack) {
		o.handleTrack(s, track)
	})
	t.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		o.handleConnectionState(s, t, state)
	})
}

func (o *Orchestrator) handleLocalCandidate(s *PeerSession, t Transport, c webrtc.ICECandidateInit) {
	if !o.ownsTransport(s, t) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.signalTimeout)
	defer cancel()
	if err := o.signaler.SendICECandidate(ctx, o.localID, s.remoteID, c); err != nil {
		o.log.Warn("mesh_candidate_send_failed", "peer_id", s.remoteID, "err", err)
	}
}

func (o *Orchestrator) handleTrack(s *PeerSession, track RemoteTrack) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	streamID := track.StreamID()
	if _, seen := s.streams[streamID]; seen {
		s.mu.Unlock()
		return
	}
	s.streams[streamID] = struct{}{}
	s.mu.Unlock()

	o.metrics.Inc(metrics.MeshRemoteStreams)
	o.log.Info("mesh_remote_stream", "peer_id", s.remoteID, "stream_id", streamID, "track_id", track.ID())
	if o.cb.OnRemoteStream != nil {
		o.cb.OnRemoteStream(s.remoteID, track)
	}
}

func (o *Orchestrator) handleConnectionState(s *PeerSession, t Transport, state webrtc.PeerConnectionState) {
	if !o.ownsTransport(s, t) {
		return
	}

	o.log.Info("mesh_connection_state", "peer_id", s.remoteID, "state", state.String())
	if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
		o.mu.Lock()
		if o.sessions[s.remoteID] == s {
			delete(o.sessions, s.remoteID)
		}
		o.mu.Unlock()
		if s.close() {
			o.metrics.Inc(metrics.MeshTransportTerminations)
			o.metrics.Inc(metrics.MeshSessionsClosed)
		}
	}

	if o.cb.OnConnectionStateChange != nil {
		o.cb.OnConnectionStateChange(s.remoteID, state)
	}
}

func (o *Orchestrator) fail(kind ErrorKind, peerID string, err error) *Error {
	e := &Error{Kind: kind, PeerID: peerID, Err: err}
	o.metrics.Inc(metrics.MeshNegotiationErrors)
	o.log.Warn("mesh_error", "kind", string(kind), "peer_id", peerID, "err", err)
	if o.cb.OnError != nil {
		o.cb.OnError(e)
	}
	return e
}
