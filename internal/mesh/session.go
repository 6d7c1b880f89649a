package mesh

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerSession is the negotiation state of one remote participant. It is owned
// by exactly one Orchestrator and never reused after it is closed.
type PeerSession struct {
	remoteID string
	polite   bool

	// mu serializes negotiation steps. Every step re-reads state after
	// acquiring it.
	mu        sync.Mutex
	transport Transport
	state     NegotiationState
	// pendingCandidates holds remote candidates received before a remote
	// description was applied.
	pendingCandidates []webrtc.ICECandidateInit
	// streams records remote stream ids already reported to the caller.
	streams map[string]struct{}
}

func newPeerSession(localID, remoteID string, t Transport) *PeerSession {
	return &PeerSession{
		remoteID:  remoteID,
		polite:    IsPolite(localID, remoteID),
		transport: t,
		state:     StateIdle,
		streams:   make(map[string]struct{}),
	}
}

func (s *PeerSession) RemoteID() string { return s.remoteID }

func (s *PeerSession) IsPolite() bool { return s.polite }

func (s *PeerSession) State() NegotiationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingCandidates returns the number of queued remote candidates.
func (s *PeerSession) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingCandidates)
}

// close marks the session closed and releases its transport. It reports
// whether this call closed it.
func (s *PeerSession) close() bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	t := s.transport
	s.pendingCandidates = nil
	s.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	return true
}
