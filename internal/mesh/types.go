package mesh

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// NegotiationState is the offer/answer state of a PeerSession.
type NegotiationState string

const (
	StateIdle            NegotiationState = "idle"
	StateHaveLocalOffer  NegotiationState = "have-local-offer"
	StateHaveRemoteOffer NegotiationState = "have-remote-offer"
	StateStable          NegotiationState = "stable"
	StateClosed          NegotiationState = "closed"
)

// acceptsCandidates reports whether remote ICE candidates can be applied
// directly, i.e. a remote description exists.
func (s NegotiationState) acceptsCandidates() bool {
	return s == StateHaveRemoteOffer || s == StateStable
}

// ErrorKind is the stable identifier passed to Callbacks.OnError.
type ErrorKind string

const (
	ErrorMicrophoneAccessDenied ErrorKind = "microphone_access_denied"
	ErrorOfferFailed            ErrorKind = "offer_failed"
	ErrorAnswerFailed           ErrorKind = "answer_failed"
	ErrorAnswerHandlingFailed   ErrorKind = "answer_handling_failed"
)

// Error is reported through Callbacks.OnError and returned by the operation
// that failed.
type Error struct {
	Kind ErrorKind
	// PeerID is empty for errors not tied to a peer.
	PeerID string
	Err    error
}

func (e *Error) Error() string {
	if e.PeerID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (peer %s): %v", e.Kind, e.PeerID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RemoteTrack is the part of *webrtc.TrackRemote the orchestrator needs.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Transport is one media connection to one remote participant.
// webrtcpeer.Transport implements it on top of *webrtc.PeerConnection.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// Rollback discards a pending local offer and returns to stable.
	Rollback() error
	SignalingState() webrtc.SignalingState

	// OnICECandidate is invoked for each gathered local candidate.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))

	Close() error
}

// TransportFactory creates the transport of a new session with the local
// tracks already attached.
type TransportFactory interface {
	NewTransport(remoteID string, tracks []webrtc.TrackLocal) (Transport, error)
}

// LocalMedia is the capture handle shared read-only by every session.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	SetMuted(muted bool)
	Muted() bool
	// Close stops all tracks and releases the capture device.
	Close() error
}

// MediaSource acquires the local capture handle.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

// Signaler carries setup messages to remote participants.
// signaling.Channel implements it.
type Signaler interface {
	SendOffer(ctx context.Context, from, to, sdp string) error
	SendAnswer(ctx context.Context, from, to, sdp string) error
	SendICECandidate(ctx context.Context, from, to string, candidate webrtc.ICECandidateInit) error
}

// Callbacks are invoked synchronously from transport and signaling event
// handlers and must not block.
type Callbacks struct {
	OnRemoteStream          func(peerID string, track RemoteTrack)
	OnConnectionStateChange func(peerID string, state webrtc.PeerConnectionState)
	OnError                 func(err *Error)
}

// IsPolite reports whether localID yields during glare with remoteID. Exactly
// one side of any pair of distinct ids is polite.
func IsPolite(localID, remoteID string) bool {
	return localID < remoteID
}
