package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/mesh"
)

var ErrNoPendingOffer = errors.New("webrtcpeer: no pending local offer to roll back")

// Transport adapts *webrtc.PeerConnection to mesh.Transport.
type Transport struct {
	pc *webrtc.PeerConnection
}

func (t *Transport) PeerConnection() *webrtc.PeerConnection { return t.pc }

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *Transport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

// Rollback discards the pending local offer. pion rejects a rollback
// description with an empty SDP, so the pending offer is echoed back.
func (t *Transport) Rollback() error {
	pending := t.pc.PendingLocalDescription()
	if pending == nil || pending.Type != webrtc.SDPTypeOffer {
		return ErrNoPendingOffer
	}
	return t.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeRollback,
		SDP:  pending.SDP,
	})
}

func (t *Transport) SignalingState() webrtc.SignalingState {
	return t.pc.SignalingState()
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (t *Transport) OnTrack(fn func(mesh.RemoteTrack)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (t *Transport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(fn)
}

func (t *Transport) Close() error {
	return t.pc.Close()
}

// Factory creates one PeerConnection per remote participant.
type Factory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *slog.Logger
}

func NewFactory(api *webrtc.API, iceServers []webrtc.ICEServer, log *slog.Logger) *Factory {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Factory{api: api, iceServers: iceServers, log: log}
}

// NewTransport attaches tracks as send/receive audio. Without local tracks
// the connection still offers a receive-only audio transceiver so listeners
// can hear the room.
func (f *Factory) NewTransport(remoteID string, tracks []webrtc.TrackLocal) (mesh.Transport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, err
	}

	if len(tracks) == 0 {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add recvonly transceiver: %w", err)
		}
	}
	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		go drainRTCP(sender)
	}

	f.log.Debug("webrtc_transport_created", "peer_id", remoteID, "tracks", len(tracks))
	return &Transport{pc: pc}, nil
}

// drainRTCP reads incoming RTCP so the interceptors (NACK, reports) run.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
