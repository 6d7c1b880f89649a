package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// fakeTransport models the signaling-state rules of a PeerConnection closely
// enough to exercise the orchestrator without ICE or DTLS.
type fakeTransport struct {
	name string

	mu             sync.Mutex
	state          webrtc.SignalingState
	offers         int
	remote         *webrtc.SessionDescription
	local          *webrtc.SessionDescription
	applied        []webrtc.ICECandidateInit
	mutations      int
	rollbacks      int
	closes         int
	tracks         []webrtc.TrackLocal
	rollbackErr    error
	createOfferErr error
	setRemoteErr   error
	// beforeCreate runs at the start of CreateOffer and CreateAnswer, while
	// the orchestrator holds the session lock.
	beforeCreate func()

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

var errWrongState = errors.New("fake: invalid signaling state transition")

func newFakeTransport(name string, tracks []webrtc.TrackLocal) *fakeTransport {
	return &fakeTransport{name: name, state: webrtc.SignalingStateStable, tracks: tracks}
}

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	if f.beforeCreate != nil {
		f.beforeCreate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createOfferErr != nil {
		return webrtc.SessionDescription{}, f.createOfferErr
	}
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer/%s/%d", f.name, f.offers)}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	if f.beforeCreate != nil {
		f.beforeCreate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errWrongState
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer/" + f.name + "/" + f.remote.SDP}, nil
}

func (f *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && f.state == webrtc.SignalingStateStable:
		f.state = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && f.state == webrtc.SignalingStateHaveRemoteOffer:
		f.state = webrtc.SignalingStateStable
	default:
		return errWrongState
	}
	f.mutations++
	f.local = &desc
	return nil
}

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setRemoteErr != nil {
		return f.setRemoteErr
	}
	switch {
	case desc.Type == webrtc.SDPTypeOffer && (f.state == webrtc.SignalingStateStable || f.state == webrtc.SignalingStateHaveRemoteOffer):
		f.state = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && f.state == webrtc.SignalingStateHaveLocalOffer:
		f.state = webrtc.SignalingStateStable
	default:
		return errWrongState
	}
	f.mutations++
	f.remote = &desc
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("fake: remote description not set")
	}
	f.mutations++
	f.applied = append(f.applied, c)
	return nil
}

func (f *fakeTransport) Rollback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rollbackErr != nil {
		return f.rollbackErr
	}
	if f.state != webrtc.SignalingStateHaveLocalOffer {
		return errWrongState
	}
	f.mutations++
	f.rollbacks++
	f.state = webrtc.SignalingStateStable
	f.local = nil
	return nil
}

func (f *fakeTransport) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnTrack(fn func(RemoteTrack)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

// Close reports the closed state synchronously, which a real PeerConnection
// does asynchronously.
func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.state = webrtc.SignalingStateClosed
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (f *fakeTransport) emitTrack(t RemoteTrack) {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	fn(t)
}

func (f *fakeTransport) emitState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	// Transports are registered with the factory before they are wired.
	if fn != nil {
		fn(s)
	}
}

func (f *fakeTransport) emitCandidate(c webrtc.ICECandidateInit) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	fn(c)
}

func (f *fakeTransport) snapshot() (state webrtc.SignalingState, mutations, rollbacks, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.mutations, f.rollbacks, f.closes
}

type fakeFactory struct {
	owner string

	mu         sync.Mutex
	transports map[string][]*fakeTransport
	err        error
	// configure runs on each transport before it is returned.
	configure func(*fakeTransport)
}

func newFakeFactory(owner string) *fakeFactory {
	return &fakeFactory{owner: owner, transports: make(map[string][]*fakeTransport)}
}

func (f *fakeFactory) NewTransport(remoteID string, tracks []webrtc.TrackLocal) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := newFakeTransport(f.owner+"->"+remoteID, tracks)
	if f.configure != nil {
		f.configure(t)
	}
	f.transports[remoteID] = append(f.transports[remoteID], t)
	return t, nil
}

// latest returns the most recent transport created for remoteID.
func (f *fakeFactory) latest(remoteID string) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.transports[remoteID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *fakeFactory) all(remoteID string) []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTransport(nil), f.transports[remoteID]...)
}

func (f *fakeFactory) count(remoteID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports[remoteID])
}

type signal struct {
	kind      string
	from, to  string
	sdp       string
	candidate webrtc.ICECandidateInit
}

// queueSignaler records outbound signals; tests deliver them explicitly to
// control interleaving.
type queueSignaler struct {
	mu      sync.Mutex
	queue   []signal
	sendErr error
}

func (q *queueSignaler) push(s signal) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sendErr != nil {
		return q.sendErr
	}
	q.queue = append(q.queue, s)
	return nil
}

func (q *queueSignaler) SendOffer(_ context.Context, from, to, sdp string) error {
	return q.push(signal{kind: "offer", from: from, to: to, sdp: sdp})
}

func (q *queueSignaler) SendAnswer(_ context.Context, from, to, sdp string) error {
	return q.push(signal{kind: "answer", from: from, to: to, sdp: sdp})
}

func (q *queueSignaler) SendICECandidate(_ context.Context, from, to string, c webrtc.ICECandidateInit) error {
	return q.push(signal{kind: "candidate", from: from, to: to, candidate: c})
}

// take removes and returns the first queued signal of kind sent by from.
func (q *queueSignaler) take(kind, from string) (signal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.queue {
		if s.kind == kind && s.from == from {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return s, true
		}
	}
	return signal{}, false
}

func (q *queueSignaler) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

type fakeTrack struct {
	id, stream string
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) StreamID() string          { return t.stream }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

type fakeMedia struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
	muted  bool
	closes int
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return m.tracks }

func (m *fakeMedia) SetMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	m.mu.Unlock()
}

func (m *fakeMedia) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	return nil
}

type fakeSource struct {
	media *fakeMedia
	err   error
	calls int
}

func (s *fakeSource) Acquire(context.Context) (LocalMedia, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.media, nil
}
