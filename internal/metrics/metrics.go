package metrics

import "sync"

// Event names. They are exported as the `event` label of a single Prometheus
// counter (see PrometheusHandler).
const (
	// Relay connections and frames.
	RelayConnections           = "relay_connections"
	RelayDisconnects           = "relay_disconnects"
	RelayAuthFailure           = "relay_auth_failure"
	RelayTooManySessions       = "relay_too_many_sessions"
	RelayRateLimited           = "relay_rate_limited"
	RelayBadFrame              = "relay_bad_frame"
	RelayForbiddenPath         = "relay_forbidden_path"
	RelayWrites                = "relay_writes"
	RelayDeletes               = "relay_deletes"
	RelayRemoves               = "relay_removes"
	RelaySubscriptions         = "relay_subscriptions"
	RelayChildrenDelivered     = "relay_children_delivered"
	RelaySendQueueOverflow     = "relay_send_queue_overflow"
	RelayClientRequestFailures = "relay_client_request_failures"

	// Signaling channel.
	SignalsSent           = "signals_sent"
	SignalsDelivered      = "signals_delivered"
	SignalsDroppedStale   = "signals_dropped_stale"
	SignalsDroppedInvalid = "signals_dropped_invalid"

	// Mesh negotiation.
	MeshSessionsCreated       = "mesh_sessions_created"
	MeshSessionsClosed        = "mesh_sessions_closed"
	MeshOffersSent            = "mesh_offers_sent"
	MeshAnswersSent           = "mesh_answers_sent"
	MeshGlareRollbacks        = "mesh_glare_rollbacks"
	MeshGlareTransportResets  = "mesh_glare_transport_resets"
	MeshOffersIgnored         = "mesh_offers_ignored"
	MeshAnswersDiscarded      = "mesh_answers_discarded"
	MeshCandidatesApplied     = "mesh_candidates_applied"
	MeshCandidatesQueued      = "mesh_candidates_queued"
	MeshCandidatesDropped     = "mesh_candidates_dropped"
	MeshRemoteStreams         = "mesh_remote_streams"
	MeshNegotiationErrors     = "mesh_negotiation_errors"
	MeshMediaAcquireFailures  = "mesh_media_acquire_failures"
	MeshTransportTerminations = "mesh_transport_terminations"
)

// Gauge names. Each is exported as its own Prometheus gauge.
const (
	GaugeRelayConnections = "relay_active_connections"
	GaugeStoreRecords     = "store_records"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards everything, so components can take an
// optional registry without nil checks at every call site.
type Metrics struct {
	mu     sync.Mutex
	m      map[string]uint64
	gauges map[string]func() int
}

func New() *Metrics {
	return &Metrics{
		m:      make(map[string]uint64),
		gauges: make(map[string]func() int),
	}
}

// RegisterGauge installs fn as the sampler for name, replacing any previous
// one. fn is called on every scrape and must not block.
func (m *Metrics) RegisterGauge(name string, fn func() int) {
	if m == nil || fn == nil {
		return
	}
	m.mu.Lock()
	m.gauges[name] = fn
	m.mu.Unlock()
}

// Gauges samples every registered gauge.
func (m *Metrics) Gauges() map[string]int {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	fns := make(map[string]func() int, len(m.gauges))
	for k, fn := range m.gauges {
		fns[k] = fn
	}
	m.mu.Unlock()

	out := make(map[string]int, len(fns))
	for k, fn := range fns {
		out[k] = fn()
	}
	return out
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
