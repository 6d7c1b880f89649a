package relay

import (
	"sync"

	"github.com/go4org/hashtriemap"
	"github.com/gorilla/websocket"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/metrics"
)

// ConnManager tracks live relay connections and enforces the connection cap.
type ConnManager struct {
	maxConns int
	metrics  *metrics.Metrics

	mu    sync.Mutex
	count int
	conns hashtriemap.HashTrieMap[string, *conn]
}

// NewConnManager returns a manager allowing up to maxConns connections; zero
// means unlimited.
func NewConnManager(maxConns int, m *metrics.Metrics) *ConnManager {
	return &ConnManager{maxConns: maxConns, metrics: m}
}

func (cm *ConnManager) add(c *conn) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.maxConns > 0 && cm.count >= cm.maxConns {
		cm.metrics.Inc(metrics.RelayTooManySessions)
		return ErrTooManySessions
	}
	cm.count++
	cm.conns.Store(c.id, c)
	return nil
}

func (cm *ConnManager) remove(id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.conns.LoadAndDelete(id); ok {
		cm.count--
	}
}

// Len returns the number of live connections.
func (cm *ConnManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.count
}

// Subscriptions returns the number of subscriptions held by connection id.
func (cm *ConnManager) Subscriptions(id string) int {
	c, ok := cm.conns.Load(id)
	if !ok {
		return 0
	}
	return c.subscriptionCount()
}

// CloseAll asks every live connection to go away. It does not wait for them.
func (cm *ConnManager) CloseAll() {
	cm.conns.Range(func(_ string, c *conn) bool {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
		return true
	})
}
