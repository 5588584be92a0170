package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/protocol"
)

// Monitor probes every registered connection on a fixed interval and evicts
// connections that have been silent for longer than the timeout.
type Monitor struct {
	registry *Registry
	evict    dropFunc
	interval time.Duration
	timeout  time.Duration

	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{} // closed when the run loop has exited
}

func newMonitor(h *Hub) *Monitor {
	return &Monitor{
		registry: h.registry,
		evict:    h.drop,
		interval: h.config.HeartbeatInterval,
		timeout:  h.config.HeartbeatTimeout,
		clock:    h.clock,
		logger:   h.logger.With("component", "heartbeat"),
		metrics:  h.metrics,
	}
}

// Start begins probing. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	ticker := m.clock.Ticker(m.interval)
	m.mu.Unlock()

	m.logger.Info("heartbeat monitor started", "interval", m.interval, "timeout", m.timeout)
	go m.run(ctx, ticker)
}

func (m *Monitor) run(ctx context.Context, ticker *clock.Ticker) {
	m.mu.Lock()
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	defer func() {
		ticker.Stop()
		m.mu.Lock()
		if m.doneCh == doneCh {
			m.running = false
		}
		m.mu.Unlock()
		close(doneCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		doneCh := m.doneCh
		m.mu.Unlock()
		if doneCh != nil {
			<-doneCh
		}
		return
	}
	m.running = false
	close(m.stopCh)
	doneCh := m.doneCh
	m.mu.Unlock()

	<-doneCh
}

// IsRunning reports whether the probe loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Sweep runs one probe round: silent connections are evicted, the rest are
// sent a heartbeat. It returns how many were probed and evicted.
func (m *Monitor) Sweep() (probed, evicted int) {
	now := m.clock.Now()
	for _, conn := range m.registry.All() {
		if !conn.Alive() {
			continue
		}
		if now.Sub(conn.LastActivity()) > m.timeout {
			conn.logger.Info("heartbeat timeout", "last_activity", conn.LastActivity())
			m.evict(conn, protocol.CloseGoingAway, protocol.ReasonHeartbeatTimeout)
			m.metrics.HeartbeatEvicted()
			evicted++
			continue
		}
		if err := conn.enqueue(protocol.Heartbeat(now)); err != nil {
			m.evict(conn, protocol.CloseTryAgainLater, protocol.ReasonSlowConsumer)
			evicted++
			continue
		}
		probed++
	}
	return probed, evicted
}
