package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"cellarsight/internal/eventbus"
	"cellarsight/internal/metrics"
	"cellarsight/pkg/logx"
)

type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusDisconnecting Status = "disconnecting"
)

// Health is the shape served by the operational HTTP endpoint.
type Health struct {
	Status          string    `json:"status"` // "ok" or "unhealthy"
	Uptime          string    `json:"uptime"`
	LastHealthCheck time.Time `json:"last_health_check"`
	MemoryRSSBytes  uint64    `json:"memory_rss_bytes"`
	MemoryPercent   float64   `json:"memory_percent"`
	ConnectionState Status    `json:"connection_state"`
	LastError       string    `json:"last_error,omitempty"`
}

// Manager owns the single shared store handle. All access goes through
// Ensure; no component opens its own connection.
type Manager struct {
	cfg  Config
	log  logx.Logger
	sink metrics.Sink
	bus  eventbus.Bus

	startedAt time.Time

	mu        sync.Mutex
	store     *sqliteStore
	status    Status
	lastCheck time.Time
	lastErr   error
}

func NewManager(cfg Config, log logx.Logger, sink metrics.Sink, bus eventbus.Bus) *Manager {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Manager{
		cfg:       cfg,
		log:       log,
		sink:      sink,
		bus:       bus,
		startedAt: time.Now(),
		status:    StatusDisconnected,
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Ensure returns a healthy store, reconnecting if needed. Calling it while
// connected pings and returns the existing handle. On failure the status is
// left disconnected and the caller retries on its next tick.
func (m *Manager) Ensure(ctx context.Context) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastCheck = time.Now()

	if m.status == StatusConnected && m.store != nil {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.store.Ping(pctx)
		cancel()
		if err == nil {
			m.lastErr = nil
			return m.store, nil
		}
		if !m.log.IsZero() {
			m.log.Warn("storage ping failed; reconnecting", logx.Any("err", err))
		}
		m.dropLocked()
	}

	m.status = StatusConnecting
	st, err := openSQLite(m.cfg, m.log)
	if err != nil {
		m.status = StatusDisconnected
		m.lastErr = err
		m.sink.ReconnectAttempt(false)
		m.sink.ConnectionStateSet(false)
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeStoreDegraded, Data: err.Error()})
		}
		return nil, fmt.Errorf("storage connect: %w", err)
	}

	m.store = st
	m.status = StatusConnected
	m.lastErr = nil
	m.sink.ReconnectAttempt(true)
	m.sink.ConnectionStateSet(true)
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeStoreRecovered})
	}
	if !m.log.IsZero() {
		m.log.Info("storage connected", logx.String("path", m.cfg.Path))
	}
	return st, nil
}

// Apply swaps the target path. Takes effect on the next reconnect.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.Path != "" && cfg.Path != m.cfg.Path {
		m.cfg = cfg
		m.dropLocked()
		return
	}
	m.cfg.BusyTimeout = cfg.BusyTimeout
}

func (m *Manager) Health() Health {
	m.mu.Lock()
	status := m.status
	lastCheck := m.lastCheck
	lastErr := m.lastErr
	m.mu.Unlock()

	h := Health{
		Status:          "ok",
		Uptime:          time.Since(m.startedAt).Round(time.Second).String(),
		LastHealthCheck: lastCheck,
		ConnectionState: status,
	}
	if status != StatusConnected {
		h.Status = "unhealthy"
	}
	if lastErr != nil {
		h.LastError = lastErr.Error()
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			h.MemoryRSSBytes = mi.RSS
		}
		if pct, err := p.MemoryPercent(); err == nil {
			h.MemoryPercent = float64(pct)
		}
	}
	return h
}

func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		m.status = StatusDisconnected
		return nil
	}
	m.status = StatusDisconnecting
	err := m.store.Close()
	m.store = nil
	m.status = StatusDisconnected
	m.sink.ConnectionStateSet(false)
	return err
}

func (m *Manager) dropLocked() {
	if m.store != nil {
		_ = m.store.Close()
		m.store = nil
	}
	m.status = StatusDisconnected
	m.sink.ConnectionStateSet(false)
}
