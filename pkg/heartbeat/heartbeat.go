// Package heartbeat keeps one liveness ticker and, when needed, one
// reconnect worker per connected device. It is the component that decides
// a device has gone unreachable and drives the retry-with-backoff dance
// back to a healthy connection or to a hard FAILED state.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/galaxyhq/galaxy/pkg/log"
	"github.com/galaxyhq/galaxy/pkg/registry"
	"github.com/galaxyhq/galaxy/pkg/transport"
	"github.com/galaxyhq/galaxy/pkg/types"
	"github.com/sony/gobreaker"
)

// Config controls heartbeat cadence and reconnect policy.
type Config struct {
	Interval    time.Duration
	MissedLimit int
	MaxRetries  int
	// BackoffBase is the fixed delay the reconnect worker waits between
	// attempts (spec.md §4.4 — no exponential growth).
	BackoffBase time.Duration
	// BackoffMax bounds how long the circuit breaker stays open once it
	// trips, independent of the reconnect delay itself.
	BackoffMax time.Duration
}

// DefaultConfig mirrors the defaults named in spec.md §6.3.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		MissedLimit: 3,
		MaxRetries:  5,
		BackoffBase: 5 * time.Second,
		BackoffMax:  30 * time.Second,
	}
}

// Dialer opens a fresh transport connection for a device, returning the
// device's reported OS and capabilities on success. It exists so the
// reconnect worker doesn't need to know how a Transport is constructed.
type Dialer func(ctx context.Context, deviceID, endpoint string) (*transport.Transport, string, []string, error)

// DisconnectHandler is invoked once a device is confirmed unreachable
// (missed-heartbeat limit hit or a reconnect attempt gave up). Its job is
// to clear the device's in-flight queue and publish a DeviceEvent.
type DisconnectHandler func(deviceID string)

// Monitor owns one ticker per connected device and, separately, at most
// one reconnect worker per disconnected device.
type Monitor struct {
	cfg      Config
	registry *registry.Registry
	dial     Dialer
	onDrop   DisconnectHandler

	mu       sync.Mutex
	tickers  map[string]context.CancelFunc
	workers  map[string]context.CancelFunc
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
	missed   map[string]int
}

// New returns a Monitor. Call WatchDevice once a device's transport is
// connected to begin ticking its heartbeat.
func New(cfg Config, reg *registry.Registry, dial Dialer, onDrop DisconnectHandler) *Monitor {
	return &Monitor{
		cfg:      cfg,
		registry: reg,
		dial:     dial,
		onDrop:   onDrop,
		tickers:  make(map[string]context.CancelFunc),
		workers:  make(map[string]context.CancelFunc),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
		missed:   make(map[string]int),
	}
}

// WatchDevice starts a ticker that sends a HEARTBEAT over tr every
// Interval. N consecutive missed acks routes through the same
// disconnection path as a transport error.
func (m *Monitor) WatchDevice(deviceID string, tr *transport.Transport) {
	m.mu.Lock()
	if cancel, ok := m.tickers[deviceID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.tickers[deviceID] = cancel
	m.missed[deviceID] = 0
	m.mu.Unlock()

	go m.tickLoop(ctx, deviceID, tr)
}

// StopWatching cancels the ticker for a device, e.g. once it is removed
// from the fleet entirely.
func (m *Monitor) StopWatching(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.tickers[deviceID]; ok {
		cancel()
		delete(m.tickers, deviceID)
	}
	if cancel, ok := m.workers[deviceID]; ok {
		cancel()
		delete(m.workers, deviceID)
	}
}

func (m *Monitor) tickLoop(ctx context.Context, deviceID string, tr *transport.Transport) {
	logger := log.WithDeviceID(deviceID)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, m.cfg.Interval/2)
			err := tr.Heartbeat(hbCtx)
			cancel()

			if err == nil {
				m.mu.Lock()
				m.missed[deviceID] = 0
				m.mu.Unlock()
				_ = m.registry.NoteHeartbeat(deviceID, time.Now())
				continue
			}

			m.mu.Lock()
			m.missed[deviceID]++
			missed := m.missed[deviceID]
			m.mu.Unlock()

			logger.Warn().Err(err).Int("missed", missed).Msg("heartbeat missed")
			if missed >= m.cfg.MissedLimit {
				m.handleDisconnect(deviceID, tr)
				return
			}
		}
	}
}

// handleDisconnect stops the ticker, tears down the transport, notifies the
// caller, and starts (at most one) reconnect worker.
func (m *Monitor) handleDisconnect(deviceID string, tr *transport.Transport) {
	tr.Disconnect()
	_ = m.registry.SetStatus(deviceID, types.DeviceDisconnected)

	m.mu.Lock()
	delete(m.tickers, deviceID)
	_, alreadyReconnecting := m.workers[deviceID]
	m.mu.Unlock()

	if m.onDrop != nil {
		m.onDrop(deviceID)
	}
	if alreadyReconnecting {
		return
	}
	m.startReconnectWorker(deviceID)
}

// startReconnectWorker runs its own attempt counter, independent from the
// transport's initial-connect counter in the registry (spec.md §9).
func (m *Monitor) startReconnectWorker(deviceID string) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.workers[deviceID] = cancel
	breaker, ok := m.breakers[deviceID]
	if !ok {
		breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "reconnect-" + deviceID,
			MaxRequests: 1,
			Timeout:     m.cfg.BackoffMax,
		})
		m.breakers[deviceID] = breaker
	}
	m.mu.Unlock()

	go m.reconnectLoop(ctx, deviceID, breaker)
}

func (m *Monitor) reconnectLoop(ctx context.Context, deviceID string, breaker *gobreaker.CircuitBreaker[struct{}]) {
	logger := log.WithDeviceID(deviceID)
	defer func() {
		m.mu.Lock()
		delete(m.workers, deviceID)
		m.mu.Unlock()
	}()

	attempt := 0
	for attempt < m.cfg.MaxRetries {
		select {
		case <-ctx.Done():
			return
		default:
		}

		attempt++

		// spec.md §4.4: the worker loops with a fixed delay between
		// attempts, not exponential backoff. BackoffBase is that delay;
		// BackoffMax only bounds how long the circuit breaker stays open
		// after it trips.
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.BackoffBase):
		}

		dev, err := m.registry.Get(deviceID)
		if err != nil {
			return
		}

		_, err = breaker.Execute(func() (struct{}, error) {
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			tr, deviceOS, caps, dialErr := m.dial(dialCtx, deviceID, dev.Endpoint)
			if dialErr != nil {
				return struct{}{}, dialErr
			}
			_ = deviceOS
			_ = caps
			_ = m.registry.SetStatus(deviceID, types.DeviceConnected)
			_ = m.registry.ResetAttempts(deviceID)
			m.WatchDevice(deviceID, tr)
			return struct{}{}, nil
		})

		if err == nil {
			logger.Info().Int("attempt", attempt).Msg("reconnected")
			return
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
	}

	logger.Error().Int("attempts", attempt).Msg("reconnect attempts exhausted, marking device failed")
	_ = m.registry.SetStatus(deviceID, types.DeviceFailed)
	if m.onDrop != nil {
		m.onDrop(deviceID)
	}
}
