package storage

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/vitaly-z/brainy/common"
)

// Socket manager defaults.
const (
	// DefaultMaxConcurrent is the admission ceiling for in-flight network
	// operations.
	DefaultMaxConcurrent = 500
	// DefaultMinBatchSize is the floor the adaptive batch size shrinks to
	// under sustained failure.
	DefaultMinBatchSize = 10
	// DefaultMaxBatchSize is the ceiling the adaptive batch size grows to
	// under sustained success.
	DefaultMaxBatchSize = 500
	// defaultHardCeilingFactor bounds admitted plus waiting requests as a
	// multiple of the concurrency limit; beyond it acquisition is
	// hard-rejected instead of queued.
	defaultHardCeilingFactor = 4
	// ewmaAlpha is the smoothing factor of the success-rate average.
	ewmaAlpha = 0.2
	// shrinkThreshold and growThreshold bound the EWMA bands that trigger
	// batch-size adaptation.
	shrinkThreshold = 0.5
	growThreshold   = 0.9
)

// SocketManagerConfig configures admission control and batch adaptation.
type SocketManagerConfig struct {
	MaxConcurrent int // concurrency ceiling (default 500)
	MinBatchSize  int // adaptive batch floor (default 10)
	MaxBatchSize  int // adaptive batch ceiling (default 500)
	HardCeiling   int // admitted+waiting cap; 0 derives from MaxConcurrent
}

// DefaultSocketManagerConfig returns the production defaults.
func DefaultSocketManagerConfig() SocketManagerConfig {
	return SocketManagerConfig{
		MaxConcurrent: DefaultMaxConcurrent,
		MinBatchSize:  DefaultMinBatchSize,
		MaxBatchSize:  DefaultMaxBatchSize,
	}
}

// SocketManager is the adaptive backpressure gate every network operation
// passes through: RequestPermission before issuing a call, then
// ReleasePermission with the outcome. An exponentially weighted moving
// average of outcomes drives the effective batch size down under sustained
// failure and back up under sustained success; admission waits on a
// weighted semaphore and hard-rejects only when the overall ceiling is hit.
//
// The manager is an explicit dependency injected into adapters, never
// ambient state; two adapter instances may share one manager when they
// share a network budget.
type SocketManager struct {
	cfg SocketManagerConfig
	sem *semaphore.Weighted
	log *logrus.Entry

	mu          sync.Mutex
	inFlight    map[string]int64 // request id -> admitted cost
	waiting     int
	successEWMA float64
	batchSize   int
	total       int64
	failures    int64
}

// NewSocketManager constructs a manager with the given configuration.
func NewSocketManager(cfg SocketManagerConfig) *SocketManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = DefaultMinBatchSize
	}
	if cfg.MaxBatchSize < cfg.MinBatchSize {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.HardCeiling <= 0 {
		cfg.HardCeiling = cfg.MaxConcurrent * defaultHardCeilingFactor
	}
	return &SocketManager{
		cfg:         cfg,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		log:         common.Logger.WithField("component", "socket-manager"),
		inFlight:    make(map[string]int64),
		successEWMA: 1.0,
		batchSize:   cfg.MinBatchSize,
	}
}

// RequestPermission admits a request of the given cost, waiting while the
// concurrency limit is saturated. It returns an Overloaded error without
// waiting when admitted plus waiting requests would exceed the hard
// ceiling, and the context error when the caller is cancelled while
// queued.
func (m *SocketManager) RequestPermission(ctx context.Context, requestID string, cost int64) error {
	if cost <= 0 {
		cost = 1
	}
	m.mu.Lock()
	if len(m.inFlight)+m.waiting >= m.cfg.HardCeiling {
		m.mu.Unlock()
		return newError(KindOverloaded, "requestPermission", requestID,
			fmt.Errorf("hard ceiling %d reached", m.cfg.HardCeiling))
	}
	m.waiting++
	m.mu.Unlock()

	err := m.sem.Acquire(ctx, cost)

	m.mu.Lock()
	m.waiting--
	if err == nil {
		m.inFlight[requestID] = cost
	}
	m.mu.Unlock()

	if err != nil {
		return newError(KindTimeout, "requestPermission", requestID, err)
	}
	return nil
}

// ReleasePermission returns the admitted cost and folds the outcome into
// the moving average. Unknown request ids are ignored, keeping release
// idempotent.
func (m *SocketManager) ReleasePermission(requestID string, success bool) {
	m.mu.Lock()
	cost, ok := m.inFlight[requestID]
	if ok {
		delete(m.inFlight, requestID)
	}
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	m.successEWMA = (1-ewmaAlpha)*m.successEWMA + ewmaAlpha*outcome
	m.total++
	if !success {
		m.failures++
	}
	m.adaptLocked()
	m.mu.Unlock()

	if ok {
		m.sem.Release(cost)
	}
}

// adaptLocked moves the batch size toward the floor under sustained
// failure and toward the ceiling under sustained success.
func (m *SocketManager) adaptLocked() {
	switch {
	case m.successEWMA < shrinkThreshold:
		next := m.batchSize / 2
		if next < m.cfg.MinBatchSize {
			next = m.cfg.MinBatchSize
		}
		if next != m.batchSize {
			m.batchSize = next
			m.log.WithFields(logrus.Fields{
				"batch_size": next,
				"ewma":       m.successEWMA,
			}).Warn("backpressure shrinking batch size")
		}
	case m.successEWMA > growThreshold:
		next := m.batchSize * 2
		if next > m.cfg.MaxBatchSize {
			next = m.cfg.MaxBatchSize
		}
		m.batchSize = next
	}
}

// BatchSize returns the current adaptive batch size, used by every
// paginated or bulk path.
func (m *SocketManager) BatchSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchSize
}

// InFlight returns the number of admitted requests.
func (m *SocketManager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

// SuccessRate returns the current EWMA of operation outcomes.
func (m *SocketManager) SuccessRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.successEWMA
}

// UnderPressure reports whether the manager is currently degraded; the
// object-store adapter skips optional verification steps while true.
func (m *SocketManager) UnderPressure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.successEWMA < growThreshold || len(m.inFlight) > m.cfg.MaxConcurrent/2
}

// HTTPClient builds the tuned shared HTTP client adapters hand to their
// SDK: pooled keep-alive connections sized to the concurrency ceiling.
func (m *SocketManager) HTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        m.cfg.MaxConcurrent / 5,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
