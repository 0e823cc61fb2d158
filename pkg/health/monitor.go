package health

import (
	"sync"
	"time"
)

// staleAfter is how long without a successful bus transaction the
// gateway reports degraded
const staleAfter = 60 * time.Second

// Monitor tracks bus transaction health for the health endpoint
type Monitor struct {
	mu             sync.RWMutex
	started        time.Time
	successCount   uint64
	errorCount     uint64
	lastSuccess    time.Time
	lastError      time.Time
	consecutiveErr int
}

// NewMonitor creates a monitor anchored at startup time
func NewMonitor() *Monitor {
	return &Monitor{started: time.Now()}
}

// RecordSuccess records a successful bus transaction
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successCount++
	m.consecutiveErr = 0
	m.lastSuccess = time.Now()
}

// RecordError records a failed bus transaction
func (m *Monitor) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount++
	m.consecutiveErr++
	m.lastError = time.Now()
}

// Healthy reports whether the bus has seen a success recently. A gateway
// that has not polled yet is healthy until proven otherwise.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.successCount == 0 && m.errorCount == 0 {
		return true
	}
	if m.lastSuccess.IsZero() {
		return false
	}
	return time.Since(m.lastSuccess) < staleAfter
}

// Snapshot is the health document served on the API
type Snapshot struct {
	Healthy           bool   `json:"healthy"`
	UptimeSec         int64  `json:"uptime_sec"`
	SuccessCount      uint64 `json:"success_count"`
	ErrorCount        uint64 `json:"error_count"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastSuccess       string `json:"last_success,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Snapshot returns the current health state
func (m *Monitor) Snapshot() *Snapshot {
	healthy := m.Healthy()

	m.mu.RLock()
	defer m.mu.RUnlock()
	s := &Snapshot{
		Healthy:           healthy,
		UptimeSec:         int64(time.Since(m.started).Seconds()),
		SuccessCount:      m.successCount,
		ErrorCount:        m.errorCount,
		ConsecutiveErrors: m.consecutiveErr,
	}
	if !m.lastSuccess.IsZero() {
		s.LastSuccess = m.lastSuccess.UTC().Format(time.RFC3339)
	}
	if !m.lastError.IsZero() {
		s.LastError = m.lastError.UTC().Format(time.RFC3339)
	}
	return s
}
