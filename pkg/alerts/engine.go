package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"modbus-edge-gateway/pkg/errors"
	"modbus-edge-gateway/pkg/events"
	"modbus-edge-gateway/pkg/logger"
	"modbus-edge-gateway/pkg/normalize"
	"modbus-edge-gateway/pkg/storage"
)

const (
	// debounceWindow suppresses a re-raise of the same alert key
	debounceWindow = 60 * time.Second
	// offlineDeadline is how long a device stays silent before it alerts
	offlineDeadline = 30 * time.Second
	// watcherInterval paces the offline deadline checks
	watcherInterval = 10 * time.Second
)

// Store is the persistence surface the engine needs
type Store interface {
	InsertAlert(a *storage.Alert) error
	AcknowledgeAlert(id, reason string, auto bool) (*storage.Alert, error)
	GetActiveAlerts() ([]*storage.Alert, error)
}

// DeviceState is the view of one device the offline watcher walks
type DeviceState struct {
	UnitID   int
	Status   string
	LastSeen time.Time
}

// Engine evaluates measurements against thresholds, watches device
// silence deadlines and owns the active alert set
type Engine struct {
	store   Store
	events  *events.Bus
	devices func() []DeviceState

	mu         sync.Mutex
	active     map[string]string    // alert key -> alert id
	lastRaised map[string]time.Time // alert key -> last raise time
	now        func() time.Time
}

// NewEngine creates an alert engine
func NewEngine(store Store, evbus *events.Bus) *Engine {
	return &Engine{
		store:      store,
		events:     evbus,
		active:     make(map[string]string),
		lastRaised: make(map[string]time.Time),
		now:        time.Now,
	}
}

// SetDeviceSource wires the device snapshot the offline watcher iterates.
// Without it the watcher stays idle.
func (e *Engine) SetDeviceSource(fn func() []DeviceState) {
	e.devices = fn
}

func key(sensorID, code string, unitID int) string {
	if sensorID != "" {
		return sensorID + "|" + code
	}
	return fmt.Sprintf("UNIT_%d|%s", unitID, code)
}

// Restore rebuilds the active set from unacknowledged alerts in the store.
// Must run before the first evaluation after a restart.
func (e *Engine) Restore() error {
	alerts, err := e.store.GetActiveAlerts()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range alerts {
		e.active[key(a.SensorID, a.Code, a.UnitID)] = a.ID
	}
	logger.LogInfo("🚨 Alert engine restored %d active alerts", len(alerts))
	return nil
}

// ActiveCount returns the size of the active set
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// EvaluateMeasurement checks one reading against its thresholds. On a
// violation the measurement quality is escalated to ALARM and an alert is
// raised; back in range, any active threshold alert auto-resolves.
func (e *Engine) EvaluateMeasurement(unitID int, m *normalize.Measurement, lo, hi *float64) {
	if m.Quality == normalize.QualityErrorComms {
		return
	}

	switch {
	case hi != nil && m.Value > *hi:
		m.Quality = normalize.QualityAlarm
		e.raise(&storage.Alert{
			Level: storage.AlertLevelAlarm, Code: storage.AlertThresholdHi,
			SensorID: m.SensorID, UnitID: unitID,
			Message: fmt.Sprintf("%s %.2f %s exceeds high threshold %.2f %s", m.SensorID, m.Value, m.Unit, *hi, m.Unit),
			Value: &m.Value, Threshold: hi,
		})
	case lo != nil && m.Value < *lo:
		m.Quality = normalize.QualityAlarm
		e.raise(&storage.Alert{
			Level: storage.AlertLevelAlarm, Code: storage.AlertThresholdLo,
			SensorID: m.SensorID, UnitID: unitID,
			Message: fmt.Sprintf("%s %.2f %s below low threshold %.2f %s", m.SensorID, m.Value, m.Unit, *lo, m.Unit),
			Value: &m.Value, Threshold: lo,
		})
	default:
		e.resolve(key(m.SensorID, storage.AlertThresholdHi, unitID), "auto: value normalized")
		e.resolve(key(m.SensorID, storage.AlertThresholdLo, unitID), "auto: value normalized")
	}
}

// DeviceOnline auto-resolves an active offline alert for a recovered unit
func (e *Engine) DeviceOnline(unitID int) {
	e.resolve(key("", storage.AlertDeviceOffline, unitID), "auto: device online")
}

// RunWatcher periodically walks the device cache and alerts on units that
// have been silent past the deadline. Blocks until the context is
// cancelled.
func (e *Engine) RunWatcher(ctx context.Context) {
	ticker := time.NewTicker(watcherInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkDeadlines()
		}
	}
}

// checkDeadlines raises DEVICE_OFFLINE for every device whose last
// successful poll is older than the deadline, measured from LastSeen so
// a restored device that never answers still alerts.
func (e *Engine) checkDeadlines() {
	if e.devices == nil {
		return
	}
	now := e.now()
	for _, d := range e.devices() {
		if now.Sub(d.LastSeen) < offlineDeadline {
			continue
		}
		e.raise(&storage.Alert{
			Level: storage.AlertLevelWarn, Code: storage.AlertDeviceOffline,
			UnitID:  d.UnitID,
			Message: fmt.Sprintf("unit %d silent for more than %s", d.UnitID, offlineDeadline),
		})
	}
}

// Acknowledge is the operator acknowledgement path
func (e *Engine) Acknowledge(id, reason string) (*storage.Alert, error) {
	a, err := e.store.AcknowledgeAlert(id, reason, false)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	k := key(a.SensorID, a.Code, a.UnitID)
	if e.active[k] == a.ID {
		delete(e.active, k)
	}
	e.mu.Unlock()

	e.publish(events.TypeAlertAcknowledged, map[string]interface{}{
		"id": a.ID, "auto": false, "reason": reason,
	})
	return a, nil
}

// raise persists and announces a new alert unless the key already has an
// active alert or was raised inside the debounce window
func (e *Engine) raise(a *storage.Alert) {
	k := key(a.SensorID, a.Code, a.UnitID)
	now := e.now()

	e.mu.Lock()
	if _, exists := e.active[k]; exists {
		e.mu.Unlock()
		return
	}
	if last, ok := e.lastRaised[k]; ok && now.Sub(last) < debounceWindow {
		e.mu.Unlock()
		return
	}
	a.ID = uuid.NewString()
	a.Time = now.UTC()
	e.active[k] = a.ID
	e.lastRaised[k] = now
	e.mu.Unlock()

	if err := e.store.InsertAlert(a); err != nil {
		errors.Handle(err)
	}
	logger.LogWarn("🚨 %s [%s] %s", a.Level, a.Code, a.Message)
	e.publish(events.TypeNewAlert, a)
}

// resolve auto-acknowledges the active alert of a key, if any
func (e *Engine) resolve(k, reason string) {
	e.mu.Lock()
	id, exists := e.active[k]
	if exists {
		delete(e.active, k)
	}
	e.mu.Unlock()
	if !exists {
		return
	}

	if _, err := e.store.AcknowledgeAlert(id, reason, true); err != nil {
		errors.Handle(err)
		return
	}
	logger.LogInfo("✅ Alert %s resolved (%s)", id, reason)
	e.publish(events.TypeAlertAcknowledged, map[string]interface{}{
		"id": id, "auto": true, "reason": reason,
	})
}

func (e *Engine) publish(eventType string, payload interface{}) {
	if e.events != nil {
		e.events.Publish(eventType, payload)
	}
}
