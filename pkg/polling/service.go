package polling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"modbus-edge-gateway/pkg/config"
	"modbus-edge-gateway/pkg/devices"
	"modbus-edge-gateway/pkg/errors"
	"modbus-edge-gateway/pkg/events"
	"modbus-edge-gateway/pkg/health"
	"modbus-edge-gateway/pkg/logger"
	"modbus-edge-gateway/pkg/modbus"
	"modbus-edge-gateway/pkg/normalize"
	"modbus-edge-gateway/pkg/storage"
)

// readRetries is how many extra attempts a failed telemetry read gets
// inside one cycle
const readRetries = 1

// summaryInterval paces the periodic cycle summary log
const summaryInterval = 30 * time.Second

// MeasurementStore persists normalized readings
type MeasurementStore interface {
	InsertMeasurements(batch []*storage.Measurement) error
	ListSensors(unitID int) ([]*devices.Sensor, error)
}

// AlertSink receives readings and recovery notifications for evaluation.
// Offline detection lives in the sink's own watcher, anchored on the
// device cache's last-seen times.
type AlertSink interface {
	EvaluateMeasurement(unitID int, m *normalize.Measurement, lo, hi *float64)
	DeviceOnline(unitID int)
}

type threshold struct {
	lo, hi *float64
}

// Service drives the telemetry poll cycle over all known devices
type Service struct {
	bus       modbus.Bus
	cfg       *config.PollingConfig
	modbusCfg *config.ModbusConfig
	manager   *devices.Manager
	store     MeasurementStore
	alerts    AlertSink
	events    *events.Bus
	health    *health.Monitor

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	selection map[int]struct{}
	interval  time.Duration
	rejected  map[int]bool // units that answered illegal function to the telemetry read

	polls      atomic.Uint64
	readErrors atomic.Uint64
	lastCycle  atomic.Int64 // unix millis
	lastTook   atomic.Int64 // millis
}

// NewService creates the polling service
func NewService(bus modbus.Bus, cfg *config.PollingConfig, modbusCfg *config.ModbusConfig,
	manager *devices.Manager, store MeasurementStore, sink AlertSink, evbus *events.Bus) *Service {
	return &Service{
		bus:       bus,
		cfg:       cfg,
		modbusCfg: modbusCfg,
		manager:   manager,
		store:     store,
		alerts:    sink,
		events:    evbus,
	}
}

// SetHealthMonitor wires the bus health monitor. Optional.
func (s *Service) SetHealthMonitor(m *health.Monitor) {
	s.health = m
}

// Start launches the poll loop over the selected units at the given
// interval. An empty selection means every known device; a zero interval
// means the configured one. Starting while already running replaces the
// previous selection and interval.
func (s *Service) Start(unitIDs []int, interval time.Duration) error {
	s.mu.Lock()
	if s.running {
		cancel, done := s.cancel, s.done
		s.running = false
		s.mu.Unlock()
		cancel()
		<-done
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	if interval <= 0 {
		interval = s.cfg.Interval()
	}
	s.interval = interval
	s.rejected = nil
	s.selection = nil
	if len(unitIDs) > 0 {
		s.selection = make(map[int]struct{}, len(unitIDs))
		for _, id := range unitIDs {
			s.selection[id] = struct{}{}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx, s.done, interval)
	logger.LogInfo("▶️ Polling started, interval %.1f s", interval.Seconds())
	return nil
}

// Stop halts the poll loop and waits for the current cycle to finish.
// Returns an error when not running.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.NewValidationError("polling", "running", "not running")
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	logger.LogInfo("⏹️ Polling stopped")
	return nil
}

// Running reports whether the loop is active
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status is the polling state exposed on the API
type Status struct {
	Running     bool    `json:"running"`
	IntervalSec float64 `json:"interval_sec"`
	Devices     int     `json:"devices"`
	Cycles      uint64  `json:"cycles"`
	ReadErrors  uint64  `json:"read_errors"`
	LastCycle   string  `json:"last_cycle,omitempty"`
	LastTookMs  int64   `json:"last_took_ms"`
}

// Status returns a snapshot of the loop state
func (s *Service) Status() *Status {
	s.mu.Lock()
	interval := s.interval
	selected := len(s.selection)
	running := s.running
	s.mu.Unlock()
	if interval <= 0 {
		interval = s.cfg.Interval()
	}
	if selected == 0 {
		selected = len(s.manager.Snapshot())
	}

	st := &Status{
		Running:     running,
		IntervalSec: interval.Seconds(),
		Devices:     selected,
		Cycles:      s.polls.Load(),
		ReadErrors:  s.readErrors.Load(),
		LastTookMs:  s.lastTook.Load(),
	}
	if ms := s.lastCycle.Load(); ms > 0 {
		st.LastCycle = time.UnixMilli(ms).UTC().Format(time.RFC3339)
	}
	return st
}

// run is the poll loop. One cycle runs to completion before the next
// tick is considered, so cycles never pile up.
func (s *Service) run(ctx context.Context, done chan struct{}, interval time.Duration) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	summary := time.NewTicker(summaryInterval)
	defer summary.Stop()

	s.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-summary.C:
			logger.LogInfo("📊 Polling: %d cycles, %d read errors, last cycle %d ms",
				s.polls.Load(), s.readErrors.Load(), s.lastTook.Load())
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

// cycle polls every selected device once, in unit-id order
func (s *Service) cycle(ctx context.Context) {
	start := time.Now()
	thresholds := s.loadThresholds()

	s.mu.Lock()
	selection := s.selection
	s.mu.Unlock()

	for _, dev := range s.manager.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		if selection != nil {
			if _, ok := selection[dev.UnitID]; !ok {
				continue
			}
		}
		s.mu.Lock()
		rejected := s.rejected[dev.UnitID]
		s.mu.Unlock()
		if rejected {
			continue
		}
		s.pollDevice(ctx, dev, thresholds)

		if delay := s.modbusCfg.InterFrameDelay(); delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}

	s.polls.Add(1)
	s.lastCycle.Store(start.UnixMilli())
	s.lastTook.Store(time.Since(start).Milliseconds())
}

func (s *Service) pollDevice(ctx context.Context, dev *devices.Device, thresholds map[string]threshold) {
	words := normalize.TelemetryBlockWords(dev.Capabilities)

	var regs []uint16
	var err error
	for attempt := 0; attempt <= readRetries; attempt++ {
		regs, err = s.bus.ReadInputRegisters(ctx, byte(dev.UnitID), 0, words, s.modbusCfg.Timeout())
		if err == nil {
			break
		}
		// A slave-reported exception is deterministic; repeating the
		// same request cannot change the answer
		if _, ok := modbus.AsException(err); ok {
			break
		}
	}
	if exc, ok := modbus.AsException(err); ok && exc.Code == modbus.ExceptionIllegalFunction {
		s.mu.Lock()
		if s.rejected == nil {
			s.rejected = make(map[int]bool)
		}
		if !s.rejected[dev.UnitID] {
			s.rejected[dev.UnitID] = true
			logger.LogWarn("Unit %d rejects the telemetry read (illegal function), excluding it until the next polling start", dev.UnitID)
		}
		s.mu.Unlock()
	}

	if s.manager.StatusUpdate(dev.UnitID, devices.OutcomeFromError(err)) == events.TypeDeviceOnline {
		s.alerts.DeviceOnline(dev.UnitID)
	}

	if err != nil {
		s.readErrors.Add(1)
		if s.health != nil {
			s.health.RecordError()
		}
		logger.LogDebug("Unit %d telemetry read failed: %v", dev.UnitID, err)
		return
	}
	if s.health != nil {
		s.health.RecordSuccess()
	}

	sample, err := normalize.Decode(dev.UnitID, dev.Capabilities, regs, time.Now())
	if err != nil {
		s.readErrors.Add(1)
		logger.LogWarn("Unit %d telemetry decode failed: %v", dev.UnitID, err)
		return
	}

	// Threshold evaluation runs before persistence so violating readings
	// are stored with their escalated quality
	for i := range sample.Measurements {
		m := &sample.Measurements[i]
		th := thresholds[m.SensorID]
		s.alerts.EvaluateMeasurement(dev.UnitID, m, th.lo, th.hi)
		if m.Quality == normalize.QualityAlarm && sample.Quality != normalize.QualityErrorComms {
			sample.Quality = normalize.QualityAlarm
		}
	}

	batch := make([]*storage.Measurement, 0, len(sample.Measurements))
	for _, m := range sample.Measurements {
		batch = append(batch, &storage.Measurement{
			SensorID: m.SensorID,
			Time:     sample.Timestamp,
			Type:     m.Type,
			Value:    m.Value,
			Unit:     m.Unit,
			Quality:  m.Quality,
		})
	}
	if err := s.store.InsertMeasurements(batch); err != nil {
		errors.Handle(err)
	}

	s.events.Publish(events.TypeTelemetry, sample)
}

// loadThresholds merges stored sensor rows over the capability defaults.
// Operator-edited limits live in the sensors table.
func (s *Service) loadThresholds() map[string]threshold {
	out := make(map[string]threshold)
	sensors, err := s.store.ListSensors(0)
	if err != nil {
		errors.Handle(err)
		return out
	}
	for _, sensor := range sensors {
		out[sensor.SensorID] = threshold{lo: sensor.AlarmLo, hi: sensor.AlarmHi}
	}
	return out
}
