package devices

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"modbus-edge-gateway/pkg/config"
	"modbus-edge-gateway/pkg/errors"
	"modbus-edge-gateway/pkg/events"
	"modbus-edge-gateway/pkg/logger"
	"modbus-edge-gateway/pkg/modbus"
	"modbus-edge-gateway/pkg/normalize"
)

// identityWords is the size of the identity block at RegVendorID
const identityWords = 10

// discoveryRetries is how many extra probe attempts a silent candidate gets
const discoveryRetries = 1

// Manager is the authoritative device cache and the executor for
// operator-initiated device commands
type Manager struct {
	bus    modbus.Bus
	cfg    *config.ModbusConfig
	store  Store
	events *events.Bus

	mu      sync.RWMutex
	devices map[int]*Device

	discoverMu  sync.Mutex
	discovering bool
}

// NewManager creates a device manager on top of the bus
func NewManager(bus modbus.Bus, cfg *config.ModbusConfig, store Store, evbus *events.Bus) *Manager {
	return &Manager{
		bus:     bus,
		cfg:     cfg,
		store:   store,
		events:  evbus,
		devices: make(map[int]*Device),
	}
}

func (m *Manager) publish(eventType string, payload interface{}) {
	if m.events != nil {
		m.events.Publish(eventType, payload)
	}
}

// commandFailed reports a failed operator command on the event bus so
// connected clients learn the offending unit
func (m *Manager) commandFailed(op string, unitID int, err error) {
	m.publish(events.TypeError, map[string]interface{}{
		"unit_id": unitID, "operation": op, "error": err.Error(),
	})
}

// Snapshot returns a cloned, unit-id ordered view of the cache
func (m *Manager) Snapshot() []*Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out
}

// Get returns a clone of one cached device
func (m *Manager) Get(unitID int) (*Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[unitID]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Restore seeds the cache from persisted devices at startup. Restored
// devices start in unknown status until the first poll decides.
func (m *Manager) Restore(persisted []*Device) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range persisted {
		c := d.Clone()
		c.Status = StatusUnknown
		c.ConsecutiveErrors = 0
		m.devices[c.UnitID] = c
	}
	logger.LogInfo("📋 Device cache restored: %d devices", len(m.devices))
}

// DiscoveryResult summarizes one discovery scan
type DiscoveryResult struct {
	Found      []*Device `json:"found"`
	Scanned    int       `json:"scanned"`
	DurationMs int64     `json:"duration_ms"`
}

// Discover scans the closed unit-id range with a short vendor-id probe and
// reads the full identity of every responding unit. Found devices are
// upserted into the cache and persisted together with their sensors.
func (m *Manager) Discover(ctx context.Context, minID, maxID int) (*DiscoveryResult, error) {
	if minID < 1 || maxID > 247 || minID > maxID {
		return nil, errors.NewValidationError("unit_id_range", "1 <= min <= max <= 247", fmt.Sprintf("%d..%d", minID, maxID))
	}

	m.discoverMu.Lock()
	if m.discovering {
		m.discoverMu.Unlock()
		return nil, errors.NewValidationError("discovery", "idle", "already running")
	}
	m.discovering = true
	m.discoverMu.Unlock()
	defer func() {
		m.discoverMu.Lock()
		m.discovering = false
		m.discoverMu.Unlock()
	}()

	start := time.Now()
	total := maxID - minID + 1
	result := &DiscoveryResult{Scanned: total}

	logger.LogInfo("🔍 Discovery scan %d..%d starting", minID, maxID)

	for unit := minID; unit <= maxID; unit++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		scanned := unit - minID + 1
		if !m.probe(ctx, byte(unit)) {
			m.publish(events.TypeDiscoveryProgress, map[string]interface{}{
				"unit_id": unit, "scanned": scanned, "total": total, "found": len(result.Found),
			})
			continue
		}

		dev, err := m.readIdentity(ctx, byte(unit))
		if err != nil {
			logger.LogWarn("Unit %d probe ok but identity read failed: %v", unit, err)
			continue
		}

		m.adopt(dev)
		result.Found = append(result.Found, dev.Clone())
		logger.LogInfo("✅ Discovered unit %d: %s %s fw %s caps %v",
			dev.UnitID, dev.VendorName, dev.ProductName, dev.FWVersion, dev.CapabilityNames)

		m.publish(events.TypeDeviceOnline, map[string]interface{}{"unit_id": dev.UnitID})
		m.publish(events.TypeDiscoveryProgress, map[string]interface{}{
			"unit_id": unit, "scanned": scanned, "total": total, "found": len(result.Found),
		})
	}

	result.DurationMs = time.Since(start).Milliseconds()
	m.publish(events.TypeDiscoveryComplete, map[string]interface{}{
		"found": len(result.Found), "scanned": total, "duration_ms": result.DurationMs,
	})
	logger.LogInfo("🔍 Discovery finished: %d found in %d ms", len(result.Found), result.DurationMs)
	return result, nil
}

// Discovering reports whether a scan is in progress
func (m *Manager) Discovering() bool {
	m.discoverMu.Lock()
	defer m.discoverMu.Unlock()
	return m.discovering
}

// probe reads the vendor-id register with the short discovery timeout.
// Any unit that answers is adopted; the vendor word is recorded as-is.
func (m *Manager) probe(ctx context.Context, unitID byte) bool {
	for attempt := 0; attempt <= discoveryRetries; attempt++ {
		words, err := m.bus.ReadHoldingRegisters(ctx, unitID, modbus.RegVendorID, 1, m.cfg.DiscoveryTimeout())
		if err == nil && len(words) == 1 {
			return true
		}
	}
	return false
}

// readIdentity reads the identity block, the extended name strings and
// the alias of one unit
func (m *Manager) readIdentity(ctx context.Context, unitID byte) (*Device, error) {
	regs, err := m.bus.ReadHoldingRegisters(ctx, unitID, modbus.RegVendorID, identityWords, m.cfg.Timeout())
	if err != nil {
		return nil, err
	}

	dev := &Device{
		UnitID:          int(unitID),
		VendorID:        regs[modbus.RegVendorID],
		ProductID:       regs[modbus.RegProductID],
		HWVersion:       versionString(regs[modbus.RegHWVersion]),
		FWVersion:       versionString(regs[modbus.RegFWVersion]),
		Capabilities:    regs[modbus.RegCapabilities],
		UptimeSec:       uint32(regs[modbus.RegUptimeHi])<<16 | uint32(regs[modbus.RegUptimeLo]),
		StatusBits:      regs[modbus.RegStatusBits],
		ErrorBits:       regs[modbus.RegErrorBits],
		Status:          StatusOnline,
		LastSeen:        time.Now().UTC(),
		CapabilityNames: CapabilityNames(regs[modbus.RegCapabilities]),
	}

	// Extended ASCII names and the alias are best-effort reads
	if words, err := m.bus.ReadHoldingRegisters(ctx, unitID, modbus.RegVendorStringLen, 5, m.cfg.Timeout()); err == nil {
		dev.VendorName = unpackString(words)
	}
	if words, err := m.bus.ReadHoldingRegisters(ctx, unitID, modbus.RegProductStrLen, 5, m.cfg.Timeout()); err == nil {
		dev.ProductName = unpackString(words)
	}
	if words, err := m.bus.ReadHoldingRegisters(ctx, unitID, modbus.RegAliasLen, 1+modbus.AliasDataWords, m.cfg.Timeout()); err == nil {
		dev.Alias = UnpackAlias(words)
	}

	return dev, nil
}

// adopt inserts a discovered device into the cache and persists it with
// its capability-implied sensors
func (m *Manager) adopt(dev *Device) {
	m.mu.Lock()
	if existing, ok := m.devices[dev.UnitID]; ok {
		// Preserve operator state that identity reads do not carry
		dev.PollIntervalSec = existing.PollIntervalSec
		dev.RigID = existing.RigID
	}
	m.devices[dev.UnitID] = dev.Clone()
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	if err := m.store.UpsertDevice(dev); err != nil {
		errors.Handle(errors.NewStorageError("upsert device", err, "devices"))
	}
	for _, ch := range normalize.ChannelsFor(dev.Capabilities) {
		sensor := &Sensor{
			SensorID: normalize.SensorID(dev.UnitID, ch.Name),
			UnitID:   dev.UnitID,
			Type:     ch.Type,
			Unit:     ch.Unit,
			Register: ch.Register,
			AlarmLo:  ch.AlarmLo,
			AlarmHi:  ch.AlarmHi,
		}
		if err := m.store.UpsertSensor(sensor); err != nil {
			errors.Handle(errors.NewStorageError("upsert sensor", err, "sensors"))
		}
	}
}

// Identify blinks the locate LED of one device for the given duration
func (m *Manager) Identify(ctx context.Context, unitID, seconds int) error {
	if unitID == modbus.BroadcastUnitID {
		return errors.NewValidationError("unit_id", "1..247", unitID)
	}
	if seconds < 0 || seconds > 600 {
		return errors.NewValidationError("duration_sec", "0..600", seconds)
	}
	if _, ok := m.Get(unitID); !ok {
		return errors.NewValidationError("unit_id", "known device", unitID)
	}

	err := m.bus.WriteSingleRegister(ctx, byte(unitID), modbus.RegIdentifySeconds, uint16(seconds), m.cfg.Timeout())
	if err != nil {
		m.commandFailed("identify", unitID, err)
		return errors.NewModbusError("identify", err, uint8(unitID))
	}
	logger.LogInfo("💡 Unit %d identify for %d s", unitID, seconds)
	return nil
}

// SetAlias writes a new alias and commits it to the slave EEPROM. The
// cache is only updated when both writes succeed.
func (m *Manager) SetAlias(ctx context.Context, unitID int, alias string) error {
	if err := ValidateAlias(alias); err != nil {
		return err
	}
	if _, ok := m.Get(unitID); !ok {
		return errors.NewValidationError("unit_id", "known device", unitID)
	}

	block := PackAlias(alias)
	if err := m.bus.WriteMultipleRegisters(ctx, byte(unitID), modbus.RegAliasLen, block, m.cfg.Timeout()); err != nil {
		m.commandFailed("set alias", unitID, err)
		return errors.NewModbusError("write alias block", err, uint8(unitID))
	}
	if err := m.saveEEPROM(ctx, byte(unitID)); err != nil {
		m.commandFailed("set alias", unitID, err)
		return err
	}

	var snapshot *Device
	m.mu.Lock()
	if dev := m.devices[unitID]; dev != nil {
		dev.Alias = alias
		snapshot = dev.Clone()
	}
	m.mu.Unlock()

	if m.store != nil && snapshot != nil {
		if err := m.store.UpsertDevice(snapshot); err != nil {
			errors.Handle(errors.NewStorageError("upsert device", err, "devices"))
		}
	}
	logger.LogInfo("✏️ Unit %d alias set to %q", unitID, alias)
	return nil
}

// SetUnitID reassigns the bus address of a device and commits it to
// EEPROM. The cache re-keys the device; a re-discovery is advisable.
func (m *Manager) SetUnitID(ctx context.Context, unitID, newUnitID int) error {
	if newUnitID < 1 || newUnitID > 247 {
		return errors.NewValidationError("new_unit_id", "1..247", newUnitID)
	}
	if newUnitID == unitID {
		return errors.NewValidationError("new_unit_id", "different unit id", newUnitID)
	}
	if _, ok := m.Get(unitID); !ok {
		return errors.NewValidationError("unit_id", "known device", unitID)
	}
	if _, taken := m.Get(newUnitID); taken {
		return errors.NewValidationError("new_unit_id", "unused unit id", newUnitID)
	}

	if err := m.bus.WriteSingleRegister(ctx, byte(unitID), modbus.RegUnitIDConfig, uint16(newUnitID), m.cfg.Timeout()); err != nil {
		m.commandFailed("set unit id", unitID, err)
		return errors.NewModbusError("write unit id", err, uint8(unitID))
	}
	if err := m.saveEEPROM(ctx, byte(unitID)); err != nil {
		m.commandFailed("set unit id", unitID, err)
		return err
	}

	var snapshot *Device
	m.mu.Lock()
	if dev := m.devices[unitID]; dev != nil {
		delete(m.devices, unitID)
		dev.UnitID = newUnitID
		m.devices[newUnitID] = dev
		snapshot = dev.Clone()
	}
	m.mu.Unlock()

	if m.store != nil && snapshot != nil {
		if err := m.store.DeleteDevice(unitID); err != nil {
			errors.Handle(errors.NewStorageError("delete device", err, "devices"))
		}
		if err := m.store.UpsertDevice(snapshot); err != nil {
			errors.Handle(errors.NewStorageError("upsert device", err, "devices"))
		}
	}
	logger.LogInfo("🔀 Unit %d re-addressed to %d", unitID, newUnitID)
	return nil
}

func (m *Manager) saveEEPROM(ctx context.Context, unitID byte) error {
	if err := m.bus.WriteSingleRegister(ctx, unitID, modbus.RegSaveEEPROM, modbus.EEPROMSaveMagic, m.cfg.Timeout()); err != nil {
		return errors.NewModbusError("save to EEPROM", err, unitID)
	}
	return nil
}

// Diagnostics is the on-device counter block
type Diagnostics struct {
	RxFrames    uint16 `json:"rx_frames"`
	RxCRCErrors uint16 `json:"rx_crc_errors"`
	RxOverruns  uint16 `json:"rx_overruns"`
	TxFrames    uint16 `json:"tx_frames"`
	Exceptions  uint16 `json:"exceptions"`
	Restarts    uint16 `json:"restarts"`
}

// ReadDiagnostics reads the diagnostics counter block of one device
func (m *Manager) ReadDiagnostics(ctx context.Context, unitID int) (*Diagnostics, error) {
	if _, ok := m.Get(unitID); !ok {
		return nil, errors.NewValidationError("unit_id", "known device", unitID)
	}

	regs, err := m.bus.ReadHoldingRegisters(ctx, byte(unitID), modbus.RegDiagnostics, modbus.DiagnosticsWords, m.cfg.Timeout())
	if err != nil {
		m.commandFailed("read diagnostics", unitID, err)
		return nil, errors.NewModbusError("read diagnostics", err, uint8(unitID))
	}

	return &Diagnostics{
		RxFrames:    regs[0],
		RxCRCErrors: regs[1],
		RxOverruns:  regs[2],
		TxFrames:    regs[3],
		Exceptions:  regs[4],
		Restarts:    regs[5],
	}, nil
}

// StatusUpdate records one poll outcome for a device and emits the
// online/offline transition events, exactly once per transition. The
// transition event type is returned, empty when nothing changed.
func (m *Manager) StatusUpdate(unitID int, outcome Outcome) string {
	var transition string

	m.mu.Lock()
	dev, ok := m.devices[unitID]
	if !ok {
		m.mu.Unlock()
		return ""
	}

	if outcome == OutcomeOK {
		dev.LastSeen = time.Now().UTC()
		dev.ConsecutiveErrors = 0
		if dev.Status != StatusOnline {
			dev.Status = StatusOnline
			transition = events.TypeDeviceOnline
		}
	} else {
		dev.ConsecutiveErrors++
		if dev.ConsecutiveErrors == offlineThreshold && dev.Status == StatusOnline {
			dev.Status = StatusOffline
			transition = events.TypeDeviceOffline
		}
	}
	m.mu.Unlock()

	if transition != "" {
		if transition == events.TypeDeviceOnline {
			logger.LogInfo("🟢 Unit %d online", unitID)
		} else {
			logger.LogWarn("🔴 Unit %d offline after %d consecutive errors", unitID, offlineThreshold)
		}
		m.publish(transition, map[string]interface{}{"unit_id": unitID})
	}
	return transition
}
