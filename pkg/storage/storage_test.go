package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"modbus-edge-gateway/pkg/devices"
	"modbus-edge-gateway/pkg/logger"
)

func init() {
	logger.Init(&logger.LoggingConfig{Level: logger.LogLevelError})
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func f64(v float64) *float64 { return &v }

func TestDeviceRoundTrip(t *testing.T) {
	s := openTestStore(t)

	seen := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	dev := &devices.Device{
		UnitID: 2, Alias: "Sensor-A", VendorID: 0x4C6F, ProductID: 1,
		VendorName: "LoRig", ProductName: "Tilt", HWVersion: "1.2", FWVersion: "2.3",
		Capabilities: 0x0003, Status: devices.StatusOnline, LastSeen: seen,
	}
	if err := s.UpsertDevice(dev); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	// Second upsert with changed alias must replace, not duplicate
	dev.Alias = "Sensor-B"
	if err := s.UpsertDevice(dev); err != nil {
		t.Fatalf("UpsertDevice update: %v", err)
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("Expected 1 device row, got %d", len(list))
	}
	got := list[0]
	if got.Alias != "Sensor-B" || got.VendorID != 0x4C6F || got.HWVersion != "1.2" {
		t.Errorf("Round trip mismatch: %+v", got)
	}
	if !got.LastSeen.Equal(seen) {
		t.Errorf("LastSeen mismatch: %v vs %v", got.LastSeen, seen)
	}
	if len(got.CapabilityNames) != 2 {
		t.Errorf("Capability names not rebuilt: %v", got.CapabilityNames)
	}
}

func TestSensorsAndDeviceDelete(t *testing.T) {
	s := openTestStore(t)

	for unit := 2; unit <= 3; unit++ {
		if err := s.UpsertDevice(&devices.Device{UnitID: unit, Status: devices.StatusOnline}); err != nil {
			t.Fatalf("UpsertDevice: %v", err)
		}
	}
	sensors := []*devices.Sensor{
		{SensorID: "UNIT_2_TILT_X", UnitID: 2, Type: "tilt", Unit: "deg", AlarmLo: f64(-5), AlarmHi: f64(5)},
		{SensorID: "UNIT_2_TEMP", UnitID: 2, Type: "temperature", Unit: "C", Register: 2},
		{SensorID: "UNIT_3_LOAD", UnitID: 3, Type: "load", Unit: "kg", Register: 12},
	}
	for _, sensor := range sensors {
		if err := s.UpsertSensor(sensor); err != nil {
			t.Fatalf("UpsertSensor: %v", err)
		}
	}

	got, err := s.ListSensors(2)
	if err != nil {
		t.Fatalf("ListSensors: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 sensors for unit 2, got %d", len(got))
	}
	if got[1].AlarmHi == nil || *got[1].AlarmHi != 5 {
		t.Errorf("AlarmHi not preserved: %+v", got[1])
	}
	if got[0].AlarmHi != nil {
		t.Errorf("Expected nil threshold for temperature row without one: %+v", got[0])
	}

	all, err := s.ListSensors(0)
	if err != nil {
		t.Fatalf("ListSensors all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 sensors total, got %d", len(all))
	}

	if err := s.DeleteDevice(2); err != nil {
		t.Fatalf("DeleteDevice: %v", err)
	}
	remaining, _ := s.ListSensors(0)
	if len(remaining) != 1 || remaining[0].UnitID != 3 {
		t.Errorf("Delete must cascade to sensors: %+v", remaining)
	}
	devs, _ := s.ListDevices()
	if len(devs) != 1 {
		t.Errorf("Expected 1 device after delete, got %d", len(devs))
	}
}

func TestMeasurementHistory(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	var batch []*Measurement
	for i := 0; i < 5; i++ {
		batch = append(batch, &Measurement{
			SensorID: "UNIT_2_TILT_X", Time: base.Add(time.Duration(i) * time.Minute),
			Value: float64(i), Unit: "deg", Quality: "OK",
		})
	}
	batch = append(batch, &Measurement{SensorID: "UNIT_3_LOAD", Time: base, Value: 100, Unit: "kg", Quality: "OK"})
	if err := s.InsertMeasurements(batch); err != nil {
		t.Fatalf("InsertMeasurements: %v", err)
	}
	for _, m := range batch {
		if m.ID == 0 {
			t.Fatalf("Insert did not assign row id: %+v", m)
		}
	}

	// Window starting at minute 2 for one sensor, newest first
	got, err := s.GetMeasurements("UNIT_2_TILT_X", base.Add(2*time.Minute), time.Time{}, 100)
	if err != nil {
		t.Fatalf("GetMeasurements: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 readings, got %d", len(got))
	}
	if got[0].Value != 4 || got[2].Value != 2 {
		t.Errorf("Expected newest-first 4..2, got %v..%v", got[0].Value, got[2].Value)
	}

	// Closed window [minute 1, minute 3]
	window, _ := s.GetMeasurements("UNIT_2_TILT_X", base.Add(time.Minute), base.Add(3*time.Minute), 100)
	if len(window) != 3 || window[0].Value != 3 || window[2].Value != 1 {
		t.Errorf("Upper bound not applied: %+v", window)
	}

	limited, _ := s.GetMeasurements("UNIT_2_TILT_X", base, time.Time{}, 2)
	if len(limited) != 2 {
		t.Errorf("Limit not applied: got %d", len(limited))
	}
}

func TestUnsentForwardingQueue(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	batch := []*Measurement{
		{SensorID: "UNIT_2_TILT_X", Time: base, Value: 1, Quality: "OK"},
		{SensorID: "UNIT_2_TILT_X", Time: base.Add(time.Minute), Value: 2, Quality: "OK"},
	}
	if err := s.InsertMeasurements(batch); err != nil {
		t.Fatalf("InsertMeasurements: %v", err)
	}

	unsent, err := s.GetUnsentMeasurements(10)
	if err != nil {
		t.Fatalf("GetUnsentMeasurements: %v", err)
	}
	if len(unsent) != 2 || !unsent[0].Time.Before(unsent[1].Time) {
		t.Fatalf("Expected 2 unsent oldest-first, got %+v", unsent)
	}

	if err := s.MarkSent([]int64{unsent[0].ID}); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	unsent, _ = s.GetUnsentMeasurements(10)
	if len(unsent) != 1 || unsent[0].Value != 2 {
		t.Errorf("Expected only the second reading unsent, got %+v", unsent)
	}
}

func TestAlertLifecycle(t *testing.T) {
	s := openTestStore(t)

	id := uuid.NewString()
	alert := &Alert{
		ID: id, Time: time.Now().UTC(), Level: AlertLevelAlarm, Code: AlertThresholdHi,
		SensorID: "UNIT_2_TILT_X", UnitID: 2,
		Message: "TILT_X 6.20 deg exceeds 5.00 deg", Value: f64(6.2), Threshold: f64(5),
	}
	if err := s.InsertAlert(alert); err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}
	if err := s.InsertAlert(&Alert{
		ID: uuid.NewString(), Time: time.Now().UTC(), Level: AlertLevelWarn,
		Code: AlertDeviceOffline, UnitID: 3, Message: "unit 3 offline",
	}); err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}

	active, err := s.GetActiveAlerts()
	if err != nil {
		t.Fatalf("GetActiveAlerts: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("Expected 2 active alerts, got %d", len(active))
	}

	alarmsOnly, _ := s.GetAlerts(AlertFilter{Level: AlertLevelAlarm})
	if len(alarmsOnly) != 1 || alarmsOnly[0].Code != AlertThresholdHi {
		t.Errorf("Level filter failed: %+v", alarmsOnly)
	}

	acked, err := s.AcknowledgeAlert(id, "auto: value normalized", true)
	if err != nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}
	if !acked.Ack || !acked.AutoAck || acked.AckReason != "auto: value normalized" || acked.AckAt == nil {
		t.Errorf("Acknowledge fields wrong: %+v", acked)
	}

	// Second acknowledge of the same id is a no-op returning the row
	again, err := s.AcknowledgeAlert(id, "operator", false)
	if err != nil {
		t.Fatalf("Second AcknowledgeAlert: %v", err)
	}
	if again.AckReason != "auto: value normalized" {
		t.Errorf("Second acknowledge must not rewrite the reason: %q", again.AckReason)
	}

	if _, err := s.AcknowledgeAlert("no-such-id", "", false); err == nil {
		t.Error("Expected error for unknown alert id")
	}

	unacked := false
	pending, _ := s.GetAlerts(AlertFilter{Ack: &unacked})
	if len(pending) != 1 || pending[0].Code != AlertDeviceOffline {
		t.Errorf("Ack filter failed: %+v", pending)
	}
}

func TestCleanupAndStats(t *testing.T) {
	s := openTestStore(t)

	old := time.Now().UTC().Add(-48 * time.Hour)
	fresh := time.Now().UTC()
	if err := s.InsertMeasurements([]*Measurement{
		{SensorID: "UNIT_2_TILT_X", Time: old, Value: 1, Quality: "OK"},
		{SensorID: "UNIT_2_TILT_X", Time: fresh, Value: 2, Quality: "OK"},
	}); err != nil {
		t.Fatalf("InsertMeasurements: %v", err)
	}

	oldAcked := uuid.NewString()
	s.InsertAlert(&Alert{ID: oldAcked, Time: old, Level: AlertLevelAlarm, Code: AlertThresholdHi, UnitID: 2})
	s.AcknowledgeAlert(oldAcked, "operator", false)
	s.InsertAlert(&Alert{ID: uuid.NewString(), Time: old, Level: AlertLevelWarn, Code: AlertDeviceOffline, UnitID: 3})

	removed, err := s.CleanupOlderThan(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("CleanupOlderThan: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 old reading removed, got %d", removed)
	}

	// Alerts survive retention regardless of age or acknowledgement
	active, _ := s.GetActiveAlerts()
	if len(active) != 1 {
		t.Errorf("Active alert must survive cleanup, got %d", len(active))
	}

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Measurements != 1 || stats.Alerts != 2 || stats.ActiveAlerts != 1 {
		t.Errorf("Stats mismatch: %+v", stats)
	}
}
