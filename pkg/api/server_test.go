package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"modbus-edge-gateway/pkg/alerts"
	"modbus-edge-gateway/pkg/config"
	"modbus-edge-gateway/pkg/devices"
	"modbus-edge-gateway/pkg/events"
	"modbus-edge-gateway/pkg/health"
	"modbus-edge-gateway/pkg/logger"
	"modbus-edge-gateway/pkg/metrics"
	"modbus-edge-gateway/pkg/modbus"
	"modbus-edge-gateway/pkg/polling"
	"modbus-edge-gateway/pkg/storage"
	"modbus-edge-gateway/pkg/ws"
)

func init() {
	logger.Init(&logger.LoggingConfig{Level: logger.LogLevelError})
}

// fakeBus serves identity blocks for canned units
type fakeBus struct {
	mu     sync.Mutex
	slaves map[byte]map[uint16]uint16
}

func newFakeBus(units ...byte) *fakeBus {
	f := &fakeBus{slaves: map[byte]map[uint16]uint16{}}
	for _, unit := range units {
		f.slaves[unit] = map[uint16]uint16{
			modbus.RegVendorID:     0x5446,
			modbus.RegProductID:    1,
			modbus.RegHWVersion:    0x0101,
			modbus.RegFWVersion:    0x0100,
			modbus.RegUnitIDEcho:   uint16(unit),
			modbus.RegCapabilities: modbus.CapRS485 | modbus.CapMPU6050,
		}
	}
	return f
}

func (f *fakeBus) Request(ctx context.Context, req modbus.Request) ([]byte, error) {
	return nil, nil
}

func (f *fakeBus) ReadHoldingRegisters(ctx context.Context, unitID byte, addr, count uint16, timeout time.Duration) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	regs, ok := f.slaves[unitID]
	if !ok {
		return nil, modbus.ErrTimeout
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = regs[addr+uint16(i)]
	}
	return out, nil
}

func (f *fakeBus) ReadInputRegisters(ctx context.Context, unitID byte, addr, count uint16, timeout time.Duration) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.slaves[unitID]; !ok {
		return nil, modbus.ErrTimeout
	}
	return make([]uint16, count), nil
}

func (f *fakeBus) WriteSingleRegister(ctx context.Context, unitID byte, addr, value uint16, timeout time.Duration) error {
	return nil
}

func (f *fakeBus) WriteMultipleRegisters(ctx context.Context, unitID byte, addr uint16, values []uint16, timeout time.Duration) error {
	return nil
}

func (f *fakeBus) PortName() string { return "/dev/ttyUSB0" }
func (f *fakeBus) BaudRate() int { return 115200 }
func (f *fakeBus) Connected() bool { return true }
func (f *fakeBus) Stats() modbus.Stats { return modbus.Stats{TxFrames: 5, RxFrames: 5} }

type testEnv struct {
	srv    *httptest.Server
	store  *storage.Store
	engine *alerts.Engine
	bus    *fakeBus
}

func newTestEnv(t *testing.T, units ...byte) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Modbus.TimeoutSec = 0.05
	cfg.Modbus.DiscoveryTimeoutSec = 0.02
	cfg.Polling.IntervalSec = 0.05

	store, err := storage.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}

	bus := newFakeBus(units...)
	evbus := events.NewBus(64)
	manager := devices.NewManager(bus, &cfg.Modbus, store, evbus)
	engine := alerts.NewEngine(store, evbus)
	poller := polling.NewService(bus, &cfg.Polling, &cfg.Modbus, manager, store, engine, evbus)
	monitor := health.NewMonitor()
	poller.SetHealthMonitor(monitor)
	collector := metrics.NewCollector()
	collector.SetBusStats(bus.Stats)
	hub := ws.NewHub(evbus)

	server := NewServer(cfg, Deps{
		Bus:       bus,
		Manager:   manager,
		Poller:    poller,
		Engine:    engine,
		Store:     store,
		Hub:       hub,
		Monitor:   monitor,
		Collector: collector,
	})
	srv := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		if poller.Running() {
			poller.Stop()
		}
		srv.Close()
		store.Close()
	})
	return &testEnv{srv: srv, store: store, engine: engine, bus: bus}
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func TestAdapterAndHealth(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.request(t, "GET", "/api/adapter", nil)
	if code != 200 {
		t.Fatalf("adapter: %d %s", code, body)
	}
	var adapter map[string]interface{}
	json.Unmarshal(body, &adapter)
	if adapter["port"] != "/dev/ttyUSB0" || adapter["baud_rate"] != float64(115200) {
		t.Errorf("Adapter doc mismatch: %v", adapter)
	}

	code, body = env.request(t, "GET", "/api/health", nil)
	if code != 200 {
		t.Fatalf("health: %d %s", code, body)
	}
	var healthDoc map[string]interface{}
	json.Unmarshal(body, &healthDoc)
	if healthDoc["healthy"] != true {
		t.Errorf("Expected healthy gateway: %v", healthDoc)
	}
	if healthDoc["status"] != "healthy" {
		t.Errorf("Expected status healthy, got %v", healthDoc["status"])
	}
}

func TestDiscoverAndListDevices(t *testing.T) {
	env := newTestEnv(t, 2, 16)

	code, body := env.request(t, "POST", "/api/discover",
		map[string]int{"min_unit_id": 1, "max_unit_id": 20})
	if code != 200 {
		t.Fatalf("discover: %d %s", code, body)
	}
	var result struct {
		Found   []map[string]interface{} `json:"found"`
		Scanned int                      `json:"scanned"`
	}
	json.Unmarshal(body, &result)
	if len(result.Found) != 2 || result.Scanned != 20 {
		t.Fatalf("Expected 2 found of 20 scanned: %s", body)
	}

	code, body = env.request(t, "GET", "/api/devices", nil)
	if code != 200 {
		t.Fatalf("devices: %d", code)
	}
	var list []map[string]interface{}
	json.Unmarshal(body, &list)
	if len(list) != 2 || list[0]["unit_id"] != float64(2) || list[1]["unit_id"] != float64(16) {
		t.Errorf("Device list mismatch: %s", body)
	}

	// Bad range is a 400
	code, _ = env.request(t, "POST", "/api/discover", map[string]int{"min_unit_id": 0, "max_unit_id": 5})
	if code != 400 {
		t.Errorf("Expected 400 for bad range, got %d", code)
	}
}

func TestAliasValidationAndUnknownDevice(t *testing.T) {
	env := newTestEnv(t, 2)
	env.request(t, "POST", "/api/discover", map[string]int{"min_unit_id": 2, "max_unit_id": 2})

	code, body := env.request(t, "PUT", "/api/devices/99/alias", map[string]string{"alias": "X"})
	if code != 404 {
		t.Errorf("Expected 404 for unknown unit, got %d", code)
	}
	var errDoc map[string]interface{}
	json.Unmarshal(body, &errDoc)
	if errDoc["code"] != "not_found" || errDoc["message"] == "" {
		t.Errorf("Error body must carry code and message: %s", body)
	}

	code, _ = env.request(t, "PUT", "/api/devices/2/alias", map[string]string{"alias": "héllo"})
	if code != 400 {
		t.Errorf("Expected 400 for non-ASCII alias, got %d", code)
	}

	code, body = env.request(t, "PUT", "/api/devices/2/alias", map[string]string{"alias": "Sensor-A"})
	if code != 200 {
		t.Fatalf("alias: %d %s", code, body)
	}
	var dev map[string]interface{}
	json.Unmarshal(body, &dev)
	if dev["alias"] != "Sensor-A" {
		t.Errorf("Alias not applied: %s", body)
	}
}

func TestPollingLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t, 2)
	env.request(t, "POST", "/api/discover", map[string]int{"min_unit_id": 2, "max_unit_id": 2})

	code, _ := env.request(t, "POST", "/api/polling/start", nil)
	if code != 200 {
		t.Fatalf("start: %d", code)
	}
	// A second start replaces the selection instead of failing
	code, _ = env.request(t, "POST", "/api/polling/start",
		map[string]interface{}{"interval_sec": 0.05, "unit_ids": []int{2}})
	if code != 200 {
		t.Errorf("Second start must replace the loop, got %d", code)
	}

	code, body := env.request(t, "GET", "/api/polling/status", nil)
	if code != 200 {
		t.Fatalf("status: %d", code)
	}
	var status map[string]interface{}
	json.Unmarshal(body, &status)
	if status["running"] != true || status["devices"] != float64(1) {
		t.Errorf("Status mismatch: %s", body)
	}

	code, _ = env.request(t, "POST", "/api/polling/stop", nil)
	if code != 200 {
		t.Fatalf("stop: %d", code)
	}
	code, _ = env.request(t, "POST", "/api/polling/stop", nil)
	if code != 400 {
		t.Errorf("Second stop must be a 400, got %d", code)
	}
}

func TestAlertEndpoints(t *testing.T) {
	env := newTestEnv(t)

	id := uuid.NewString()
	env.store.InsertAlert(&storage.Alert{
		ID: id, Time: time.Now().UTC(), Level: storage.AlertLevelAlarm,
		Code: storage.AlertThresholdHi, SensorID: "UNIT_2_TILT_X", UnitID: 2,
		Message: "test",
	})

	code, body := env.request(t, "GET", "/api/alerts?ack=false", nil)
	if code != 200 {
		t.Fatalf("alerts: %d", code)
	}
	var list []map[string]interface{}
	json.Unmarshal(body, &list)
	if len(list) != 1 || list[0]["id"] != id {
		t.Fatalf("Expected the pending alert: %s", body)
	}

	code, body = env.request(t, "POST", fmt.Sprintf("/api/alerts/%s/acknowledge", id),
		map[string]string{"reason": "inspected"})
	if code != 200 {
		t.Fatalf("acknowledge: %d %s", code, body)
	}
	var acked map[string]interface{}
	json.Unmarshal(body, &acked)
	if acked["ack"] != true || acked["ack_reason"] != "inspected" {
		t.Errorf("Acknowledge response mismatch: %s", body)
	}

	code, body = env.request(t, "GET", "/api/alerts?ack=false", nil)
	json.Unmarshal(body, &list)
	if code != 200 || len(list) != 0 {
		t.Errorf("Expected no pending alerts, got %s", body)
	}

	code, _ = env.request(t, "POST", "/api/alerts/no-such-id/acknowledge", nil)
	if code != 404 {
		t.Errorf("Expected 404 for unknown alert, got %d", code)
	}

	code, _ = env.request(t, "GET", "/api/alerts?ack=banana", nil)
	if code != 400 {
		t.Errorf("Expected 400 for bad ack filter, got %d", code)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t, 2)
	env.request(t, "POST", "/api/discover", map[string]int{"min_unit_id": 2, "max_unit_id": 2})

	env.store.InsertMeasurements([]*storage.Measurement{
		{SensorID: "UNIT_2_TILT_X", Time: time.Now().UTC(), Value: 1.5, Unit: "°", Quality: "OK"},
	})

	code, body := env.request(t, "GET", "/api/history/devices", nil)
	if code != 200 {
		t.Fatalf("history devices: %d", code)
	}
	var devs []map[string]interface{}
	json.Unmarshal(body, &devs)
	if len(devs) != 1 {
		t.Errorf("Expected 1 persisted device: %s", body)
	}

	code, body = env.request(t, "GET", "/api/history/sensors/2", nil)
	if code != 200 {
		t.Fatalf("history sensors: %d", code)
	}
	var sensors []map[string]interface{}
	json.Unmarshal(body, &sensors)
	if len(sensors) != 9 {
		t.Errorf("Expected 9 sensor rows, got %d", len(sensors))
	}

	code, body = env.request(t, "GET", "/api/history/data/UNIT_2_TILT_X?hours=1", nil)
	if code != 200 {
		t.Fatalf("history data: %d", code)
	}
	var doc struct {
		Data []map[string]interface{} `json:"data"`
	}
	json.Unmarshal(body, &doc)
	if len(doc.Data) != 1 || doc.Data[0]["value"] != 1.5 {
		t.Errorf("History data mismatch: %s", body)
	}

	code, _ = env.request(t, "GET", "/api/history/data/UNIT_2_TILT_X?hours=zero", nil)
	if code != 400 {
		t.Errorf("Expected 400 for bad hours, got %d", code)
	}

	code, body = env.request(t, "GET", "/api/history/stats", nil)
	if code != 200 {
		t.Fatalf("history stats: %d", code)
	}
	var stats map[string]interface{}
	json.Unmarshal(body, &stats)
	if stats["devices"] != float64(1) || stats["measurements"] != float64(1) {
		t.Errorf("Stats mismatch: %s", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.request(t, "GET", "/metrics", nil)
	if code != 200 {
		t.Fatalf("metrics: %d", code)
	}
	if !bytes.Contains(body, []byte("modbus_tx_frames_total 5")) {
		t.Errorf("Metrics body missing bus counters:\n%s", body)
	}
}

func TestInventoryPublishWithoutBridge(t *testing.T) {
	env := newTestEnv(t)

	code, _ := env.request(t, "POST", "/api/mqtt/inventory/publish", nil)
	if code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a connected bridge, got %d", code)
	}
}
