package metrics

import (
	"fmt"
	"net/http"

	"modbus-edge-gateway/pkg/modbus"
)

// Collector renders gateway metrics in Prometheus text format. Counters
// come from the live components; gauges are sampled on scrape.
type Collector struct {
	busStats     func() modbus.Stats
	devicesTotal func() int
	devicesUp    func() int
	wsClients    func() int
	activeAlerts func() int
	pollCycles   func() uint64
	pollRunning  func() bool
}

// NewCollector creates an empty collector; wire the sources before
// serving
func NewCollector() *Collector {
	return &Collector{}
}

// SetBusStats wires the serial master counters
func (c *Collector) SetBusStats(fn func() modbus.Stats) { c.busStats = fn }

// SetDeviceCounts wires the device totals (known, online)
func (c *Collector) SetDeviceCounts(total, up func() int) {
	c.devicesTotal = total
	c.devicesUp = up
}

// SetWSClients wires the WebSocket client gauge
func (c *Collector) SetWSClients(fn func() int) { c.wsClients = fn }

// SetActiveAlerts wires the active alert gauge
func (c *Collector) SetActiveAlerts(fn func() int) { c.activeAlerts = fn }

// SetPolling wires the poll cycle counter and running gauge
func (c *Collector) SetPolling(cycles func() uint64, running func() bool) {
	c.pollCycles = cycles
	c.pollRunning = running
}

// Text renders the metrics document
func (c *Collector) Text() string {
	var stats modbus.Stats
	if c.busStats != nil {
		stats = c.busStats()
	}

	out := fmt.Sprintf(`# HELP modbus_tx_frames_total Frames written to the bus
# TYPE modbus_tx_frames_total counter
modbus_tx_frames_total %d

# HELP modbus_rx_frames_total Valid frames received from the bus
# TYPE modbus_rx_frames_total counter
modbus_rx_frames_total %d

# HELP modbus_crc_errors_total Frames dropped for CRC mismatch
# TYPE modbus_crc_errors_total counter
modbus_crc_errors_total %d

# HELP modbus_timeouts_total Transactions that timed out
# TYPE modbus_timeouts_total counter
modbus_timeouts_total %d

# HELP modbus_exceptions_total Exception responses received
# TYPE modbus_exceptions_total counter
modbus_exceptions_total %d
`, stats.TxFrames, stats.RxFrames, stats.CRCErrors, stats.Timeouts, stats.Exceptions)

	out += gauge("devices_known", "Devices in the gateway cache", c.devicesTotal)
	out += gauge("devices_online", "Devices currently online", c.devicesUp)
	out += gauge("websocket_clients", "Connected WebSocket clients", c.wsClients)
	out += gauge("alerts_active", "Unacknowledged alerts", c.activeAlerts)

	if c.pollCycles != nil {
		out += fmt.Sprintf(`
# HELP poll_cycles_total Completed polling cycles
# TYPE poll_cycles_total counter
poll_cycles_total %d
`, c.pollCycles())
	}
	if c.pollRunning != nil {
		running := 0
		if c.pollRunning() {
			running = 1
		}
		out += fmt.Sprintf(`
# HELP polling_running Whether the poll loop is active
# TYPE polling_running gauge
polling_running %d
`, running)
	}
	return out
}

func gauge(name, help string, fn func() int) string {
	if fn == nil {
		return ""
	}
	return fmt.Sprintf(`
# HELP %s %s
# TYPE %s gauge
%s %d
`, name, help, name, name, fn())
}

// ServeHTTP implements http.Handler for the /metrics endpoint
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, c.Text())
}
