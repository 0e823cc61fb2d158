package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"modbus-edge-gateway/pkg/config"
	"modbus-edge-gateway/pkg/logger"
)

// Bus is the transaction interface consumed by the device manager and the
// polling scheduler. The Master is the production implementation.
type Bus interface {
	Request(ctx context.Context, req Request) ([]byte, error)
	ReadHoldingRegisters(ctx context.Context, unitID byte, addr, count uint16, timeout time.Duration) ([]uint16, error)
	ReadInputRegisters(ctx context.Context, unitID byte, addr, count uint16, timeout time.Duration) ([]uint16, error)
	WriteSingleRegister(ctx context.Context, unitID byte, addr, value uint16, timeout time.Duration) error
	WriteMultipleRegisters(ctx context.Context, unitID byte, addr uint16, values []uint16, timeout time.Duration) error
}

// Stats is a snapshot of the master's wire counters
type Stats struct {
	TxFrames   uint64 `json:"tx_frames"`
	RxFrames   uint64 `json:"rx_frames_ok"`
	CRCErrors  uint64 `json:"crc_errors"`
	Timeouts   uint64 `json:"timeouts"`
	Exceptions uint64 `json:"exceptions"`
}

// serialPort is the subset of go.bug.st/serial.Port the master uses.
// Tests substitute a fake line.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	SetRTS(level bool) error
	Drain() error
}

// transaction pairs a request with its reply channel
type transaction struct {
	req     Request
	replyCh chan txResult
}

type txResult struct {
	payload []byte
	err     error
}

// Master owns the serial port. All transactions are serialized through a
// single worker goroutine; callers post requests and await replies, FIFO.
type Master struct {
	cfg      *config.ModbusConfig
	openPort func() (serialPort, error)

	reqCh chan *transaction
	done  chan struct{}

	charTime time.Duration
	t35      time.Duration
	settle   time.Duration

	port            serialPort
	lastOpenAttempt time.Time
	reopenBackoff   time.Duration

	mu    sync.Mutex
	stats Stats
}

// reopen policy after a BusClosed condition
const (
	reopenBackoffMin = 500 * time.Millisecond
	reopenBackoffMax = 10 * time.Second
)

// NewMaster creates a master for the configured port. The port is opened
// lazily by the worker, so construction never fails on a missing device.
func NewMaster(cfg *config.ModbusConfig) *Master {
	m := &Master{
		cfg:           cfg,
		reqCh:         make(chan *transaction),
		done:          make(chan struct{}),
		reopenBackoff: reopenBackoffMin,
	}
	m.openPort = func() (serialPort, error) {
		mode := &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		return serial.Open(cfg.Port, mode)
	}
	m.computeTiming()
	return m
}

// computeTiming derives character time and the t3.5 silence window from the
// configured baud. Above 19200 baud the fixed 1.75 ms floor applies.
func (m *Master) computeTiming() {
	m.charTime = time.Duration(10 * float64(time.Second) / float64(m.cfg.BaudRate))
	if m.cfg.BaudRate > 19200 {
		m.t35 = 1750 * time.Microsecond
	} else {
		m.t35 = time.Duration(3.5 * float64(m.charTime))
	}
	m.settle = 100 * time.Microsecond
}

// Run serves transactions until ctx is cancelled. The port is released last
// during shutdown, after all pending callers have been failed with BusClosed.
func (m *Master) Run(ctx context.Context) {
	logger.LogInfo("🔌 Modbus master starting on %s @ %d baud (t3.5 = %v)",
		m.cfg.Port, m.cfg.BaudRate, m.t35)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case txn := <-m.reqCh:
			payload, err := m.serve(txn.req)
			m.record(err)
			txn.replyCh <- txResult{payload: payload, err: err}
		}
	}
}

// shutdown fails queued callers and closes the port
func (m *Master) shutdown() {
	close(m.done)
	for {
		select {
		case txn := <-m.reqCh:
			txn.replyCh <- txResult{err: ErrBusClosed}
		default:
			if m.port != nil {
				if err := m.port.Close(); err != nil {
					logger.LogWarn("Error closing serial port: %v", err)
				}
				m.port = nil
			}
			logger.LogInfo("🔌 Modbus master stopped, port released")
			return
		}
	}
}

// serve runs one transaction, reopening the port when needed
func (m *Master) serve(req Request) ([]byte, error) {
	if m.port == nil {
		if err := m.reopen(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBusClosed, err)
		}
	}

	payload, err := m.exchange(req)
	if isPortError(err) {
		logger.LogError("Serial port failure, will reopen: %v", err)
		if m.port != nil {
			_ = m.port.Close()
			m.port = nil
		}
	}
	return payload, err
}

// reopen attempts to (re)open the serial port, rate limited by a backoff
// that doubles on every failed attempt
func (m *Master) reopen() error {
	if since := time.Since(m.lastOpenAttempt); since < m.reopenBackoff {
		return fmt.Errorf("reopen suppressed for %v", m.reopenBackoff-since)
	}
	m.lastOpenAttempt = time.Now()

	port, err := m.openPort()
	if err != nil {
		m.reopenBackoff *= 2
		if m.reopenBackoff > reopenBackoffMax {
			m.reopenBackoff = reopenBackoffMax
		}
		logger.LogError("Failed to open %s: %v (next attempt in %v)", m.cfg.Port, err, m.reopenBackoff)
		return err
	}

	m.port = port
	m.reopenBackoff = reopenBackoffMin
	logger.LogInfo("✅ Serial port %s opened", m.cfg.Port)
	return nil
}

// exchange performs one request/response cycle on the wire with DE/RE
// gating. The response timeout starts once the driver is deasserted.
func (m *Master) exchange(req Request) ([]byte, error) {
	adu, err := req.encode()
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.cfg.Timeout()
	}

	if err := m.port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("%w: reset input: %v", ErrBusClosed, err)
	}

	// Drive the line: DE/RE on, settle, transmit, flush, tail guard, DE/RE off
	if err := m.port.SetRTS(true); err != nil {
		return nil, fmt.Errorf("%w: assert DE: %v", ErrBusClosed, err)
	}
	time.Sleep(m.settle)

	if _, err := m.port.Write(adu); err != nil {
		_ = m.port.SetRTS(false)
		return nil, fmt.Errorf("%w: write: %v", ErrBusClosed, err)
	}
	if err := m.port.Drain(); err != nil {
		_ = m.port.SetRTS(false)
		return nil, fmt.Errorf("%w: drain: %v", ErrBusClosed, err)
	}
	time.Sleep(m.charTime + m.settle)

	if err := m.port.SetRTS(false); err != nil {
		return nil, fmt.Errorf("%w: deassert DE: %v", ErrBusClosed, err)
	}

	m.mu.Lock()
	m.stats.TxFrames++
	m.mu.Unlock()

	if req.UnitID == BroadcastUnitID {
		// No response on the wire; leave the turnaround silence
		time.Sleep(m.t35)
		return nil, nil
	}

	raw, err := m.readFrame(timeout)
	if err != nil {
		return nil, err
	}
	return parseResponse(raw, req.UnitID, req.Function)
}

// readFrame collects a response delimited by t3.5 of line silence. The
// first byte is awaited up to the transaction timeout; subsequent bytes
// must arrive within the silence window or the frame is complete.
func (m *Master) readFrame(timeout time.Duration) ([]byte, error) {
	buf := make([]byte, maxFrameSize)
	total := 0

	if err := m.port.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("%w: set timeout: %v", ErrBusClosed, err)
	}

	for {
		n, err := m.port.Read(buf[total:])
		if err != nil {
			return nil, fmt.Errorf("%w: read: %v", ErrBusClosed, err)
		}
		if n == 0 {
			// Read window expired
			if total == 0 {
				return nil, ErrTimeout
			}
			return buf[:total], nil
		}

		total += n
		if total >= maxFrameSize {
			return buf[:total], nil
		}

		// Frame continues only while bytes keep arriving within t3.5
		if err := m.port.SetReadTimeout(m.t35); err != nil {
			return nil, fmt.Errorf("%w: set timeout: %v", ErrBusClosed, err)
		}
	}
}

// record updates the wire counters from a transaction outcome
func (m *Master) record(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case err == nil:
		m.stats.RxFrames++
	case isTimeout(err):
		m.stats.Timeouts++
	case isFrameError(err):
		m.stats.CRCErrors++
	default:
		if _, ok := AsException(err); ok {
			m.stats.Exceptions++
		}
	}
}

// Request posts a transaction to the bus worker and awaits the reply.
// Requests are served strictly one at a time in arrival order.
func (m *Master) Request(ctx context.Context, req Request) ([]byte, error) {
	txn := &transaction{req: req, replyCh: make(chan txResult, 1)}

	select {
	case m.reqCh <- txn:
	case <-m.done:
		return nil, ErrBusClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The worker always replies; the buffered channel lets it never block
	res := <-txn.replyCh
	return res.payload, res.err
}

// ReadHoldingRegisters reads count registers at addr with function 0x03
func (m *Master) ReadHoldingRegisters(ctx context.Context, unitID byte, addr, count uint16, timeout time.Duration) ([]uint16, error) {
	payload, err := m.Request(ctx, Request{
		UnitID:   unitID,
		Function: FuncReadHoldingRegisters,
		Payload:  readRequestPayload(addr, count),
		Timeout:  timeout,
	})
	if err != nil {
		return nil, err
	}
	return parseReadRegisters(payload, count)
}

// ReadInputRegisters reads count registers at addr with function 0x04
func (m *Master) ReadInputRegisters(ctx context.Context, unitID byte, addr, count uint16, timeout time.Duration) ([]uint16, error) {
	payload, err := m.Request(ctx, Request{
		UnitID:   unitID,
		Function: FuncReadInputRegisters,
		Payload:  readRequestPayload(addr, count),
		Timeout:  timeout,
	})
	if err != nil {
		return nil, err
	}
	return parseReadRegisters(payload, count)
}

// WriteSingleRegister writes one register with function 0x06.
// Broadcast (unit 0) is permitted and returns without a response.
func (m *Master) WriteSingleRegister(ctx context.Context, unitID byte, addr, value uint16, timeout time.Duration) error {
	payload, err := m.Request(ctx, Request{
		UnitID:   unitID,
		Function: FuncWriteSingleRegister,
		Payload:  writeSinglePayload(addr, value),
		Timeout:  timeout,
	})
	if err != nil {
		return err
	}
	if unitID == BroadcastUnitID {
		return nil
	}
	// The slave echoes address and value
	if len(payload) != 4 {
		return fmt.Errorf("%w: write echo %d bytes", ErrShortFrame, len(payload))
	}
	return nil
}

// WriteMultipleRegisters writes a register block with function 0x10
func (m *Master) WriteMultipleRegisters(ctx context.Context, unitID byte, addr uint16, values []uint16, timeout time.Duration) error {
	payload, err := m.Request(ctx, Request{
		UnitID:   unitID,
		Function: FuncWriteMultipleRegisters,
		Payload:  writeMultiplePayload(addr, values),
		Timeout:  timeout,
	})
	if err != nil {
		return err
	}
	// The slave echoes address and register count
	if len(payload) != 4 {
		return fmt.Errorf("%w: write echo %d bytes", ErrShortFrame, len(payload))
	}
	return nil
}

// ReportSlaveID issues function 0x11 and returns the raw payload
func (m *Master) ReportSlaveID(ctx context.Context, unitID byte, timeout time.Duration) ([]byte, error) {
	return m.Request(ctx, Request{
		UnitID:   unitID,
		Function: FuncReportSlaveID,
		Timeout:  timeout,
	})
}

// IdentifyInfo issues the proprietary 0x41 function and returns the raw payload
func (m *Master) IdentifyInfo(ctx context.Context, unitID byte, timeout time.Duration) ([]byte, error) {
	return m.Request(ctx, Request{
		UnitID:   unitID,
		Function: FuncIdentifyInfo,
		Timeout:  timeout,
	})
}

// Stats returns a snapshot of the wire counters
func (m *Master) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// PortName returns the configured serial device path
func (m *Master) PortName() string {
	return m.cfg.Port
}

// BaudRate returns the configured baud
func (m *Master) BaudRate() int {
	return m.cfg.BaudRate
}

// Connected reports whether the serial port is currently open.
// Only meaningful from the worker's perspective; used for the adapter status.
func (m *Master) Connected() bool {
	return m.port != nil
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func isFrameError(err error) bool {
	return errors.Is(err, ErrCRCMismatch) || errors.Is(err, ErrShortFrame) || errors.Is(err, ErrAddressMismatch)
}

func isPortError(err error) bool {
	return errors.Is(err, ErrBusClosed)
}
