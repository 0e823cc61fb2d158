package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"modbus-edge-gateway/pkg/devices"
	"modbus-edge-gateway/pkg/errors"
	"modbus-edge-gateway/pkg/logger"
)

// Store is the SQLite persistence layer. It implements devices.Store and
// carries the measurement and alert history.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	unit_id           INTEGER PRIMARY KEY,
	alias             TEXT NOT NULL DEFAULT '',
	vendor_id         INTEGER NOT NULL DEFAULT 0,
	product_id        INTEGER NOT NULL DEFAULT 0,
	vendor_name       TEXT NOT NULL DEFAULT '',
	product_name      TEXT NOT NULL DEFAULT '',
	hw_version        TEXT NOT NULL DEFAULT '',
	fw_version        TEXT NOT NULL DEFAULT '',
	capabilities      INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'unknown',
	last_seen         TIMESTAMP,
	poll_interval_sec INTEGER NOT NULL DEFAULT 0,
	rig_id            TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sensors (
	sensor_id TEXT PRIMARY KEY,
	unit_id   INTEGER NOT NULL,
	type      TEXT NOT NULL,
	unit      TEXT NOT NULL DEFAULT '',
	register  INTEGER NOT NULL DEFAULT 0,
	alarm_lo  REAL,
	alarm_hi  REAL
);

CREATE TABLE IF NOT EXISTS measurements (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	sensor_id TEXT NOT NULL,
	ts        TIMESTAMP NOT NULL,
	type      TEXT NOT NULL DEFAULT '',
	value     REAL NOT NULL,
	unit      TEXT NOT NULL DEFAULT '',
	quality   TEXT NOT NULL DEFAULT 'OK',
	sent      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_measurements_sensor_ts ON measurements(sensor_id, ts);
CREATE INDEX IF NOT EXISTS idx_measurements_sent ON measurements(sent) WHERE sent = 0;

CREATE TABLE IF NOT EXISTS alerts (
	id        TEXT PRIMARY KEY,
	ts        TIMESTAMP NOT NULL,
	level     TEXT NOT NULL,
	code      TEXT NOT NULL,
	sensor_id TEXT NOT NULL DEFAULT '',
	unit_id   INTEGER NOT NULL,
	message   TEXT NOT NULL DEFAULT '',
	value     REAL,
	threshold REAL,
	ack       INTEGER NOT NULL DEFAULT 0,
	ack_at    TIMESTAMP,
	ack_reason TEXT NOT NULL DEFAULT '',
	auto_ack  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_alerts_ack_ts ON alerts(ack, ts);
`

// Open opens (or creates) the gateway database and applies the schema
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.NewStorageError("open database", err, "")
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.NewStorageError("ping database", err, "")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.NewStorageError("apply schema", err, "")
	}

	logger.LogInfo("💾 Database ready: %s", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// UpsertDevice persists a device row keyed by unit id
func (s *Store) UpsertDevice(d *devices.Device) error {
	_, err := s.db.Exec(`
		INSERT INTO devices (unit_id, alias, vendor_id, product_id, vendor_name, product_name,
			hw_version, fw_version, capabilities, status, last_seen, poll_interval_sec, rig_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(unit_id) DO UPDATE SET
			alias = excluded.alias, vendor_id = excluded.vendor_id, product_id = excluded.product_id,
			vendor_name = excluded.vendor_name, product_name = excluded.product_name,
			hw_version = excluded.hw_version, fw_version = excluded.fw_version,
			capabilities = excluded.capabilities, status = excluded.status,
			last_seen = excluded.last_seen, poll_interval_sec = excluded.poll_interval_sec,
			rig_id = excluded.rig_id`,
		d.UnitID, d.Alias, d.VendorID, d.ProductID, d.VendorName, d.ProductName,
		d.HWVersion, d.FWVersion, d.Capabilities, d.Status, d.LastSeen.UTC(),
		d.PollIntervalSec, d.RigID)
	if err != nil {
		return errors.NewStorageError("upsert device", err, "devices")
	}
	return nil
}

// UpsertSensor persists a sensor row keyed by sensor id
func (s *Store) UpsertSensor(sensor *devices.Sensor) error {
	_, err := s.db.Exec(`
		INSERT INTO sensors (sensor_id, unit_id, type, unit, register, alarm_lo, alarm_hi)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sensor_id) DO UPDATE SET
			unit_id = excluded.unit_id, type = excluded.type, unit = excluded.unit,
			register = excluded.register, alarm_lo = excluded.alarm_lo, alarm_hi = excluded.alarm_hi`,
		sensor.SensorID, sensor.UnitID, sensor.Type, sensor.Unit, sensor.Register,
		sensor.AlarmLo, sensor.AlarmHi)
	if err != nil {
		return errors.NewStorageError("upsert sensor", err, "sensors")
	}
	return nil
}

// DeleteDevice removes a device row and its sensors
func (s *Store) DeleteDevice(unitID int) error {
	if _, err := s.db.Exec(`DELETE FROM sensors WHERE unit_id = ?`, unitID); err != nil {
		return errors.NewStorageError("delete sensors", err, "sensors")
	}
	if _, err := s.db.Exec(`DELETE FROM devices WHERE unit_id = ?`, unitID); err != nil {
		return errors.NewStorageError("delete device", err, "devices")
	}
	return nil
}

// ListDevices returns all persisted devices ordered by unit id
func (s *Store) ListDevices() ([]*devices.Device, error) {
	rows, err := s.db.Query(`
		SELECT unit_id, alias, vendor_id, product_id, vendor_name, product_name,
			hw_version, fw_version, capabilities, status, last_seen, poll_interval_sec, rig_id
		FROM devices ORDER BY unit_id`)
	if err != nil {
		return nil, errors.NewStorageError("list devices", err, "devices")
	}
	defer rows.Close()

	var out []*devices.Device
	for rows.Next() {
		var d devices.Device
		var lastSeen sql.NullTime
		if err := rows.Scan(&d.UnitID, &d.Alias, &d.VendorID, &d.ProductID, &d.VendorName,
			&d.ProductName, &d.HWVersion, &d.FWVersion, &d.Capabilities, &d.Status,
			&lastSeen, &d.PollIntervalSec, &d.RigID); err != nil {
			return nil, errors.NewStorageError("scan device", err, "devices")
		}
		if lastSeen.Valid {
			d.LastSeen = lastSeen.Time.UTC()
		}
		d.CapabilityNames = devices.CapabilityNames(d.Capabilities)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ListSensors returns the sensor rows of one device, or of all devices
// when unitID is 0
func (s *Store) ListSensors(unitID int) ([]*devices.Sensor, error) {
	query := `SELECT sensor_id, unit_id, type, unit, register, alarm_lo, alarm_hi FROM sensors`
	var args []interface{}
	if unitID != 0 {
		query += ` WHERE unit_id = ?`
		args = append(args, unitID)
	}
	query += ` ORDER BY sensor_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.NewStorageError("list sensors", err, "sensors")
	}
	defer rows.Close()

	var out []*devices.Sensor
	for rows.Next() {
		var sensor devices.Sensor
		if err := rows.Scan(&sensor.SensorID, &sensor.UnitID, &sensor.Type, &sensor.Unit,
			&sensor.Register, &sensor.AlarmLo, &sensor.AlarmHi); err != nil {
			return nil, errors.NewStorageError("scan sensor", err, "sensors")
		}
		out = append(out, &sensor)
	}
	return out, rows.Err()
}

// Measurement is one persisted sensor reading
type Measurement struct {
	ID       int64     `json:"id"`
	SensorID string    `json:"sensor_id"`
	Time     time.Time `json:"timestamp"`
	Type     string    `json:"sensor_type,omitempty"`
	Value    float64   `json:"value"`
	Unit     string    `json:"unit"`
	Quality  string    `json:"quality"`
	Sent     bool      `json:"-"`
}

// InsertMeasurements writes a batch of readings in one transaction
func (s *Store) InsertMeasurements(batch []*Measurement) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.NewStorageError("begin tx", err, "measurements")
	}
	stmt, err := tx.Prepare(`INSERT INTO measurements (sensor_id, ts, type, value, unit, quality) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return errors.NewStorageError("prepare insert", err, "measurements")
	}
	defer stmt.Close()

	for _, m := range batch {
		res, err := stmt.Exec(m.SensorID, m.Time.UTC(), m.Type, m.Value, m.Unit, m.Quality)
		if err != nil {
			tx.Rollback()
			return errors.NewStorageError("insert measurement", err, "measurements")
		}
		m.ID, _ = res.LastInsertId()
	}
	if err := tx.Commit(); err != nil {
		return errors.NewStorageError("commit", err, "measurements")
	}
	return nil
}

// GetMeasurements returns readings of one sensor inside [since, until],
// newest first, capped at limit. A zero until leaves the window open.
func (s *Store) GetMeasurements(sensorID string, since, until time.Time, limit int) ([]*Measurement, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT id, sensor_id, ts, type, value, unit, quality FROM measurements
		WHERE sensor_id = ? AND ts >= ?`
	args := []interface{}{sensorID, since.UTC()}
	if !until.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, until.UTC())
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.NewStorageError("query measurements", err, "measurements")
	}
	defer rows.Close()
	return scanMeasurements(rows)
}

// GetUnsentMeasurements returns readings not yet forwarded to the broker,
// oldest first
func (s *Store) GetUnsentMeasurements(limit int) ([]*Measurement, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(`
		SELECT id, sensor_id, ts, type, value, unit, quality FROM measurements
		WHERE sent = 0 ORDER BY ts ASC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.NewStorageError("query unsent", err, "measurements")
	}
	defer rows.Close()
	return scanMeasurements(rows)
}

// MarkSent flags forwarded readings
func (s *Store) MarkSent(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(`UPDATE measurements SET sent = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return errors.NewStorageError("mark sent", err, "measurements")
	}
	return nil
}

func scanMeasurements(rows *sql.Rows) ([]*Measurement, error) {
	var out []*Measurement
	for rows.Next() {
		var m Measurement
		if err := rows.Scan(&m.ID, &m.SensorID, &m.Time, &m.Type, &m.Value, &m.Unit, &m.Quality); err != nil {
			return nil, errors.NewStorageError("scan measurement", err, "measurements")
		}
		m.Time = m.Time.UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Alert levels and codes
const (
	AlertLevelWarn  = "WARN"
	AlertLevelAlarm = "ALARM"

	AlertThresholdHi   = "THRESHOLD_EXCEEDED_HI"
	AlertThresholdLo   = "THRESHOLD_EXCEEDED_LO"
	AlertDeviceOffline = "DEVICE_OFFLINE"
)

// Alert is one persisted alert row
type Alert struct {
	ID        string     `json:"id"`
	Time      time.Time  `json:"timestamp"`
	Level     string     `json:"level"`
	Code      string     `json:"code"`
	SensorID  string     `json:"sensor_id,omitempty"`
	UnitID    int        `json:"unit_id"`
	Message   string     `json:"message"`
	Value     *float64   `json:"value,omitempty"`
	Threshold *float64   `json:"threshold,omitempty"`
	Ack       bool       `json:"ack"`
	AckAt     *time.Time `json:"ack_at,omitempty"`
	AckReason string     `json:"ack_reason,omitempty"`
	AutoAck   bool       `json:"auto_ack"`
}

// InsertAlert persists a new alert
func (s *Store) InsertAlert(a *Alert) error {
	_, err := s.db.Exec(`
		INSERT INTO alerts (id, ts, level, code, sensor_id, unit_id, message, value, threshold, ack, ack_at, ack_reason, auto_ack)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Time.UTC(), a.Level, a.Code, a.SensorID, a.UnitID, a.Message,
		a.Value, a.Threshold, a.Ack, a.AckAt, a.AckReason, a.AutoAck)
	if err != nil {
		return errors.NewStorageError("insert alert", err, "alerts")
	}
	return nil
}

// AlertFilter selects alerts for listing
type AlertFilter struct {
	Ack   *bool
	Level string
	Limit int
}

// GetAlerts lists alerts newest first, filtered by acknowledgement state
// and level
func (s *Store) GetAlerts(filter AlertFilter) ([]*Alert, error) {
	query := `SELECT id, ts, level, code, sensor_id, unit_id, message, value, threshold, ack, ack_at, ack_reason, auto_ack FROM alerts`
	var conds []string
	var args []interface{}
	if filter.Ack != nil {
		conds = append(conds, `ack = ?`)
		args = append(args, *filter.Ack)
	}
	if filter.Level != "" {
		conds = append(conds, `level = ?`)
		args = append(args, filter.Level)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.NewStorageError("query alerts", err, "alerts")
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// GetActiveAlerts returns all unacknowledged alerts, oldest first. Used to
// rebuild the active set at startup.
func (s *Store) GetActiveAlerts() ([]*Alert, error) {
	rows, err := s.db.Query(`
		SELECT id, ts, level, code, sensor_id, unit_id, message, value, threshold, ack, ack_at, ack_reason, auto_ack
		FROM alerts WHERE ack = 0 ORDER BY ts ASC`)
	if err != nil {
		return nil, errors.NewStorageError("query active alerts", err, "alerts")
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// AcknowledgeAlert marks one alert acknowledged. It returns the updated
// alert, or sql.ErrNoRows wrapped when the id is unknown.
func (s *Store) AcknowledgeAlert(id, reason string, auto bool) (*Alert, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE alerts SET ack = 1, ack_at = ?, ack_reason = ?, auto_ack = ? WHERE id = ? AND ack = 0`,
		now, reason, auto, id)
	if err != nil {
		return nil, errors.NewStorageError("acknowledge alert", err, "alerts")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown or already acknowledged; let the caller decide
		if a, err := s.getAlert(id); err == nil {
			return a, nil
		}
		return nil, errors.NewStorageError("acknowledge alert", sql.ErrNoRows, "alerts")
	}
	return s.getAlert(id)
}

func (s *Store) getAlert(id string) (*Alert, error) {
	rows, err := s.db.Query(`
		SELECT id, ts, level, code, sensor_id, unit_id, message, value, threshold, ack, ack_at, ack_reason, auto_ack
		FROM alerts WHERE id = ?`, id)
	if err != nil {
		return nil, errors.NewStorageError("get alert", err, "alerts")
	}
	defer rows.Close()
	alerts, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, errors.NewStorageError("get alert", sql.ErrNoRows, "alerts")
	}
	return alerts[0], nil
}

func scanAlerts(rows *sql.Rows) ([]*Alert, error) {
	var out []*Alert
	for rows.Next() {
		var a Alert
		var ackAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.Time, &a.Level, &a.Code, &a.SensorID, &a.UnitID,
			&a.Message, &a.Value, &a.Threshold, &a.Ack, &ackAt, &a.AckReason, &a.AutoAck); err != nil {
			return nil, errors.NewStorageError("scan alert", err, "alerts")
		}
		a.Time = a.Time.UTC()
		if ackAt.Valid {
			t := ackAt.Time.UTC()
			a.AckAt = &t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Stats summarizes the database contents for the history API
type Stats struct {
	Devices      int64 `json:"devices"`
	Sensors      int64 `json:"sensors"`
	Measurements int64 `json:"measurements"`
	Alerts       int64 `json:"alerts"`
	ActiveAlerts int64 `json:"active_alerts"`
}

// GetStats counts the main tables
func (s *Store) GetStats() (*Stats, error) {
	st := &Stats{}
	for _, q := range []struct {
		dest  *int64
		query string
	}{
		{&st.Devices, `SELECT COUNT(*) FROM devices`},
		{&st.Sensors, `SELECT COUNT(*) FROM sensors`},
		{&st.Measurements, `SELECT COUNT(*) FROM measurements`},
		{&st.Alerts, `SELECT COUNT(*) FROM alerts`},
		{&st.ActiveAlerts, `SELECT COUNT(*) FROM alerts WHERE ack = 0`},
	} {
		if err := s.db.QueryRow(q.query).Scan(q.dest); err != nil {
			return nil, errors.NewStorageError("count rows", err, "")
		}
	}
	return st, nil
}

// CleanupOlderThan deletes measurements older than the cutoff and returns
// the number of rows removed. Alerts are kept as the audit trail; nothing
// short of an explicit operator action removes them.
func (s *Store) CleanupOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM measurements WHERE ts < ?`, cutoff.UTC())
	if err != nil {
		return 0, errors.NewStorageError("cleanup measurements", err, "measurements")
	}
	total, _ := res.RowsAffected()

	if total > 0 {
		if _, err := s.db.Exec(`VACUUM`); err != nil {
			logger.LogWarn("VACUUM after cleanup failed: %v", err)
		}
		logger.LogInfo("🧹 Retention cleanup removed %d rows older than %s", total, cutoff.Format(time.RFC3339))
	}
	return total, nil
}
