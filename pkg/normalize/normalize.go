package normalize

import (
	"fmt"
	"time"

	"modbus-edge-gateway/pkg/modbus"
)

// Measurement quality bands
const (
	QualityOK         = "OK"
	QualityWarn       = "WARN"
	QualityAlarm      = "ALARM"
	QualityErrorComms = "ERROR_COMMS"
)

// Sensor type names
const (
	TypeTilt          = "tilt"
	TypeTemperature   = "temperature"
	TypeAcceleration  = "acceleration"
	TypeGyroscope     = "gyroscope"
	TypeLoad          = "load"
	TypeWindSpeed     = "wind_speed"
	TypeWindDirection = "wind_direction"
)

// Plausibility limits; values beyond these mark the measurement WARN
const (
	maxTiltDeg = 180.0
	minTempC   = -55.0
	maxTempC   = 125.0
	maxWindMs  = 80.0
	maxWindDir = 359.0
	maxAccelG  = 16.0
	maxGyroDps = 2000.0
)

// Channel describes one logical sensor channel a capability provides
type Channel struct {
	Name     string // channel suffix, e.g. TILT_X
	Type     string
	Unit     string
	Register uint16
	AlarmLo  *float64
	AlarmHi  *float64
}

// SensorID forms the stable sensor identifier for a device channel
func SensorID(unitID int, channel string) string {
	return fmt.Sprintf("UNIT_%d_%s", unitID, channel)
}

func f(v float64) *float64 { return &v }

// ChannelsFor returns the channel set a capability bitmask implies,
// with the default alarm thresholds per type
func ChannelsFor(caps uint16) []Channel {
	var out []Channel

	if caps&modbus.CapMPU6050 != 0 {
		out = append(out,
			Channel{Name: "TILT_X", Type: TypeTilt, Unit: "°", Register: modbus.InputAngleX, AlarmLo: f(-5.0), AlarmHi: f(5.0)},
			Channel{Name: "TILT_Y", Type: TypeTilt, Unit: "°", Register: modbus.InputAngleY, AlarmLo: f(-5.0), AlarmHi: f(5.0)},
			Channel{Name: "TEMP", Type: TypeTemperature, Unit: "°C", Register: modbus.InputTemp, AlarmLo: f(-20.0), AlarmHi: f(70.0)},
			Channel{Name: "ACCEL_X", Type: TypeAcceleration, Unit: "g", Register: modbus.InputAccelX},
			Channel{Name: "ACCEL_Y", Type: TypeAcceleration, Unit: "g", Register: modbus.InputAccelY},
			Channel{Name: "ACCEL_Z", Type: TypeAcceleration, Unit: "g", Register: modbus.InputAccelZ},
			Channel{Name: "GYRO_X", Type: TypeGyroscope, Unit: "°/s", Register: modbus.InputGyroX},
			Channel{Name: "GYRO_Y", Type: TypeGyroscope, Unit: "°/s", Register: modbus.InputGyroY},
			Channel{Name: "GYRO_Z", Type: TypeGyroscope, Unit: "°/s", Register: modbus.InputGyroZ},
		)
	}
	if caps&modbus.CapLoad != 0 {
		out = append(out,
			Channel{Name: "LOAD", Type: TypeLoad, Unit: "kg", Register: modbus.InputLoad, AlarmHi: f(5000.0)},
		)
	}
	if caps&modbus.CapWind != 0 {
		out = append(out,
			Channel{Name: "WIND_SPEED", Type: TypeWindSpeed, Unit: "m/s", Register: modbus.InputWindSpeed, AlarmHi: f(30.0)},
			Channel{Name: "WIND_DIR", Type: TypeWindDirection, Unit: "°", Register: modbus.InputWindDir},
		)
	}
	return out
}

// TelemetryBlockWords returns how many input registers a poll must read
// for the given capability set
func TelemetryBlockWords(caps uint16) uint16 {
	if caps&modbus.CapWind != 0 {
		return modbus.TelemetryWindWords
	}
	return modbus.TelemetryBaseWords
}

// Measurement is one normalized sensor value
type Measurement struct {
	SensorID string  `json:"sensor_id"`
	Type     string  `json:"sensor_type"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit"`
	Quality  string  `json:"quality"`
}

// Sample is the normalized result of one telemetry poll
type Sample struct {
	UnitID       int           `json:"unit_id"`
	Timestamp    time.Time     `json:"timestamp"`
	Measurements []Measurement `json:"measurements"`
	SampleCount  uint32        `json:"sample_count"`
	QualityFlags uint16        `json:"quality_flags"`
	Quality      string        `json:"quality"`
	WindSpeedKmh *float64      `json:"wind_speed_kmh,omitempty"`
}

// Decode converts a raw input-register block (starting at address 0) into a
// normalized sample. Only fields the capability mask advertises are decoded;
// anything else is absent from the output.
func Decode(unitID int, caps uint16, regs []uint16, ts time.Time) (*Sample, error) {
	sample := &Sample{
		UnitID:    unitID,
		Timestamp: ts.UTC(),
		Quality:   QualityOK,
	}

	need := int(TelemetryBlockWords(caps))
	if len(regs) < need {
		sample.Quality = QualityErrorComms
		return sample, fmt.Errorf("normalize: telemetry block too short: got %d words, need %d", len(regs), need)
	}

	if len(regs) > int(modbus.InputSamplesHi) {
		sample.SampleCount = uint32(regs[modbus.InputSamplesHi])<<16 | uint32(regs[modbus.InputSamplesLo])
	}
	if len(regs) > int(modbus.InputQuality) {
		sample.QualityFlags = regs[modbus.InputQuality]
	}

	for _, ch := range ChannelsFor(caps) {
		if int(ch.Register) >= len(regs) {
			continue
		}
		raw := regs[ch.Register]
		value, quality := decodeChannel(ch.Type, raw)

		m := Measurement{
			SensorID: SensorID(unitID, ch.Name),
			Type:     ch.Type,
			Value:    value,
			Unit:     ch.Unit,
			Quality:  quality,
		}
		sample.Measurements = append(sample.Measurements, m)

		if quality == QualityWarn && sample.Quality == QualityOK {
			sample.Quality = QualityWarn
		}
		if ch.Type == TypeWindSpeed {
			kmh := value * 3.6
			sample.WindSpeedKmh = &kmh
		}
	}

	return sample, nil
}

// decodeChannel applies the scale rule for one channel type and judges
// plausibility of the result
func decodeChannel(sensorType string, raw uint16) (float64, string) {
	switch sensorType {
	case TypeTilt:
		v := float64(int16(raw)) / 100.0
		if v < -maxTiltDeg || v > maxTiltDeg {
			return v, QualityWarn
		}
		return v, QualityOK
	case TypeTemperature:
		v := float64(int16(raw)) / 100.0
		if v < minTempC || v > maxTempC {
			return v, QualityWarn
		}
		return v, QualityOK
	case TypeAcceleration:
		v := float64(int16(raw)) / 1000.0
		if v < -maxAccelG || v > maxAccelG {
			return v, QualityWarn
		}
		return v, QualityOK
	case TypeGyroscope:
		v := float64(int16(raw)) / 1000.0
		if v < -maxGyroDps || v > maxGyroDps {
			return v, QualityWarn
		}
		return v, QualityOK
	case TypeLoad:
		return float64(int16(raw)) / 100.0, QualityOK
	case TypeWindSpeed:
		v := float64(raw) / 100.0
		if v > maxWindMs {
			return v, QualityWarn
		}
		return v, QualityOK
	case TypeWindDirection:
		v := float64(raw)
		if v > maxWindDir {
			return v, QualityWarn
		}
		return v, QualityOK
	default:
		return float64(int16(raw)), QualityWarn
	}
}
