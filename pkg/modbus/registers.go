package modbus

// Holding register map of the sensor units (function 0x03, written via 0x06/0x10)
const (
	RegVendorID        = 0x0000 // vendor id word
	RegProductID       = 0x0001 // product id word
	RegHWVersion       = 0x0002 // (major << 8) | minor
	RegFWVersion       = 0x0003 // (major << 8) | minor
	RegUnitIDEcho      = 0x0004 // current unit id, read-only echo
	RegCapabilities    = 0x0005 // capability bitmask
	RegUptimeLo        = 0x0006
	RegUptimeHi        = 0x0007
	RegStatusBits      = 0x0008
	RegErrorBits       = 0x0009
	RegBaudCode        = 0x0010
	RegFilterHz        = 0x0011
	RegSaveEEPROM      = 0x0012 // write EEPROMSaveMagic to persist config
	RegIdentifySeconds = 0x0013 // LED blink duration, 0 stops
	RegUnitIDConfig    = 0x0014 // new unit id, 1..247

	RegDiagnostics     = 0x0020 // 6 counter words
	DiagnosticsWords   = 6
	RegVendorStringLen = 0x0026 // length word + 4 packed ASCII words
	RegProductStrLen   = 0x002B // length word + 4 packed ASCII words

	RegAliasLen  = 0x0030 // alias length 0..64
	RegAliasData = 0x0031 // 32 packed ASCII words = 64 bytes
)

// Alias limits
const (
	AliasMaxBytes  = 64
	AliasDataWords = 32
)

// EEPROMSaveMagic is the value written to RegSaveEEPROM to commit config
const EEPROMSaveMagic = 0xA55A

// Input register map (function 0x04), all read-only measurements
const (
	InputAngleX    = 0x0000 // centi-degrees, signed
	InputAngleY    = 0x0001 // centi-degrees, signed
	InputTemp      = 0x0002 // centi-degrees C, signed
	InputAccelX    = 0x0003 // milli-g, signed
	InputAccelY    = 0x0004
	InputAccelZ    = 0x0005
	InputGyroX     = 0x0006 // milli-dps, signed
	InputGyroY     = 0x0007
	InputGyroZ     = 0x0008
	InputSamplesLo = 0x0009
	InputSamplesHi = 0x000A
	InputQuality   = 0x000B // quality flag bitmask
	InputLoad      = 0x000C // centi-kg, signed
	InputWindSpeed = 0x000D // cm/s, unsigned
	InputWindDir   = 0x000E // degrees 0..359
)

// Telemetry block sizes by capability
const (
	TelemetryBaseWords = 13 // angles through load
	TelemetryWindWords = 15 // base block plus wind speed and direction
)

// Capability bitmask values
const (
	CapRS485   = 0x0001
	CapMPU6050 = 0x0002
	CapIdent   = 0x0004
	CapWind    = 0x0008
	CapLoad    = 0x0010
)

// Status bitmask values (RegStatusBits)
const (
	StatusOK       = 0x0001
	StatusMPUReady = 0x0002
	StatusCfgDirty = 0x0004
)

// Error bitmask values (RegErrorBits)
const (
	ErrBitMPUComm = 0x0001
	ErrBitEEPROM  = 0x0002
	ErrBitRange   = 0x0004
)
