package sim

import (
	"fmt"
	"sync"
)

// SensorType identifies one simulated sensor on the rocket.
type SensorType uint8

const (
	SensorGPS SensorType = iota
	SensorIMU
	SensorAccelerometer
	SensorBarometer
	SensorTemperature
	SensorThermocouple
)

func (s SensorType) String() string {
	switch s {
	case SensorGPS:
		return "GPS"
	case SensorIMU:
		return "IMU"
	case SensorAccelerometer:
		return "ACCELEROMETER"
	case SensorBarometer:
		return "BAROMETER"
	case SensorTemperature:
		return "TEMPERATURE"
	case SensorThermocouple:
		return "THERMOCOUPLE"
	default:
		return fmt.Sprintf("SENSOR_0x%02X", uint8(s))
	}
}

// sensorByID maps SensorRead request ids to sensor kinds. Fixed by the
// firmware, same ordering on both sides of the link.
var sensorByID = map[uint8]SensorType{
	0x00: SensorGPS,
	0x01: SensorIMU,
	0x02: SensorAccelerometer,
	0x03: SensorBarometer,
	0x04: SensorTemperature,
	0x05: SensorThermocouple,
}

// HardwareModel supplies simulated sensor and pin values to the bridge.
// All methods are called from the bridge's read loop during dispatch.
type HardwareModel interface {
	DigitalWrite(pin uint8, value uint8)
	AnalogRead(pin uint8) uint16
	SensorRead(kind SensorType) []float32
	Shutdown()
}

// SimHardware is a deterministic in-memory HardwareModel seeded with
// per-sensor reading vectors.
type SimHardware struct {
	mu      sync.Mutex
	digital map[uint8]uint8
	analog  map[uint8]uint16
	sensors map[SensorType][]float32
}

func NewSimHardware(sensors map[SensorType][]float32, analog map[uint8]uint16) *SimHardware {
	hw := &SimHardware{
		digital: make(map[uint8]uint8),
		analog:  make(map[uint8]uint16),
		sensors: make(map[SensorType][]float32),
	}
	for k, v := range sensors {
		hw.sensors[k] = append([]float32(nil), v...)
	}
	for k, v := range analog {
		hw.analog[k] = v
	}
	return hw
}

func (h *SimHardware) DigitalWrite(pin uint8, value uint8) {
	h.mu.Lock()
	h.digital[pin] = value
	h.mu.Unlock()
}

// DigitalRead reports the last value written to a pin, defaulting to 0.
func (h *SimHardware) DigitalRead(pin uint8) uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.digital[pin]
}

func (h *SimHardware) AnalogRead(pin uint8) uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.analog[pin]
}

func (h *SimHardware) SensorRead(kind SensorType) []float32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float32(nil), h.sensors[kind]...)
}

// SetSensor replaces a sensor's reading vector for subsequent reads.
func (h *SimHardware) SetSensor(kind SensorType, vals []float32) {
	h.mu.Lock()
	h.sensors[kind] = append([]float32(nil), vals...)
	h.mu.Unlock()
}

func (h *SimHardware) Shutdown() {}
