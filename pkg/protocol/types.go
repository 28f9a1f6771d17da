package protocol

import "fmt"

// Subpacket ids fixed by the firmware downlink format.
const (
	IDMessage uint8 = 0x01
	IDEvent   uint8 = 0x02
	IDConfig  uint8 = 0x03

	// Single-sensor readings occupy one contiguous reserved range.
	MinSingleSensorID uint8 = 0x10
	MaxSingleSensorID uint8 = 0x2F
)

// VersionIDLen is the fixed width of the Config subpacket's version field.
const VersionIDLen = 40

func IsSingleSensorID(id uint8) bool {
	return id >= MinSingleSensorID && id <= MaxSingleSensorID
}

// KindName labels a subpacket id for sinks and stream consumers.
func KindName(id uint8) string {
	switch {
	case id == IDMessage:
		return "message"
	case id == IDEvent:
		return "event"
	case id == IDConfig:
		return "config"
	case IsSingleSensorID(id):
		return "sensor"
	default:
		return "dynamic"
	}
}

// Record is one decoded downlink subpacket. Time is the raw header
// timestamp from the rocket clock. Data holds the kind-specific value
// (string, EventCode, ConfigData, SensorValue, or map[string]any for
// dynamically registered ids) and is nil when decoding failed partway.
type Record struct {
	ID   uint8
	Time uint32
	Data any
}

// EventCode is a raw firmware event number. No symbolic mapping yet.
type EventCode uint8

// DeviceType identifies which board a Config subpacket came from.
type DeviceType uint8

const (
	DeviceTantalusStage1 DeviceType = 0x00
	DeviceTantalusStage2 DeviceType = 0x01
	DeviceCoPilot        DeviceType = 0x02
)

func (d DeviceType) String() string {
	switch d {
	case DeviceTantalusStage1:
		return "TANTALUS_STAGE_1"
	case DeviceTantalusStage2:
		return "TANTALUS_STAGE_2"
	case DeviceCoPilot:
		return "CO_PILOT"
	default:
		return fmt.Sprintf("DEVICE_0x%02X", uint8(d))
	}
}

// ConfigData mirrors the telemetry-channel Config subpacket. It shares a
// wire shape with the simulation handshake's Config frame but is a
// distinct message kind governing the downlink, not the uplink.
type ConfigData struct {
	IsSim     bool       `json:"is_sim"`
	Device    DeviceType `json:"device"`
	VersionID string     `json:"version_id"`
}

// SensorValue is one reading from the single-sensor id range. The payload
// is always decoded as float32, including ids that are logically state or
// enumeration codes; the firmware sends them that way.
type SensorValue struct {
	ID    uint8   `json:"id"`
	Value float32 `json:"value"`
}
