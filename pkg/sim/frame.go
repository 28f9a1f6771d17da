package sim

import (
	"encoding/binary"
	"math"
)

// Opcodes on the simulation link. Config arrives exactly once, first.
// Radio, AnalogRead and SensorRead reuse their ids for the response
// direction.
const (
	opConfig          uint8 = 0x01
	opBuzzer          uint8 = 0x07
	opDigitalPinWrite uint8 = 0x50
	opRadio           uint8 = 0x52
	opAnalogRead      uint8 = 0x61
	opSensorRead      uint8 = 0x73
)

// encodeFrame lays out opcode + 2-byte big-endian length + payload.
func encodeFrame(op uint8, payload []byte) []byte {
	frame := make([]byte, 3+len(payload))
	frame[0] = op
	binary.BigEndian.PutUint16(frame[1:3], uint16(len(payload)))
	copy(frame[3:], payload)
	return frame
}

func packFloats(vals []float32, order binary.ByteOrder) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		order.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}
