package protocol

import "encoding/binary"

// Endianness is the byte order negotiated for one connection. Integers and
// floats are selected independently by the firmware's Config frame.
type Endianness struct {
	IntsBig   bool
	FloatsBig bool
}

func (e Endianness) IntOrder() binary.ByteOrder {
	if e.IntsBig {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (e Endianness) FloatOrder() binary.ByteOrder {
	if e.FloatsBig {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
