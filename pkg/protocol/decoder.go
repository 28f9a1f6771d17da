package protocol

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"groundlink/pkg/logx"
)

var (
	// ErrEndiannessUnset is returned when Extract is called without a
	// preceding SetEndianness.
	ErrEndiannessUnset = errors.New("endianness not set before extract")

	// ErrUnknownID marks a subpacket id outside the fixed set, the
	// single-sensor range, and every runtime registration. It is a decode
	// error, not a connection error; skip/log/disconnect policy belongs
	// to the caller.
	ErrUnknownID = errors.New("unknown subpacket id")
)

// Header is the 5-byte prefix of every downlink subpacket.
type Header struct {
	ID        uint8
	Timestamp uint32
}

// ParserFunc decodes the payload of one runtime-registered subpacket kind.
// The reader is positioned just past the header.
type ParserFunc func(r io.Reader, h Header, e Endianness) (any, error)

// Decoder turns raw downlink bytes into Records. Endianness is transient
// per-call state: SetEndianness must precede every Extract, and Extract
// clears it on return. One instance must not be shared across goroutines.
type Decoder struct {
	endian *Endianness

	registryMu sync.RWMutex
	parsers    map[uint8]ParserFunc
}

func NewDecoder() *Decoder {
	return &Decoder{
		parsers: make(map[uint8]ParserFunc),
	}
}

// SetEndianness arms the decoder for exactly one Extract call.
func (d *Decoder) SetEndianness(intsBig bool, floatsBig bool) {
	d.endian = &Endianness{IntsBig: intsBig, FloatsBig: floatsBig}
}

// RegisterParser binds a subpacket id to a payload parser at runtime,
// layered over the fixed reserved ids. The fixed ids always win dispatch.
func (d *Decoder) RegisterParser(id uint8, fn ParserFunc) {
	d.registryMu.Lock()
	d.parsers[id] = fn
	d.registryMu.Unlock()
}

func (d *Decoder) lookupParser(id uint8) (ParserFunc, bool) {
	d.registryMu.RLock()
	fn, ok := d.parsers[id]
	d.registryMu.RUnlock()
	return fn, ok
}

func (d *Decoder) recognized(id uint8) bool {
	switch id {
	case IDMessage, IDEvent, IDConfig:
		return true
	}
	if IsSingleSensorID(id) {
		return true
	}
	if _, ok := d.lookupParser(id); ok {
		return true
	}
	_, ok := lookupDynamic(id)
	return ok
}

// Extract decodes one subpacket from r. Header failures (short read,
// unrecognized id) are returned as errors. A failure inside the payload is
// logged and degrades to a Record carrying only the id and timestamp, so
// one bad subpacket never poisons the connection.
func (d *Decoder) Extract(r io.Reader) (Record, error) {
	if d.endian == nil {
		return Record{}, ErrEndiannessUnset
	}
	e := *d.endian
	defer func() { d.endian = nil }()

	h, err := d.header(r, e)
	if err != nil {
		return Record{}, err
	}

	rec := Record{ID: h.ID, Time: h.Timestamp}
	data, err := d.parseData(r, h, e)
	if err != nil {
		logx.Log.Error().Err(err).
			Uint8("id", h.ID).
			Uint32("time", h.Timestamp).
			Msg("subpacket payload decode failed")
		return rec, nil
	}
	rec.Data = data
	return rec, nil
}

func (d *Decoder) header(r io.Reader, e Endianness) (Header, error) {
	var idb [1]byte
	if _, err := io.ReadFull(r, idb[:]); err != nil {
		return Header{}, fmt.Errorf("read subpacket id: %w", err)
	}
	id := idb[0]
	if !d.recognized(id) {
		return Header{}, fmt.Errorf("id 0x%02x: %w", id, ErrUnknownID)
	}

	ts, err := readUint32(r, e)
	if err != nil {
		return Header{}, fmt.Errorf("read timestamp for id 0x%02x: %w", id, err)
	}
	return Header{ID: id, Timestamp: ts}, nil
}

func (d *Decoder) parseData(r io.Reader, h Header, e Endianness) (any, error) {
	switch {
	case h.ID == IDMessage:
		return parseMessage(r)
	case h.ID == IDEvent:
		return parseEvent(r)
	case h.ID == IDConfig:
		return parseConfig(r)
	case IsSingleSensorID(h.ID):
		return parseSingleSensor(r, h.ID, e)
	}

	if fn, ok := d.lookupParser(h.ID); ok {
		return fn(r, h, e)
	}
	if def, ok := lookupDynamic(h.ID); ok {
		return parseDynamic(r, def, e)
	}
	return nil, fmt.Errorf("id 0x%02x: %w", h.ID, ErrUnknownID)
}

func parseMessage(r io.Reader) (any, error) {
	var lenb [1]byte
	if _, err := io.ReadFull(r, lenb[:]); err != nil {
		return nil, fmt.Errorf("read message length: %w", err)
	}
	text := make([]byte, lenb[0])
	if _, err := io.ReadFull(r, text); err != nil {
		return nil, fmt.Errorf("read message text: %w", err)
	}
	for i, b := range text {
		if b > 0x7F {
			return nil, fmt.Errorf("message byte %d is not ascii: 0x%02x", i, b)
		}
	}
	msg := string(text)
	logx.Log.Info().Str("message", msg).Msg("incoming message")
	return msg, nil
}

func parseEvent(r io.Reader) (any, error) {
	var code [1]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return nil, fmt.Errorf("read event code: %w", err)
	}
	return EventCode(code[0]), nil
}

func parseConfig(r io.Reader) (any, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("read config flags: %w", err)
	}
	device := DeviceType(head[1])
	switch device {
	case DeviceTantalusStage1, DeviceTantalusStage2, DeviceCoPilot:
	default:
		return nil, fmt.Errorf("unknown device type 0x%02x", head[1])
	}

	version := make([]byte, VersionIDLen)
	if _, err := io.ReadFull(r, version); err != nil {
		return nil, fmt.Errorf("read version id: %w", err)
	}

	cfg := ConfigData{
		IsSim:     head[0] != 0,
		Device:    device,
		VersionID: string(version),
	}
	logx.Log.Info().
		Bool("is_sim", cfg.IsSim).
		Str("device", cfg.Device.String()).
		Str("version_id", cfg.VersionID).
		Msg("telemetry config")
	return cfg, nil
}

func parseSingleSensor(r io.Reader, id uint8, e Endianness) (any, error) {
	v, err := readFloat32(r, e)
	if err != nil {
		return nil, fmt.Errorf("read sensor value for id 0x%02x: %w", id, err)
	}
	return SensorValue{ID: id, Value: v}, nil
}

func readUint32(r io.Reader, e Endianness) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return e.IntOrder().Uint32(buf[:]), nil
}

func readFloat32(r io.Reader, e Endianness) (float32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return math.Float32frombits(e.FloatOrder().Uint32(buf[:])), nil
}
