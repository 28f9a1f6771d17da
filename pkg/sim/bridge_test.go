package sim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fwEnd is the firmware side of an in-memory connection: write frames the
// bridge will read, read frames the bridge sends back.
type fwEnd struct {
	out  *io.PipeWriter // firmware stdout
	in   *io.PipeReader // firmware stdin
	proc *fakeProc
}

type fakeProc struct {
	kills   atomic.Int32
	closers []io.Closer
}

func (p *fakeProc) Kill() error {
	p.kills.Add(1)
	for _, c := range p.closers {
		_ = c.Close()
	}
	return nil
}

type fakeHW struct {
	*SimHardware
	mu        sync.Mutex
	shutdowns int
}

func newFakeHW() *fakeHW {
	return &fakeHW{SimHardware: NewSimHardware(nil, nil)}
}

func (h *fakeHW) Shutdown() {
	h.mu.Lock()
	h.shutdowns++
	h.mu.Unlock()
}

func (h *fakeHW) shutdownCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shutdowns
}

var configBothBig = []byte{0x04, 0, 0, 0, 0xC0, 0, 0, 0}

// startBridge runs the firmware half of the handshake on a goroutine and
// hands back a running bridge plus the firmware's pipe ends.
func startBridge(t *testing.T, hw HardwareModel, configPayload []byte) (*Bridge, *fwEnd) {
	t.Helper()

	bridgeIn, fwOut := io.Pipe()  // firmware stdout -> bridge reader
	fwIn, bridgeOut := io.Pipe()  // bridge writer -> firmware stdin
	proc := &fakeProc{closers: []io.Closer{fwOut, fwIn}}

	handshakeErr := make(chan error, 1)
	go func() {
		if _, err := fwOut.Write([]byte("SYN")); err != nil {
			handshakeErr <- err
			return
		}
		ack := make([]byte, 3)
		if _, err := io.ReadFull(fwIn, ack); err != nil {
			handshakeErr <- err
			return
		}
		if !bytes.Equal(ack, []byte("ACK")) {
			handshakeErr <- errors.New("bad ack")
			return
		}
		frame := append([]byte{opConfig, 0x00, 0x08}, configPayload...)
		_, err := fwOut.Write(frame)
		handshakeErr <- err
	}()

	b, err := newBridge("Test", proc, bridgeOut, bridgeIn, hw, 32)
	if err != nil {
		t.Fatalf("bridge construction failed: %v", err)
	}
	if err := <-handshakeErr; err != nil {
		t.Fatalf("firmware handshake half failed: %v", err)
	}

	t.Cleanup(b.Shutdown)
	return b, &fwEnd{out: fwOut, in: fwIn, proc: proc}
}

func (f *fwEnd) writeFrame(t *testing.T, op uint8, payload []byte) {
	t.Helper()
	frame := make([]byte, 3+len(payload))
	frame[0] = op
	binary.BigEndian.PutUint16(frame[1:3], uint16(len(payload)))
	copy(frame[3:], payload)
	if _, err := f.out.Write(frame); err != nil {
		t.Fatalf("write frame 0x%02x: %v", op, err)
	}
}

func (f *fwEnd) readFrame(t *testing.T) (uint8, []byte) {
	t.Helper()
	head := make([]byte, 3)
	if _, err := io.ReadFull(f.in, head); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	length := binary.BigEndian.Uint16(head[1:3])
	payload := make([]byte, length)
	if _, err := io.ReadFull(f.in, payload); err != nil {
		t.Fatalf("read frame payload: %v", err)
	}
	return head[0], payload
}

func waitLoopExit(t *testing.T, b *Bridge) {
	t.Helper()
	select {
	case <-b.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("read loop did not terminate")
	}
}

func TestEndiannessNegotiationTable(t *testing.T) {
	cases := []struct {
		intByte   byte
		floatByte byte
		intsBig   bool
		floatsBig bool
	}{
		{0x04, 0xC0, true, true},
		{0x04, 0x00, true, false},
		{0x00, 0xC0, false, true},
		{0x00, 0x00, false, false},
		{0x04, 0x0C, true, false},
		{0x40, 0xC0, false, true},
		{0x05, 0xC1, false, false},
		{0x01, 0x04, false, false},
	}

	for _, tc := range cases {
		payload := []byte{tc.intByte, 0, 0, 0, tc.floatByte, 0, 0, 0}
		b, _ := startBridge(t, newFakeHW(), payload)
		if b.IntBigEndian() != tc.intsBig {
			t.Fatalf("int byte 0x%02x: IntBigEndian=%v, want %v", tc.intByte, b.IntBigEndian(), tc.intsBig)
		}
		if b.FloatBigEndian() != tc.floatsBig {
			t.Fatalf("float byte 0x%02x: FloatBigEndian=%v, want %v", tc.floatByte, b.FloatBigEndian(), tc.floatsBig)
		}
		b.Shutdown()
	}
}

func TestHandshakeRejectsBadSyn(t *testing.T) {
	bridgeIn, fwOut := io.Pipe()
	fwIn, bridgeOut := io.Pipe()
	proc := &fakeProc{closers: []io.Closer{fwOut, fwIn}}

	go func() {
		_, _ = fwOut.Write([]byte("NAK"))
	}()

	_, err := newBridge("Test", proc, bridgeOut, bridgeIn, newFakeHW(), 32)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
}

func TestFirstFrameMustBeConfig(t *testing.T) {
	bridgeIn, fwOut := io.Pipe()
	fwIn, bridgeOut := io.Pipe()
	proc := &fakeProc{closers: []io.Closer{fwOut, fwIn}}

	go func() {
		_, _ = fwOut.Write([]byte("SYN"))
		ack := make([]byte, 3)
		_, _ = io.ReadFull(fwIn, ack)
		_, _ = fwOut.Write([]byte{opBuzzer, 0x00, 0x01, 0x05})
	}()

	_, err := newBridge("Test", proc, bridgeOut, bridgeIn, newFakeHW(), 32)
	if err == nil {
		t.Fatalf("expected negotiation failure on non-config first frame")
	}
}

func TestBuzzerFrameIsLogOnly(t *testing.T) {
	_, fw := startBridge(t, newFakeHW(), configBothBig)

	fw.writeFrame(t, opBuzzer, []byte{0x05})

	// A follow-up request proves the loop survived the buzzer frame.
	fw.writeFrame(t, opAnalogRead, []byte{0x01})
	op, payload := fw.readFrame(t)
	if op != opAnalogRead {
		t.Fatalf("unexpected response opcode: 0x%02x", op)
	}
	if len(payload) != 2 {
		t.Fatalf("unexpected response payload: %v", payload)
	}
}

func TestDigitalPinWriteForwardsToHardware(t *testing.T) {
	hw := newFakeHW()
	_, fw := startBridge(t, hw, configBothBig)

	fw.writeFrame(t, opDigitalPinWrite, []byte{7, 1})

	deadline := time.After(time.Second)
	for hw.DigitalRead(7) != 1 {
		select {
		case <-deadline:
			t.Fatalf("digital write never reached hardware model")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAnalogReadResponse(t *testing.T) {
	hw := newFakeHW()
	hw.SimHardware = NewSimHardware(nil, map[uint8]uint16{3: 512})
	_, fw := startBridge(t, hw, configBothBig)

	fw.writeFrame(t, opAnalogRead, []byte{3})
	op, payload := fw.readFrame(t)
	if op != opAnalogRead {
		t.Fatalf("unexpected opcode: 0x%02x", op)
	}
	if !bytes.Equal(payload, []byte{0x02, 0x00}) {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestSensorReadPacksBigEndianFloats(t *testing.T) {
	hw := newFakeHW()
	hw.SetSensor(SensorIMU, []float32{1.0, 2.0})
	_, fw := startBridge(t, hw, configBothBig)

	fw.writeFrame(t, opSensorRead, []byte{0x01})
	op, payload := fw.readFrame(t)
	if op != opSensorRead {
		t.Fatalf("unexpected opcode: 0x%02x", op)
	}
	want := make([]byte, 8)
	binary.BigEndian.PutUint32(want[0:4], math.Float32bits(1.0))
	binary.BigEndian.PutUint32(want[4:8], math.Float32bits(2.0))
	if !bytes.Equal(payload, want) {
		t.Fatalf("payload = %x, want %x", payload, want)
	}
}

func TestSensorReadLittleEndianFloats(t *testing.T) {
	hw := newFakeHW()
	hw.SetSensor(SensorBarometer, []float32{-2.5})
	_, fw := startBridge(t, hw, []byte{0x04, 0, 0, 0, 0x00, 0, 0, 0})

	fw.writeFrame(t, opSensorRead, []byte{0x03})
	_, payload := fw.readFrame(t)
	want := make([]byte, 4)
	binary.LittleEndian.PutUint32(want, math.Float32bits(-2.5))
	if !bytes.Equal(payload, want) {
		t.Fatalf("payload = %x, want %x", payload, want)
	}
}

func TestRadioFrameReachesCallback(t *testing.T) {
	b, fw := startBridge(t, newFakeHW(), configBothBig)

	envelopes := make(chan Envelope, 1)
	b.RegisterCallback(func(env Envelope) {
		envelopes <- env
	})

	fw.writeFrame(t, opRadio, []byte("abc"))

	select {
	case env := <-envelopes:
		if env.HWID != "TestSIM_CONN_HWID" {
			t.Fatalf("unexpected hwid: %s", env.HWID)
		}
		if env.Connection != b {
			t.Fatalf("envelope not tagged with originating connection")
		}
		if !bytes.Equal(env.Data, []byte("abc")) {
			t.Fatalf("unexpected payload: %v", env.Data)
		}
	case <-time.After(time.Second):
		t.Fatalf("radio payload never delivered")
	}
}

func TestZeroLengthRadioContinues(t *testing.T) {
	b, fw := startBridge(t, newFakeHW(), configBothBig)

	envelopes := make(chan Envelope, 2)
	b.RegisterCallback(func(env Envelope) {
		envelopes <- env
	})

	fw.writeFrame(t, opRadio, nil)
	fw.writeFrame(t, opRadio, []byte{0x42})

	for i := 0; i < 2; i++ {
		select {
		case <-envelopes:
		case <-time.After(time.Second):
			t.Fatalf("radio payload %d never delivered", i)
		}
	}
}

func TestRadioWithoutCallbackKillsLoop(t *testing.T) {
	b, fw := startBridge(t, newFakeHW(), configBothBig)

	fw.writeFrame(t, opRadio, []byte{0x01})
	waitLoopExit(t, b)
}

func TestUnknownOpcodeTerminatesLoop(t *testing.T) {
	b, fw := startBridge(t, newFakeHW(), configBothBig)

	fw.writeFrame(t, 0xEE, []byte{0x01})
	waitLoopExit(t, b)
}

func TestRecurringConfigIsViolation(t *testing.T) {
	b, fw := startBridge(t, newFakeHW(), configBothBig)

	fw.writeFrame(t, opConfig, configBothBig)
	waitLoopExit(t, b)
}

func TestSendRejectsForeignHWID(t *testing.T) {
	b, fw := startBridge(t, newFakeHW(), configBothBig)

	err := b.Send("SomeOtherHWID", []byte{0x01})
	if !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("expected identity mismatch, got %v", err)
	}

	// The matching identity does go out as a radio frame; the rejected
	// send must not have queued anything ahead of it.
	go func() {
		_ = b.Send(b.HWID(), []byte("up"))
	}()
	op, payload := fw.readFrame(t)
	if op != opRadio || !bytes.Equal(payload, []byte("up")) {
		t.Fatalf("unexpected uplink frame: op=0x%02x payload=%v", op, payload)
	}
}

func TestBroadcastWritesRadioFrame(t *testing.T) {
	b, fw := startBridge(t, newFakeHW(), configBothBig)

	go func() {
		_ = b.Broadcast([]byte{0xDE, 0xAD})
	}()
	op, payload := fw.readFrame(t)
	if op != opRadio {
		t.Fatalf("unexpected opcode: 0x%02x", op)
	}
	if !bytes.Equal(payload, []byte{0xDE, 0xAD}) {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	hw := newFakeHW()
	b, fw := startBridge(t, hw, configBothBig)

	done := make(chan struct{}, 2)
	go func() {
		b.Shutdown()
		done <- struct{}{}
	}()
	go func() {
		b.Shutdown()
		done <- struct{}{}
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("shutdown %d hung", i)
		}
	}

	if kills := fw.proc.kills.Load(); kills != 1 {
		t.Fatalf("subprocess killed %d times", kills)
	}
	if hw.shutdownCount() != 1 {
		t.Fatalf("hardware model shut down %d times", hw.shutdownCount())
	}
}

func TestShutdownClearsRelayAndRejectsTraffic(t *testing.T) {
	b, _ := startBridge(t, newFakeHW(), configBothBig)

	b.Shutdown()
	if err := b.Broadcast([]byte{0x01}); !errors.Is(err, ErrNoTransmitCallback) {
		t.Fatalf("expected cleared transmit slot, got %v", err)
	}
}

// Encoding a SensorRead response and decoding it as single-sensor
// subpackets must reproduce the float bit patterns exactly.
func TestSensorVectorRoundTrip(t *testing.T) {
	vals := []float32{1.0, 2.0, -0.5, 3.14159}
	payload := packFloats(vals, binary.BigEndian)

	for i, v := range vals {
		bits := binary.BigEndian.Uint32(payload[4*i:])
		if bits != math.Float32bits(v) {
			t.Fatalf("value %d: bits %08x, want %08x", i, bits, math.Float32bits(v))
		}
	}
}
