package sim

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"groundlink/pkg/logx"
	"groundlink/pkg/protocol"
)

var (
	// ErrIdentityMismatch is returned by Send when the target hwid is not
	// this connection's identity.
	ErrIdentityMismatch = errors.New("connection does not support target hwid")

	errProtocolViolation = errors.New("sim protocol violation")
	errStreamClosed      = errors.New("sim stream closed")
)

// Envelope is one radio payload delivered to the application, tagged with
// the originating connection.
type Envelope struct {
	HWID       string
	Connection *Bridge
	Data       []byte
}

// process is the slice of a subprocess the bridge needs: force-kill.
type process interface {
	Kill() error
}

type cmdProcess struct {
	cmd *exec.Cmd
}

func (p cmdProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	go p.cmd.Wait()
	return nil
}

// Config describes one firmware connection.
type Config struct {
	// Name prefixes the connection identity, usually the firmware name.
	Name string
	// Executable is the firmware binary to host as a child process.
	Executable string
	// Dir is the working directory for the subprocess.
	Dir string
	// Hardware supplies simulated sensor and pin values.
	Hardware HardwareModel
	// HistorySize bounds the diagnostic byte history (default 500).
	HistorySize int
}

// Bridge hosts a firmware executable as a child process and shuttles
// framed commands and responses over its stdio pipes. Construction
// performs the SYN/ACK handshake and endianness negotiation; both must
// succeed or the connection never becomes usable. A dedicated goroutine
// is the sole reader of the firmware's output; outbound frames are
// written whole under a mutex so they never interleave. Neither
// direction has a timeout: a wedged firmware wedges the bridge until
// Shutdown force-kills it.
type Bridge struct {
	hwid   string
	log    zerolog.Logger
	proc   process
	stdin  io.Writer
	reader *FrameReader
	relay  *RadioRelay
	hw     HardwareModel
	endian protocol.Endianness

	writeMu sync.Mutex

	cbMu     sync.Mutex
	callback func(Envelope)

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	done         chan struct{}
}

// NewBridge launches the firmware executable and brings the connection to
// the running state. Launch, handshake, or negotiation failures are fatal.
func NewBridge(cfg Config) (*Bridge, error) {
	if cfg.Hardware == nil {
		return nil, errors.New("hardware model required")
	}

	cmd := exec.Command(cfg.Executable)
	cmd.Dir = cfg.Dir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("firmware stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("firmware stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch firmware %s: %w", cfg.Executable, err)
	}

	proc := cmdProcess{cmd: cmd}
	b, err := newBridge(cfg.Name, proc, stdin, stdout, cfg.Hardware, cfg.HistorySize)
	if err != nil {
		_ = proc.Kill()
		return nil, err
	}
	return b, nil
}

func newBridge(name string, proc process, stdin io.Writer, stdout io.Reader, hw HardwareModel, historySize int) (*Bridge, error) {
	hwid := name + "SIM_CONN_HWID"
	b := &Bridge{
		hwid:   hwid,
		log:    logx.Log.With().Str("hwid", hwid).Logger(),
		proc:   proc,
		stdin:  stdin,
		reader: NewFrameReader(stdout, historySize),
		relay:  NewRadioRelay(),
		hw:     hw,
		done:   make(chan struct{}),
	}

	if err := b.handshake(); err != nil {
		return nil, fmt.Errorf("firmware handshake: %w", err)
	}
	if err := b.negotiate(); err != nil {
		return nil, fmt.Errorf("endianness negotiation: %w", err)
	}

	b.relay.SetTransmit(func(data []byte) {
		if err := b.writeFrame(opRadio, data); err != nil && !b.shuttingDown.Load() {
			b.log.Error().Err(err).Msg("radio uplink write failed")
		}
	})

	go b.run()
	return b, nil
}

// HWID is this connection's fixed identity.
func (b *Bridge) HWID() string { return b.hwid }

// IntBigEndian reports whether integers on this link are big-endian.
func (b *Bridge) IntBigEndian() bool { return b.endian.IntsBig }

// FloatBigEndian reports whether floats on this link are big-endian.
func (b *Bridge) FloatBigEndian() bool { return b.endian.FloatsBig }

// Endianness returns the byte order negotiated at connection start.
func (b *Bridge) Endianness() protocol.Endianness { return b.endian }

// RegisterCallback wires the application's receive side. Until it is
// called, inbound radio traffic errors out and terminates the read loop.
func (b *Bridge) RegisterCallback(fn func(Envelope)) {
	b.cbMu.Lock()
	b.callback = fn
	b.cbMu.Unlock()
	b.relay.SetReceive(b.receive)
}

func (b *Bridge) receive(data []byte) error {
	b.cbMu.Lock()
	fn := b.callback
	b.cbMu.Unlock()
	if fn == nil {
		return ErrNoReceiveCallback
	}
	fn(Envelope{HWID: b.hwid, Connection: b, Data: data})
	return nil
}

// Send routes data to the rocket, rejecting any hwid other than this
// connection's own. Nothing is forwarded on a mismatch.
func (b *Bridge) Send(hwid string, data []byte) error {
	if hwid != b.hwid {
		return fmt.Errorf("hwid %q: %w", hwid, ErrIdentityMismatch)
	}
	return b.Broadcast(data)
}

// Broadcast routes data to the rocket unconditionally.
func (b *Bridge) Broadcast(data []byte) error {
	return b.relay.SendToRocket(data)
}

// Shutdown tears the connection down exactly once: the guard flag is set
// first so the read loop's own error path stays quiet, then the relay and
// hardware model stop, the subprocess is force-killed, and the read loop
// is joined before returning. Safe under concurrent invocation.
func (b *Bridge) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.shuttingDown.Store(true)
		b.relay.Shutdown()
		b.hw.Shutdown()
		if err := b.proc.Kill(); err != nil {
			b.log.Warn().Err(err).Msg("firmware kill failed")
		}
	})
	<-b.done
}

func (b *Bridge) handshake() error {
	syn := b.reader.Read(3)
	if !bytes.Equal(syn, []byte("SYN")) {
		return fmt.Errorf("expected SYN, got %q", syn)
	}
	return b.writeRaw([]byte("ACK"))
}

// negotiate consumes the mandatory first Config frame. One designated
// byte selects integer endianness, another float endianness, fixed for
// the connection's lifetime. Config is never expected again.
func (b *Bridge) negotiate() error {
	head := b.reader.Read(3)
	if len(head) < 3 {
		return errStreamClosed
	}
	if head[0] != opConfig {
		return fmt.Errorf("expected config opcode 0x%02x, got 0x%02x", opConfig, head[0])
	}
	length := binary.BigEndian.Uint16(head[1:3])
	if length != 8 {
		return fmt.Errorf("config payload length %d, want 8", length)
	}
	payload := b.reader.Read(8)
	if len(payload) < 8 {
		return errStreamClosed
	}

	b.endian = protocol.Endianness{
		IntsBig:   payload[0] == 0x04,
		FloatsBig: payload[4] == 0xC0,
	}
	b.log.Info().
		Bool("big_endian_ints", b.endian.IntsBig).
		Bool("big_endian_floats", b.endian.FloatsBig).
		Msg("sim endianness negotiated")
	return nil
}

// run is the read loop: one opcode, one length, one payload, dispatched
// in strict receipt order. It exits on stream closure, on a protocol
// violation, or on a handler error.
func (b *Bridge) run() {
	defer close(b.done)

	for {
		idb := b.reader.Read(1)
		if len(idb) == 0 {
			if !b.shuttingDown.Load() {
				b.log.Error().Msg("sim stream closed unexpectedly")
			}
			break
		}

		err := b.dispatch(idb[0])
		if err == nil {
			continue
		}
		if errors.Is(err, errProtocolViolation) {
			b.log.Error().Err(err).
				Str("history", hex.EncodeToString(b.reader.History())).
				Msg("sim protocol violation, shutting down read loop")
			break
		}
		if !b.shuttingDown.Load() {
			b.log.Error().Err(err).Msg("error in sim connection")
		}
		break
	}

	b.log.Warn().Msg("sim read loop shut down")
}

// dispatch handles one recognized opcode. Config deliberately falls
// through to the violation path: it must not recur after negotiation.
func (b *Bridge) dispatch(op uint8) error {
	switch op {
	case opBuzzer:
		return b.handleBuzzer()
	case opDigitalPinWrite:
		return b.handleDigitalPinWrite()
	case opRadio:
		return b.handleRadio()
	case opAnalogRead:
		return b.handleAnalogRead()
	case opSensorRead:
		return b.handleSensorRead()
	default:
		return fmt.Errorf("opcode 0x%02x: %w", op, errProtocolViolation)
	}
}

func (b *Bridge) handleBuzzer() error {
	data, err := b.readSized(1)
	if err != nil {
		return err
	}
	b.log.Info().Uint8("song_type", data[0]).Msg("bell rang")
	return nil
}

func (b *Bridge) handleDigitalPinWrite() error {
	data, err := b.readSized(2)
	if err != nil {
		return err
	}
	pin, value := data[0], data[1]
	b.hw.DigitalWrite(pin, value)
	b.log.Info().Uint8("pin", pin).Uint8("value", value).Msg("digital pin write")
	return nil
}

func (b *Bridge) handleRadio() error {
	length, err := b.readLength()
	if err != nil {
		return err
	}
	if length == 0 {
		b.log.Warn().Msg("empty sim radio payload received")
	}
	data, err := b.readExact(int(length))
	if err != nil {
		return err
	}
	return b.relay.ReceivedFromRocket(data)
}

func (b *Bridge) handleAnalogRead() error {
	data, err := b.readSized(1)
	if err != nil {
		return err
	}
	value := b.hw.AnalogRead(data[0])
	payload := []byte{byte(value >> 8), byte(value)}
	return b.writeFrame(opAnalogRead, payload)
}

func (b *Bridge) handleSensorRead() error {
	data, err := b.readSized(1)
	if err != nil {
		return err
	}
	kind, ok := sensorByID[data[0]]
	if !ok {
		return fmt.Errorf("unknown sensor id 0x%02x", data[0])
	}
	vals := b.hw.SensorRead(kind)
	if len(vals) == 0 {
		b.log.Warn().Str("sensor", kind.String()).Msg("empty sensor vector")
	}
	return b.writeFrame(opSensorRead, packFloats(vals, b.endian.FloatOrder()))
}

// readSized reads a length header and requires it to equal want.
func (b *Bridge) readSized(want uint16) ([]byte, error) {
	length, err := b.readLength()
	if err != nil {
		return nil, err
	}
	if length != want {
		return nil, fmt.Errorf("payload length %d, want %d", length, want)
	}
	return b.readExact(int(want))
}

func (b *Bridge) readLength() (uint16, error) {
	data := b.reader.Read(2)
	if len(data) < 2 {
		return 0, errStreamClosed
	}
	return binary.BigEndian.Uint16(data), nil
}

func (b *Bridge) readExact(n int) ([]byte, error) {
	data := b.reader.Read(n)
	if len(data) < n {
		return nil, errStreamClosed
	}
	return data, nil
}

func (b *Bridge) writeFrame(op uint8, payload []byte) error {
	return b.writeRaw(encodeFrame(op, payload))
}

// writeRaw writes a complete frame in one call under the write mutex so
// concurrent senders can never interleave partial frames on the pipe.
func (b *Bridge) writeRaw(frame []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.stdin.Write(frame); err != nil {
		return fmt.Errorf("write to firmware: %w", err)
	}
	return nil
}
