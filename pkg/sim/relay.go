package sim

import (
	"errors"
	"sync"
)

var (
	// ErrNoReceiveCallback means no application callback is registered;
	// rocket→ground traffic cannot flow until registration.
	ErrNoReceiveCallback = errors.New("radio receive callback not set")

	// ErrNoTransmitCallback means the ground→rocket side is unwired.
	ErrNoTransmitCallback = errors.New("radio transmit callback not set")
)

// RadioRelay is the simulated point-to-point link standing in for a
// physical transceiver. It holds two optional callback slots: transmit
// (wired to the bridge's outbound Radio-frame sender) and receive (wired
// to the application). Shutdown clears both.
type RadioRelay struct {
	mu       sync.Mutex
	transmit func([]byte)
	receive  func([]byte) error
}

func NewRadioRelay() *RadioRelay {
	return &RadioRelay{}
}

func (r *RadioRelay) SetTransmit(fn func([]byte)) {
	r.mu.Lock()
	r.transmit = fn
	r.mu.Unlock()
}

func (r *RadioRelay) SetReceive(fn func([]byte) error) {
	r.mu.Lock()
	r.receive = fn
	r.mu.Unlock()
}

// SendToRocket relays a ground payload to the rocket endpoint.
func (r *RadioRelay) SendToRocket(data []byte) error {
	r.mu.Lock()
	fn := r.transmit
	r.mu.Unlock()
	if fn == nil {
		return ErrNoTransmitCallback
	}
	fn(data)
	return nil
}

// ReceivedFromRocket relays a rocket payload to the ground endpoint.
func (r *RadioRelay) ReceivedFromRocket(data []byte) error {
	r.mu.Lock()
	fn := r.receive
	r.mu.Unlock()
	if fn == nil {
		return ErrNoReceiveCallback
	}
	return fn(data)
}

func (r *RadioRelay) Shutdown() {
	r.mu.Lock()
	r.transmit = nil
	r.receive = nil
	r.mu.Unlock()
}
