package engine

import (
	"context"

	"groundlink/pkg/protocol"
)

// Hub fans decoded telemetry records out to subscriber channels. Slow
// subscribers drop records rather than stall the pipeline.
type Hub struct {
	broadcast  chan protocol.Record
	register   chan chan protocol.Record
	unregister chan chan protocol.Record
	clients    map[chan protocol.Record]struct{}
	clientBuf  int
}

type Option func(*Hub)

func WithBroadcastBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan protocol.Record, size)
		}
	}
}

func WithClientBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		broadcast:  make(chan protocol.Record, 256),
		register:   make(chan chan protocol.Record),
		unregister: make(chan chan protocol.Record),
		clients:    make(map[chan protocol.Record]struct{}),
		clientBuf:  100,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for ch := range h.clients {
				close(ch)
			}
			return
		case ch := <-h.register:
			h.clients[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		case rec := <-h.broadcast:
			for ch := range h.clients {
				select {
				case ch <- rec:
				default:
				}
			}
		}
	}
}

func (h *Hub) Subscribe() chan protocol.Record {
	return h.SubscribeWithBuffer(h.clientBuf)
}

func (h *Hub) SubscribeWithBuffer(size int) chan protocol.Record {
	if size <= 0 {
		size = h.clientBuf
	}
	ch := make(chan protocol.Record, size)
	h.register <- ch
	return ch
}

func (h *Hub) Unsubscribe(ch chan protocol.Record) {
	h.unregister <- ch
}

func (h *Hub) Publish(rec protocol.Record) {
	h.broadcast <- rec
}
