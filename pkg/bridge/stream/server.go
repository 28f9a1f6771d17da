package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"groundlink/pkg/engine"
	"groundlink/pkg/logx"
	"groundlink/pkg/protocol"
)

// Config tunes the live telemetry stream endpoint.
type Config struct {
	WSAddr  string
	Path    string
	SendBuf int
}

func DefaultConfig() Config {
	return Config{
		WSAddr:  "127.0.0.1:8765",
		Path:    "/telemetry",
		SendBuf: 64,
	}
}

// HelloMsg is the first frame sent to each client.
type HelloMsg struct {
	Op      string `json:"op"`
	Name    string `json:"name"`
	Session string `json:"session"`
}

// RecordMsg is one decoded subpacket as streamed to clients.
type RecordMsg struct {
	Op         string `json:"op"`
	ReceivedAt string `json:"received_at"`
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Time       uint32 `json:"time"`
	Data       any    `json:"data,omitempty"`
}

// Server fans decoded telemetry records out over websocket. Slow clients
// drop frames rather than stall the hub.
type Server struct {
	cfg     Config
	hub     *engine.Hub
	session string

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func NewServer(cfg Config, hub *engine.Hub) *Server {
	defaults := DefaultConfig()
	if cfg.WSAddr == "" {
		cfg.WSAddr = defaults.WSAddr
	}
	if cfg.Path == "" {
		cfg.Path = defaults.Path
	}
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = defaults.SendBuf
	}
	return &Server{
		cfg:     cfg,
		hub:     hub,
		session: uuid.NewString(),
		clients: make(map[*client]struct{}),
	}
}

func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWS)

	httpServer := &http.Server{
		Addr:    s.cfg.WSAddr,
		Handler: mux,
	}

	sub := s.hub.Subscribe()
	go s.broadcastLoop(ctx, sub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, s.cfg.SendBuf),
	}
	s.addClient(c)
	logx.Log.Debug().Str("client", c.id).Msg("stream client connected")

	hello := HelloMsg{Op: "hello", Name: "groundlink", Session: s.session}
	if err := conn.WriteJSON(hello); err != nil {
		c.close()
		s.removeClient(c)
		return
	}

	go c.writeLoop()
	c.readLoop()

	c.close()
	s.removeClient(c)
	logx.Log.Debug().Str("client", c.id).Msg("stream client disconnected")
}

func (s *Server) broadcastLoop(ctx context.Context, sub <-chan protocol.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-sub:
			if !ok {
				return
			}
			s.broadcastRecord(rec)
		}
	}
}

func (s *Server) broadcastRecord(rec protocol.Record) {
	msg := RecordMsg{
		Op:         "record",
		ReceivedAt: time.Now().UTC().Format(time.RFC3339Nano),
		ID:         fmt.Sprintf("0x%02x", rec.ID),
		Kind:       protocol.KindName(rec.ID),
		Time:       rec.Time,
		Data:       rec.Data,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, c := range s.snapshotClients() {
		c.trySend(payload)
	}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	return clients
}

// readLoop drains inbound frames so pings are answered and close frames
// are noticed; clients have nothing to say otherwise.
func (c *client) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop() {
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// trySend may race c.close when a client disconnects mid-broadcast; the
// recover turns a send on the closed channel into a dropped frame.
func (c *client) trySend(payload []byte) {
	defer func() {
		_ = recover()
	}()
	select {
	case c.send <- payload:
	default:
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}
