package stream_test

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"groundlink/pkg/bridge/stream"
	"groundlink/pkg/engine"
	"groundlink/pkg/protocol"
)

type streamSession struct {
	hub  *engine.Hub
	conn *websocket.Conn
}

func startStreamSession(t *testing.T, cfg stream.Config) *streamSession {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen free port: %v", err)
	}
	cfg.WSAddr = ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	hub := engine.NewHub()
	go hub.Run(ctx)

	srv := stream.NewServer(cfg, hub)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	path := cfg.Path
	if path == "" {
		path = stream.DefaultConfig().Path
	}
	dialURL := url.URL{Scheme: "ws", Host: cfg.WSAddr, Path: path}
	dialer := websocket.Dialer{}

	var conn *websocket.Conn
	for i := 0; i < 80; i++ {
		conn, _, err = dialer.Dial(dialURL.String(), nil)
		if err == nil {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if err != nil {
		cancel()
		t.Fatalf("dial stream websocket: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Fatalf("stream server run error: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for stream server shutdown")
		}
	})

	return &streamSession{hub: hub, conn: conn}
}

func readWSMessage(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	return raw
}

func TestStreamHelloOnConnect(t *testing.T) {
	s := startStreamSession(t, stream.DefaultConfig())

	var hello stream.HelloMsg
	if err := json.Unmarshal(readWSMessage(t, s.conn), &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello.Op != "hello" {
		t.Fatalf("unexpected first op: %s", hello.Op)
	}
	if hello.Name != "groundlink" {
		t.Fatalf("unexpected name: %s", hello.Name)
	}
	if hello.Session == "" {
		t.Fatalf("missing session id")
	}
}

func TestStreamDeliversPublishedRecords(t *testing.T) {
	s := startStreamSession(t, stream.DefaultConfig())

	var hello stream.HelloMsg
	if err := json.Unmarshal(readWSMessage(t, s.conn), &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}

	// The hub registers the broadcast subscriber asynchronously; give
	// Run a moment before publishing.
	time.Sleep(50 * time.Millisecond)

	s.hub.Publish(protocol.Record{
		ID:   protocol.IDMessage,
		Time: 4321,
		Data: "ascending",
	})

	var rec stream.RecordMsg
	if err := json.Unmarshal(readWSMessage(t, s.conn), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.Op != "record" {
		t.Fatalf("unexpected op: %s", rec.Op)
	}
	if rec.ID != "0x01" || rec.Kind != "message" {
		t.Fatalf("unexpected id/kind: %s/%s", rec.ID, rec.Kind)
	}
	if rec.Time != 4321 {
		t.Fatalf("unexpected time: %d", rec.Time)
	}
	if rec.Data != "ascending" {
		t.Fatalf("unexpected data: %#v", rec.Data)
	}
	if _, err := time.Parse(time.RFC3339Nano, rec.ReceivedAt); err != nil {
		t.Fatalf("invalid received_at: %v", err)
	}
}

func TestStreamSensorRecordShape(t *testing.T) {
	s := startStreamSession(t, stream.DefaultConfig())
	_ = readWSMessage(t, s.conn)

	time.Sleep(50 * time.Millisecond)

	s.hub.Publish(protocol.Record{
		ID:   0x19,
		Time: 7,
		Data: protocol.SensorValue{ID: 0x19, Value: 1500.25},
	})

	var rec struct {
		Kind string `json:"kind"`
		Data struct {
			ID    uint8   `json:"id"`
			Value float64 `json:"value"`
		} `json:"data"`
	}
	if err := json.Unmarshal(readWSMessage(t, s.conn), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.Kind != "sensor" {
		t.Fatalf("unexpected kind: %s", rec.Kind)
	}
	if rec.Data.ID != 0x19 || rec.Data.Value != 1500.25 {
		t.Fatalf("unexpected sensor data: %+v", rec.Data)
	}
}

func TestStreamCustomPath(t *testing.T) {
	cfg := stream.DefaultConfig()
	cfg.Path = "/live"
	s := startStreamSession(t, cfg)

	var hello stream.HelloMsg
	if err := json.Unmarshal(readWSMessage(t, s.conn), &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello.Op != "hello" {
		t.Fatalf("unexpected op on custom path: %s", hello.Op)
	}
}
