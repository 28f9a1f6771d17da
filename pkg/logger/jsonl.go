package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"groundlink/pkg/protocol"
)

// JSONLWriter streams each decoded subpacket record as one JSON object
// per line. Every writer carries a session id so interleaved runs stay
// distinguishable downstream.
type JSONLWriter struct {
	enc     *json.Encoder
	session string
}

type jsonRecord struct {
	ReceivedAt string `json:"received_at"`
	Session    string `json:"session"`
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Time       uint32 `json:"time"`
	Data       any    `json:"data,omitempty"`
	Text       string `json:"text,omitempty"`
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{
		enc:     enc,
		session: uuid.NewString(),
	}
}

// Session is the id stamped on every line this writer emits.
func (j *JSONLWriter) Session() string { return j.session }

func (j *JSONLWriter) Consume(ctx context.Context, in <-chan protocol.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-in:
			if !ok {
				return
			}
			rec := jsonRecord{
				ReceivedAt: time.Now().UTC().Format(time.RFC3339Nano),
				Session:    j.session,
				ID:         formatID(pkt.ID),
				Kind:       protocol.KindName(pkt.ID),
				Time:       pkt.Time,
				Data:       pkt.Data,
			}
			if text, ok := pkt.Data.(string); ok && pkt.ID == protocol.IDMessage {
				rec.Text = text
			}
			_ = j.enc.Encode(rec)
		}
	}
}

func formatID(id uint8) string {
	return fmt.Sprintf("0x%02x", id)
}
