package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"groundlink/pkg/engine"
	"groundlink/pkg/protocol"
	"groundlink/pkg/sim"
)

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"help"}, &out, &errOut); code != 0 {
		t.Fatalf("help exit code = %d", code)
	}
	if !strings.Contains(out.String(), "server") {
		t.Fatalf("usage missing server command: %s", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errOut); code != 2 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("stderr = %s", errOut.String())
	}
}

func downlinkEnvelope(data []byte) sim.Envelope {
	return sim.Envelope{HWID: "TestSIM_CONN_HWID", Data: data}
}

func TestPublishDownlinkDecodesSequentialSubpackets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := engine.NewHub()
	go hub.Run(ctx)
	sub := hub.SubscribeWithBuffer(8)

	// Two little-endian subpackets back to back: a message and a sensor.
	payload := []byte{
		protocol.IDMessage, 0x01, 0x00, 0x00, 0x00,
		0x02, 'h', 'i',
		0x19, 0x02, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x80, 0x3F,
	}

	decoder := protocol.NewDecoder()
	env := downlinkEnvelope(payload)
	publishDownlink(decoder, protocol.Endianness{}, env, hub)

	first := mustRecord(t, sub)
	if first.ID != protocol.IDMessage || first.Data != "hi" {
		t.Fatalf("first record = %+v", first)
	}
	second := mustRecord(t, sub)
	sv, ok := second.Data.(protocol.SensorValue)
	if !ok || sv.Value != 1.0 {
		t.Fatalf("second record = %+v", second)
	}
}

func TestPublishDownlinkDropsRestOnUnknownID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := engine.NewHub()
	go hub.Run(ctx)
	sub := hub.SubscribeWithBuffer(8)

	payload := []byte{
		protocol.IDEvent, 0x00, 0x00, 0x00, 0x01, 0x07,
		0xFE, 0x00, 0x00, 0x00, 0x02, 0x00,
		protocol.IDEvent, 0x00, 0x00, 0x00, 0x03, 0x08,
	}

	decoder := protocol.NewDecoder()
	e := protocol.Endianness{IntsBig: true, FloatsBig: true}
	publishDownlink(decoder, e, downlinkEnvelope(payload), hub)

	first := mustRecord(t, sub)
	if first.ID != protocol.IDEvent || first.Time != 1 {
		t.Fatalf("first record = %+v", first)
	}

	select {
	case rec := <-sub:
		t.Fatalf("record published past unknown id: %+v", rec)
	case <-time.After(100 * time.Millisecond):
	}
}

func mustRecord(t *testing.T, sub <-chan protocol.Record) protocol.Record {
	t.Helper()
	select {
	case rec := <-sub:
		return rec
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for record")
		return protocol.Record{}
	}
}
