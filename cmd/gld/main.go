package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"groundlink/pkg/bridge/stream"
	"groundlink/pkg/config"
	"groundlink/pkg/engine"
	"groundlink/pkg/logger"
	"groundlink/pkg/logx"
	"groundlink/pkg/protocol"
	"groundlink/pkg/sim"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		return runServer([]string{}, stdout, stderr)
	}

	switch args[0] {
	case "server":
		return runServer(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage(stderr)
		return 2
	}
}

func runServer(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", config.DefaultConfigPath, "TOML config path")
	firmware := fs.String("firmware", "", "firmware executable (overrides config)")
	mock := fs.Bool("mock", false, "publish synthetic telemetry instead of hosting firmware")
	mockHz := fs.Int("mock-hz", 20, "synthetic telemetry rate")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, _, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	if *firmware != "" {
		cfg.GLD.Firmware.Executable = *firmware
	}
	if err := cfg.RegisterSubpackets(); err != nil {
		fmt.Fprintln(stderr, "subpacket registry:", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	hub := engine.NewHub(engine.WithBroadcastBuffer(cfg.GLD.Buf))
	go hub.Run(ctx)

	logWriter := logger.NewJSONLWriter(stdout)
	go logWriter.Consume(ctx, hub.Subscribe())

	streamServer := stream.NewServer(stream.Config{
		WSAddr: cfg.GLD.Stream.WSAddr,
		Path:   cfg.GLD.Stream.Path,
	}, hub)
	go func() {
		if err := streamServer.Run(ctx); err != nil {
			logx.Log.Error().Err(err).Msg("stream server failed")
		}
	}()

	if *mock {
		go runMockPublisher(ctx, hub, *mockHz)
		<-ctx.Done()
		return 0
	}

	bridge, err := sim.NewBridge(sim.Config{
		Name:        cfg.GLD.Firmware.Name,
		Executable:  cfg.GLD.Firmware.Executable,
		Dir:         cfg.GLD.Firmware.Dir,
		Hardware:    defaultHardware(),
		HistorySize: cfg.GLD.Firmware.History,
	})
	if err != nil {
		fmt.Fprintln(stderr, "sim bridge:", err)
		return 1
	}
	defer bridge.Shutdown()

	decoder := protocol.NewDecoder()
	endian := bridge.Endianness()
	bridge.RegisterCallback(func(env sim.Envelope) {
		publishDownlink(decoder, endian, env, hub)
	})

	<-ctx.Done()
	return 0
}

// publishDownlink decodes every subpacket in one radio payload and fans
// the records out. It runs on the bridge's read loop, so the decoder has
// exactly one caller.
func publishDownlink(decoder *protocol.Decoder, e protocol.Endianness, env sim.Envelope, hub *engine.Hub) {
	r := bytes.NewReader(env.Data)
	for r.Len() > 0 {
		decoder.SetEndianness(e.IntsBig, e.FloatsBig)
		rec, err := decoder.Extract(r)
		if err != nil {
			logx.Log.Warn().Err(err).
				Str("hwid", env.HWID).
				Int("remaining", r.Len()).
				Msg("dropping rest of radio payload")
			return
		}
		hub.Publish(rec)
	}
}

// defaultHardware seeds the simulated rocket with plausible ground-idle
// readings.
func defaultHardware() *sim.SimHardware {
	return sim.NewSimHardware(map[sim.SensorType][]float32{
		sim.SensorGPS:           {49.262, -123.249, 70.0},
		sim.SensorIMU:           {1, 0, 0, 0},
		sim.SensorAccelerometer: {0, 0, -9.81},
		sim.SensorBarometer:     {101325, 25.0},
		sim.SensorTemperature:   {25.0},
		sim.SensorThermocouple:  {25.0},
	}, map[uint8]uint16{})
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  gld server [--config groundlink.toml] [--firmware path] [--mock] [--mock-hz 20]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server   host the simulated firmware and stream decoded telemetry")
}
