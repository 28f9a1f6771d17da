package main

import (
	"context"
	"math"
	"time"

	"groundlink/pkg/engine"
	"groundlink/pkg/protocol"
)

// Synthetic flight profile for running the pipeline without firmware.
const (
	mockAltitudeID    = 0x19
	mockPressureID    = 0x13
	mockTemperatureID = 0x15

	mockApogeeMeters    = 3000.0
	mockFlightPeriodSec = 120.0
	mockGroundPressure  = 101325.0
	mockGroundTempC     = 25.0
)

func runMockPublisher(ctx context.Context, hub *engine.Hub, hz int) {
	if hz <= 0 {
		hz = 20
	}
	interval := time.Second / time.Duration(hz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t := time.Since(start).Seconds()
			ts := uint32(time.Since(start).Milliseconds())
			alt := mockAltitude(t)
			for _, rec := range []protocol.Record{
				sensorRecord(mockAltitudeID, ts, float32(alt)),
				sensorRecord(mockPressureID, ts, float32(pressureAt(alt))),
				sensorRecord(mockTemperatureID, ts, float32(mockGroundTempC-0.0065*alt)),
			} {
				hub.Publish(rec)
			}
		}
	}
}

func sensorRecord(id uint8, ts uint32, value float32) protocol.Record {
	return protocol.Record{
		ID:   id,
		Time: ts,
		Data: protocol.SensorValue{ID: id, Value: value},
	}
}

// mockAltitude traces a half-sine boost/descent arc, clamped to ground
// level between flights.
func mockAltitude(t float64) float64 {
	phase := math.Mod(t, mockFlightPeriodSec) / mockFlightPeriodSec
	alt := mockApogeeMeters * math.Sin(math.Pi*phase)
	if alt < 0 {
		return 0
	}
	return alt
}

// pressureAt applies the barometric formula for the troposphere.
func pressureAt(altMeters float64) float64 {
	return mockGroundPressure * math.Pow(1.0-2.25577e-5*altMeters, 5.25588)
}
