package sensors

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/load"

	"github.com/monitowl/agent/internal/telemetry"
	"github.com/monitowl/agent/internal/worker"
)

func init() {
	register("loadavg", func() worker.Sensor { return &loadavgSensor{} })
}

// loadavgSensor reports the 1/5/15-minute load averages, one of the
// demonstration sensor kinds named in SPEC_FULL.md §12.5, implemented
// with gopsutil/v3/load in place of the original's /proc/loadavg parse.
type loadavgSensor struct{}

func (s *loadavgSensor) Periodic() bool { return true }

func (s *loadavgSensor) Run(ctx context.Context, cfg map[string]any, storage worker.StorageClient) ([]worker.Sample, error) {
	avg, err := load.Avg()
	if err != nil {
		return nil, fmt.Errorf("loadavg: %w", err)
	}
	return []worker.Sample{
		{Stream: "load1", Type: telemetry.Float, Value: avg.Load1},
		{Stream: "load5", Type: telemetry.Float, Value: avg.Load5},
		{Stream: "load15", Type: telemetry.Float, Value: avg.Load15},
	}, nil
}
