package sensors

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/monitowl/agent/internal/telemetry"
	"github.com/monitowl/agent/internal/worker"
)

func init() {
	register("uptime", func() worker.Sensor { return &uptimeSensor{} })
}

// uptimeSensor reports system uptime in seconds on the "default" stream,
// grounded in original_source's uptime/linux_01.py which reads
// /proc/uptime directly; gopsutil's host.Uptime is the idiomatic
// cross-platform replacement already pulled in for RSS sampling.
type uptimeSensor struct{}

func (s *uptimeSensor) Periodic() bool { return true }

func (s *uptimeSensor) Run(ctx context.Context, cfg map[string]any, storage worker.StorageClient) ([]worker.Sample, error) {
	seconds, err := host.Uptime()
	if err != nil {
		return nil, fmt.Errorf("uptime: %w", err)
	}
	return []worker.Sample{
		{Stream: "default", Type: telemetry.Float, Value: float64(seconds)},
	}, nil
}
