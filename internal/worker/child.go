package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/monitowl/agent/internal/clock"
	"github.com/monitowl/agent/internal/telemetry"
)

// Sample is one value a Sensor produces during a single Run call.
type Sample struct {
	Stream string
	Type   telemetry.Kind
	Value  any
}

// Sensor is the interface every compile-time sensor kind in
// internal/sensors implements. Run performs exactly one measurement (for
// periodic sensors, one sampling_period tick; for event-driven sensors,
// one blocking wait-for-event cycle) and returns the samples produced.
type Sensor interface {
	Run(ctx context.Context, cfg map[string]any, storage StorageClient) ([]Sample, error)
	// Periodic reports whether this sensor kind is scheduled by
	// sampling_period (true) or runs an internal blocking loop (false).
	// A non-periodic sensor keeps the config it started with: RunChild
	// does not apply reconfigure frames to it.
	Periodic() bool
}

// StorageClient is the child-side handle to its SensorStorage map,
// round-tripped to the parent process over the framed stdio channel
// (SPEC_FULL.md §12.2) rather than shared memory.
type StorageClient interface {
	Get(field string) (json.RawMessage, bool, error)
	Put(field string, value json.RawMessage) error
}

// pipeStorage implements StorageClient against the child's own stdin/
// stdout, synchronously: a storage_get request blocks on replies, which
// is delivered by the single demultiplexing childDemux goroutine rather
// than read directly here, since stdin also carries
// asynchronous reconfigure frames that must not be mistaken for storage
// replies.
type pipeStorage struct {
	key     string
	out     io.Writer
	replies <-chan StorageDataPayload
}

func (s *pipeStorage) Get(field string) (json.RawMessage, bool, error) {
	if err := writeFrame(s.out, KindStorageGet, StorageGetPayload{Key: s.key}); err != nil {
		return nil, false, err
	}
	data, ok := <-s.replies
	if !ok {
		return nil, false, fmt.Errorf("worker: stdin closed waiting for storage_data reply")
	}
	v, present := data.Data[field]
	return v, present, nil
}

func (s *pipeStorage) Put(field string, value json.RawMessage) error {
	return writeFrame(s.out, KindStoragePut, StoragePutPayload{Field: field, Value: value})
}

// Logf sends a log line to the parent for forwarding to the error stream.
func Logf(out io.Writer, level, format string, args ...any) {
	_ = writeFrame(out, KindLog, LogPayload{Level: level, Message: fmt.Sprintf(format, args...)})
}

// RunChild drives one sensor instance's lifecycle inside the spawned
// process: periodic sensors are scheduled here on a monotonic clock with
// run_timeout enforcement and behind-schedule clamping (§4.5); event-
// driven sensors are invoked once and expected to loop internally until
// ctx is cancelled or their own Run returns.
//
// Grounded directly in original_source/whmonit/client/agent.py Sensor.run
// (the sleeptime-then-timeout-then-send_results cycle), replacing its
// interruptingcow.timeout with context.WithTimeout and SIGALRM-free exit
// via os.Exit(SensorTimeoutExitCode) on expiry.
func RunChild(ctx context.Context, clk clock.Clock, sensor Sensor, storageKey string,
	stdin io.Reader, stdout io.Writer, initialCfg map[string]any) error {

	// Orphan protection: a periodic worker stops once its parent changes.
	parentPID := os.Getppid()
	in := bufio.NewReader(stdin)
	cfgCh := make(chan map[string]any, 1)
	repliesCh := make(chan StorageDataPayload)
	go childDemux(in, cfgCh, repliesCh)

	storage := &pipeStorage{key: storageKey, out: stdout, replies: repliesCh}

	cfg := initialCfg
	if cfg == nil {
		// Spawn always writes one reconfigure frame immediately after
		// starting the child (parent.go's Spawn), carrying the real
		// SensorDescriptor config rather than passing it on argv. Block
		// for it here so the first run never executes against an empty
		// config.
		select {
		case cfg = <-cfgCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	runTimeout := configDuration(cfg, "run_timeout", 60*time.Second)
	period := configDuration(cfg, "sampling_period", 0)

	if !sensor.Periodic() {
		return runOnce(ctx, sensor, cfg, storage, runTimeout, stdout)
	}

	next := clk.Monotonic()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case newCfg := <-cfgCh:
			cfg = newCfg
			runTimeout = configDuration(cfg, "run_timeout", 60*time.Second)
			period = configDuration(cfg, "sampling_period", period)
			continue
		default:
		}
		if os.Getppid() != parentPID {
			return nil
		}

		now := clk.Monotonic()
		wait := next.Sub(now)
		if wait < 0 {
			Logf(stdout, "warn", "behind schedule by %s, running immediately", -wait)
			wait = 0
			next = now
		}
		select {
		case <-clk.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		case newCfg := <-cfgCh:
			cfg = newCfg
			runTimeout = configDuration(cfg, "run_timeout", 60*time.Second)
			period = configDuration(cfg, "sampling_period", period)
			continue
		}

		scheduled := next
		next = scheduled.Add(period)
		if err := runOnce(ctx, sensor, cfg, storage, runTimeout, stdout); err != nil {
			return err
		}
	}
}

func runOnce(ctx context.Context, sensor Sensor, cfg map[string]any, storage StorageClient,
	runTimeout time.Duration, stdout io.Writer) error {

	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	samples, err := sensor.Run(runCtx, cfg, storage)
	if runCtx.Err() == context.DeadlineExceeded {
		return errSensorTimeout
	}
	if err != nil {
		Logf(stdout, "error", "sensor run failed: %v", err)
		return nil
	}

	now := time.Now().UTC()
	for _, s := range samples {
		if !telemetry.IsRegistered(s.Type) {
			Logf(stdout, "error", "sensor declared unregistered primitive %q for stream %q", s.Type, s.Stream)
			continue
		}
		if writeErr := writeFrame(stdout, KindResult, ResultPayload{
			Stream: s.Stream,
			Type:   string(s.Type),
			Value:  s.Value,
			Millis: now.UnixMilli(),
		}); writeErr != nil {
			return writeErr
		}
	}
	return nil
}

// errSensorTimeout is a sentinel: cmd/agent's sensor-mode entrypoint
// compares RunChild's error against it with == and returns
// SensorTimeoutExitCode, which main passes to os.Exit, rather than
// printing a normal error, per §4.5.
var errSensorTimeout = fmt.Errorf("worker: sensor run exceeded run_timeout")

// ErrSensorTimeout exposes the sentinel for callers in cmd/agent.
func ErrSensorTimeout() error { return errSensorTimeout }

// childDemux is the sole reader of the child's stdin, routing
// storage_data replies (sent in response to an outstanding storage_get)
// to repliesCh and asynchronous reconfigure frames to cfgCh (single-slot:
// the newest pending reconfiguration replaces any undelivered one).
func childDemux(r *bufio.Reader, cfgCh chan<- map[string]any, repliesCh chan<- StorageDataPayload) {
	for {
		kind, payload, err := readFrame(r)
		if err != nil {
			close(repliesCh)
			return
		}
		switch kind {
		case KindStorageData:
			var data StorageDataPayload
			if json.Unmarshal(payload, &data) == nil {
				repliesCh <- data
			}
		case KindReconfigure:
			var p ReconfigurePayload
			if json.Unmarshal(payload, &p) == nil {
				select {
				case <-cfgCh:
				default:
				}
				cfgCh <- p.Config
			}
		}
	}
}

func configDuration(cfg map[string]any, key string, def time.Duration) time.Duration {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Second
	case int64:
		return time.Duration(n) * time.Second
	case float64:
		return time.Duration(n) * time.Second
	}
	return def
}
