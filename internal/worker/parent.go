package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/monitowl/agent/internal/config"
	"github.com/monitowl/agent/internal/logging"
	"github.com/monitowl/agent/internal/queue"
	"github.com/monitowl/agent/internal/sensorstorage"
	"github.com/monitowl/agent/internal/telemetry"
)

// SensorTimeoutExitCode is the exit code a sensor-mode child uses when a
// single run exceeds its configured run_timeout, grounded in
// original_source/whmonit/client/agent.py's TimeoutException handling.
const SensorTimeoutExitCode = 22

// State is the SensorWorker lifecycle (§4.5).
type State int

const (
	StateStarting State = iota
	StateRunning
	StateReconfiguring
	StateTerminating
	StateExited
)

// Worker manages one SensorWorker OS process from the Supervisor side: it
// owns the child's stdio pipes, routes result/storage/log messages, and
// exposes the single-slot reconfiguration mailbox and RSS sampling §4.5
// names.
//
// Grounded in original_source/whmonit/client/agent.py's Sensor process
// class (psutil.Process(pid) for RSS, __getstate__/__setstate__ framing
// for child args) and internal/cluster/agent/agent.go's supervised-process
// idiom for restart/backoff bookkeeping.
type Worker struct {
	Kind     string
	Desc     config.SensorDescriptor
	configID string // immutable for this Worker's lifetime; safe to read without w.mu
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	log      *slog.Logger
	resultQ  *queue.Queue
	storage  *sensorstorage.Manager
	errSink  logging.ErrorSink

	state   atomic.Int32
	exited  chan struct{}
	exitErr error

	mu          sync.Mutex
	reconfigure chan config.SensorDescriptor
}

// Spawn re-invokes the agent binary in sensor mode (`<binary> sensor
// --kind=<kind>`) with the descriptor's config JSON on the child's stdin
// as the first frame, and begins routing its stdout messages.
func Spawn(ctx context.Context, binaryPath string, kind string, desc config.SensorDescriptor,
	resultQ *queue.Queue, storage *sensorstorage.Manager, errSink logging.ErrorSink, log *slog.Logger) (*Worker, error) {

	cmd := exec.CommandContext(ctx, binaryPath, "sensor", "--kind="+kind, "--config-id="+desc.ConfigID)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdout pipe: %w", err)
	}

	w := &Worker{
		Kind:        kind,
		Desc:        desc,
		configID:    desc.ConfigID,
		cmd:         cmd,
		stdin:       stdin,
		log:         log,
		resultQ:     resultQ,
		storage:     storage,
		errSink:     errSink,
		exited:      make(chan struct{}),
		reconfigure: make(chan config.SensorDescriptor, 1),
	}
	w.state.Store(int32(StateStarting))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: start %s: %w", kind, err)
	}

	if err := writeFrame(stdin, KindReconfigure, ReconfigurePayload{Config: desc.Config}); err != nil {
		w.log.Warn("worker: failed to send initial config", "kind", kind, "config_id", desc.ConfigID, "error", err)
	}
	w.state.Store(int32(StateRunning))

	go w.readLoop(stdout)
	go func() {
		w.exitErr = cmd.Wait()
		w.state.Store(int32(StateExited))
		close(w.exited)
	}()

	return w, nil
}

func (w *Worker) readLoop(stdout io.ReadCloser) {
	r := bufio.NewReader(stdout)
	for {
		kind, payload, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				w.log.Debug("worker: read loop ended", "kind", w.Kind, "config_id", w.configID, "error", err)
			}
			return
		}
		switch kind {
		case KindResult:
			var p ResultPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				w.log.Error("worker: malformed result frame", "error", err)
				continue
			}
			t := telemetry.Kind(p.Type)
			if !telemetry.IsRegistered(t) {
				w.log.Error("worker: result declares unregistered primitive",
					"config_id", w.configID, "stream", p.Stream, "type", p.Type)
				continue
			}
			w.resultQ.Send(telemetry.DataPoint{
				ConfigID:  w.configID,
				Stream:    p.Stream,
				Type:      t,
				Value:     p.Value,
				Timestamp: telemetry.FromEpochMillis(p.Millis),
			})

		case KindStorageGet:
			var req StorageGetPayload
			_ = json.Unmarshal(payload, &req)
			m := w.storage.Get(req.Key)
			reply := StorageDataPayload{Data: m.Snapshot()}
			if err := writeFrame(w.stdin, KindStorageData, reply); err != nil {
				w.log.Error("worker: failed to reply to storage_get", "error", err)
			}

		case KindStoragePut:
			var req StoragePutPayload
			if err := json.Unmarshal(payload, &req); err != nil {
				w.log.Error("worker: malformed storage_put frame", "error", err)
				continue
			}
			name := sensorstorage.Name(w.Kind, w.configID)
			w.storage.Get(name).Set(req.Field, req.Value)

		case KindLog:
			var p LogPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				continue
			}
			w.log.Error("sensor log", "config_id", w.configID, "level", p.Level, "message", p.Message)
			if w.errSink != nil {
				w.errSink.SendError(fmt.Sprintf("%s[%s]: %s", w.Kind, w.configID, p.Message))
			}

		default:
			w.log.Warn("worker: unknown frame kind", "kind", kind)
		}
	}
}

// Reconfigure delivers a new config to a running periodic worker via the
// single-slot mailbox: a non-blocking send that replaces any
// not-yet-delivered pending reconfiguration, mirroring
// internal/engine/scheduler.go's resetCh pattern generalized across the
// process boundary (§4.5). It reports whether the descriptor actually
// changed anything, so the caller can distinguish a real reconfiguration
// from a no-op for metrics/logging.
func (w *Worker) Reconfigure(desc config.SensorDescriptor) (changed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if reflect.DeepEqual(w.Desc, desc) {
		// P7: an unchanged descriptor delivers no reconfigure message,
		// matching agent.py's `if config != self.config`.
		return false
	}
	select {
	case <-w.reconfigure:
	default:
	}
	w.reconfigure <- desc
	w.Desc = desc
	w.state.Store(int32(StateReconfiguring))
	if err := writeFrame(w.stdin, KindReconfigure, ReconfigurePayload{Config: desc.Config}); err != nil {
		w.log.Warn("worker: failed to deliver reconfiguration", "config_id", desc.ConfigID, "error", err)
		return true
	}
	w.state.Store(int32(StateRunning))
	return true
}

// Stop terminates the worker gently (SIGTERM) and waits for exit, per
// §4.8's shutdown sequence. If the process does not exit on its own the
// caller is expected to have a bounded context driving cmd.Wait via
// CommandContext's own kill-on-cancel behavior.
func (w *Worker) Stop() {
	w.state.Store(int32(StateTerminating))
	w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Signal(syscall.SIGTERM)
	}
	<-w.exited
}

// Alive reports whether the child process has not yet exited.
func (w *Worker) Alive() bool {
	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

// ExitCode returns the child's exit code once it has exited, or -1 while
// still running.
func (w *Worker) ExitCode() int {
	select {
	case <-w.exited:
	default:
		return -1
	}
	if w.cmd.ProcessState == nil {
		return -1
	}
	return w.cmd.ProcessState.ExitCode()
}

// TimedOut reports whether the child's exit code is the reserved sensor
// timeout code (§4.5).
func (w *Worker) TimedOut() bool {
	return w.ExitCode() == SensorTimeoutExitCode
}

// RSSBytes samples the child's resident set size via gopsutil, the
// cross-platform replacement for psutil.Process(pid).memory_info() named
// in SPEC_FULL.md §4.5.
func (w *Worker) RSSBytes() (uint64, error) {
	if w.cmd.Process == nil {
		return 0, fmt.Errorf("worker: process not started")
	}
	p, err := process.NewProcess(int32(w.cmd.Process.Pid))
	if err != nil {
		return 0, fmt.Errorf("worker: lookup process: %w", err)
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("worker: memory info: %w", err)
	}
	return info.RSS, nil
}

// StateValue returns the current lifecycle state.
func (w *Worker) StateValue() State {
	return State(w.state.Load())
}
