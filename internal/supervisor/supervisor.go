// Package supervisor implements the Supervisor (C8): the agent's top-level
// process. It owns the Spool and SensorStorage backend, starts the
// Receiver and Shipper goroutines, and runs the main loop that polls the
// remote sensor configuration, diffs it against the set of live
// SensorWorker processes, and spawns/reconfigures/terminates them to
// match — plus per-tick RSS-limit and liveness enforcement.
//
// Grounded on internal/cluster/agent/agent.go's Run (reconnect loop
// shape, panic-safety, graceful-shutdown signal handling) and
// original_source/whmonit/client/agent.py's Agent.run/_spawn_sensors/
// _is_time_synchronized/cleanup, which name the startup precheck, the
// 60-tick remote-config poll, and the want/have sensor diff this package
// reproduces.
package supervisor

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/monitowl/agent/internal/clock"
	"github.com/monitowl/agent/internal/config"
	"github.com/monitowl/agent/internal/logging"
	"github.com/monitowl/agent/internal/metrics"
	"github.com/monitowl/agent/internal/queue"
	"github.com/monitowl/agent/internal/sensorstorage"
	"github.com/monitowl/agent/internal/spool"
	"github.com/monitowl/agent/internal/telemetry"
	"github.com/monitowl/agent/internal/worker"
)

const (
	// tickPeriod is the Supervisor's main loop granularity, matching the
	// original's per-second poll loop.
	tickPeriod = time.Second
	// configPollTicks is how many tickPeriods elapse between remote
	// config fetches (§4.8: "~60s").
	configPollTicks = 60
	// timeSyncAttempts bounds the startup clock-sync precheck, grounded in
	// _is_time_synchronized's 5-attempt retry loop.
	timeSyncAttempts  = 5
	timeSyncRetryWait = 2 * time.Second
)

// Transport is the subset of *transport.Transport the Supervisor needs.
type Transport interface {
	Get(ctx context.Context, path string) (int, []byte, error)
	Put(ctx context.Context, path string, body []byte, hook func(status int, body []byte)) error
}

// Runner starts and stops a long-lived subsystem goroutine (Receiver,
// Shipper).
type Runner interface {
	Run(ctx context.Context) error
}

// timeResponse is the collector's /time/ reply shape: epoch-millis
// encoded as a JSON string (§6).
type timeResponse struct {
	Timestamp string `json:"timestamp"`
}

// Supervisor is the agent's top-level process.
type Supervisor struct {
	cfg        *config.Static
	transport  Transport
	spool      *spool.Spool
	storage    *sensorstorage.Manager
	agentCfg   *config.AgentConfig
	resultQ    *queue.Queue
	clock      clock.Clock
	log        *slog.Logger
	binaryPath string

	workers map[string]*worker.Worker
}

// New wires a Supervisor from already-opened dependencies; cmd/agent is
// responsible for constructing them (Transport needs enrollment state,
// the Spool needs a path) before calling New.
func New(cfg *config.Static, t Transport, sp *spool.Spool, binaryPath string, clk clock.Clock, log *slog.Logger) *Supervisor {
	resultQ := queue.New(4096, log)
	return &Supervisor{
		cfg:        cfg,
		transport:  t,
		spool:      sp,
		storage:    sensorstorage.NewManager(sp, log),
		agentCfg:   config.NewAgentConfig(),
		resultQ:    resultQ,
		clock:      clk,
		log:        log,
		binaryPath: binaryPath,
		workers:    make(map[string]*worker.Worker),
	}
}

// ResultQueue exposes the Receiver's producer queue, e.g. for wiring a
// Receiver constructed by the caller.
func (s *Supervisor) ResultQueue() *queue.Queue { return s.resultQ }

// SendError implements logging.ErrorSink by emitting a DataPoint on the
// agent's reserved "_error" config_id, if the remote config has named one
// yet (§12.1). It is handed to worker.Spawn so a sensor's own log
// messages surface through the normal data path too.
func (s *Supervisor) SendError(msg string) {
	intern := s.agentCfg.Intern()
	if intern.ErrorID == "" {
		return
	}
	s.resultQ.Send(telemetry.DataPoint{
		ConfigID:  intern.ErrorID,
		Stream:    "default",
		Type:      telemetry.String,
		Value:     msg,
		Timestamp: s.clock.Now(),
	})
}

// Run executes the startup sequence, launches the given subsystem
// Runners, and drives the main loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, subsystems ...Runner) error {
	if err := s.waitForTimeSync(ctx); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	descs, err := config.LoadYAML(s.cfg.ConfigPath)
	if err != nil {
		s.log.Warn("supervisor: failed to load persisted config, starting empty", "error", err)
	} else if err := s.agentCfg.Replace(descs); err != nil {
		s.log.Warn("supervisor: persisted config failed validation, starting empty", "error", err)
	}

	for _, r := range subsystems {
		r := r
		go func() {
			if err := r.Run(ctx); err != nil {
				s.log.Error("supervisor: subsystem exited with error", "error", err)
			}
		}()
	}

	s.diffAndApply(ctx, s.agentCfg.Sensors())

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-s.clock.After(tickPeriod):
		}

		ticks++
		if ticks >= configPollTicks {
			ticks = 0
			s.pollRemoteConfig(ctx)
		}

		s.checkMemoryLimits(ctx)
		s.checkLiveness(ctx)
	}
}

// waitForTimeSync refuses to proceed until the collector's clock and the
// local clock agree within cfg.TimeDiff, grounded in
// _is_time_synchronized: a skewed agent clock silently corrupts every
// stamp it records.
func (s *Supervisor) waitForTimeSync(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= timeSyncAttempts; attempt++ {
		status, body, err := s.transport.Get(ctx, "/time/")
		if err != nil {
			lastErr = err
		} else if status != 200 {
			lastErr = fmt.Errorf("unexpected status %d from /time/", status)
		} else {
			var tr timeResponse
			var millis int64
			if err := json.Unmarshal(body, &tr); err != nil {
				lastErr = fmt.Errorf("malformed /time/ response: %w", err)
			} else if millis, err = strconv.ParseInt(tr.Timestamp, 10, 64); err != nil {
				lastErr = fmt.Errorf("malformed /time/ timestamp %q: %w", tr.Timestamp, err)
			} else {
				remote := time.UnixMilli(millis)
				skew := s.clock.Now().Sub(remote)
				if skew < 0 {
					skew = -skew
				}
				if skew <= s.cfg.TimeDiff {
					return nil
				}
				lastErr = fmt.Errorf("clock skew %s exceeds bound %s", skew, s.cfg.TimeDiff)
			}
		}
		s.log.Warn("supervisor: time sync check failed, retrying", "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(timeSyncRetryWait):
		}
	}
	return fmt.Errorf("time sync precheck failed after %d attempts: %w", timeSyncAttempts, lastErr)
}

// pollRemoteConfig fetches /agent_config/, applies it, persists it, and
// diffs the worker set against it. A failure here leaves the currently
// running sensors untouched, matching get_remote_config's retry-then-
// keep-current behavior.
func (s *Supervisor) pollRemoteConfig(ctx context.Context) {
	status, body, err := s.transport.Get(ctx, "/agent_config/")
	if err != nil || status != 200 {
		s.log.Warn("supervisor: failed to fetch remote config", "status", status, "error", err)
		return
	}

	var doc struct {
		Config struct {
			Sensors []config.SensorDescriptor `json:"sensors"`
		} `json:"config"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		s.log.Error("supervisor: malformed remote config", "error", err)
		return
	}

	if err := s.agentCfg.Replace(doc.Config.Sensors); err != nil {
		s.log.Error("supervisor: remote config failed validation, keeping current", "error", err)
		return
	}

	if err := config.SaveYAML(s.cfg.ConfigPath, s.agentCfg.Sensors()); err != nil {
		s.log.Error("supervisor: failed to persist config", "error", err)
	}

	s.diffAndApply(ctx, s.agentCfg.Sensors())
	s.notifyConfigApplied(ctx, doc.Config.Sensors)
}

// diffAndApply reconciles the running worker set against want: spawns
// newly-added sensors, reconfigures ones whose descriptor changed, and
// stops ones no longer present (_spawn_sensors' want/have set-diff).
func (s *Supervisor) diffAndApply(ctx context.Context, want []config.SensorDescriptor) {
	wantByID := make(map[string]config.SensorDescriptor, len(want))
	for _, d := range want {
		wantByID[d.ConfigID] = d
	}

	for id, w := range s.workers {
		if _, ok := wantByID[id]; !ok {
			w.Stop()
			delete(s.workers, id)
		}
	}

	for id, desc := range wantByID {
		if w, ok := s.workers[id]; ok {
			if w.Reconfigure(desc) {
				metrics.WorkerRestarts.WithLabelValues("reconfigure").Inc()
			}
			continue
		}
		w, err := worker.Spawn(ctx, s.binaryPath, desc.Sensor, desc, s.resultQ, s.storage, s, s.log)
		if err != nil {
			s.log.Error("supervisor: failed to spawn sensor", "config_id", id, "sensor", desc.Sensor, "error", err)
			continue
		}
		s.workers[id] = w
	}
}

// checkMemoryLimits samples every live worker's RSS and restarts any that
// exceed its configured memory_limit, matching the original's per-tick
// psutil.Process(pid).memory_info() check.
func (s *Supervisor) checkMemoryLimits(ctx context.Context) {
	for id, w := range s.workers {
		limit, ok := w.Desc.MemoryLimitBytes()
		if !ok {
			continue
		}
		rss, err := w.RSSBytes()
		if err != nil {
			continue
		}
		metrics.WorkerRSSBytes.WithLabelValues(id).Set(float64(rss))
		if int64(rss) > limit {
			desc := w.Desc
			s.log.Warn("supervisor: worker exceeded memory limit, restarting",
				"config_id", id, "rss", rss, "limit", limit)
			w.Stop()
			delete(s.workers, id)
			metrics.WorkerRestarts.WithLabelValues("memory_limit").Inc()

			nw, err := worker.Spawn(ctx, s.binaryPath, desc.Sensor, desc, s.resultQ, s.storage, s, s.log)
			if err != nil {
				s.log.Error("supervisor: failed to respawn sensor after memory limit kill", "config_id", id, "error", err)
				continue
			}
			s.workers[id] = nw
		}
	}
}

// checkLiveness detects workers whose process has exited unexpectedly and
// respawns them, distinguishing a sensor run_timeout (exit code 22) from
// any other death, matching the original's "timed out" vs "died" restart
// log lines.
func (s *Supervisor) checkLiveness(ctx context.Context) {
	for id, w := range s.workers {
		if w.Alive() {
			continue
		}
		desc := w.Desc
		reason := "died"
		if w.TimedOut() {
			reason = "timed_out"
		}
		s.log.Warn("supervisor: worker exited, respawning", "config_id", id, "sensor", desc.Sensor, "reason", reason)
		metrics.WorkerRestarts.WithLabelValues(reason).Inc()
		delete(s.workers, id)

		nw, err := worker.Spawn(ctx, s.binaryPath, desc.Sensor, desc, s.resultQ, s.storage, s, s.log)
		if err != nil {
			s.log.Error("supervisor: failed to respawn sensor", "config_id", id, "error", err)
			continue
		}
		s.workers[id] = nw
	}
}

// notifyConfigApplied PUTs a one-off DataPoint on the reserved
// "_conf_applied" config_id naming the SHA-1 hex of the newly-applied
// config, bypassing the normal Shipper cycle — grounded in
// send_new_config (§12.1).
func (s *Supervisor) notifyConfigApplied(ctx context.Context, descs []config.SensorDescriptor) {
	intern := s.agentCfg.Intern()
	if intern.ConfigAppliedID == "" {
		s.log.Warn("supervisor: config applied but no _conf_applied sensor is configured, skipping notification")
		return
	}

	hash, err := config.Hash(descs)
	if err != nil {
		s.log.Error("supervisor: failed to hash applied config", "error", err)
		return
	}

	payload, err := telemetry.Pack(telemetry.String, hash)
	if err != nil {
		s.log.Error("supervisor: failed to frame config_applied notification", "error", err)
		return
	}

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)))
	body := append(lenBuf, payload...)

	if err := s.transport.Put(ctx, "/store_data", body, func(status int, _ []byte) {
		if status != 200 {
			s.log.Warn("supervisor: config_applied notification not acknowledged", "status", status)
		}
	}); err != nil {
		s.log.Warn("supervisor: failed to send config_applied notification", "error", err)
	}
}

// shutdown stops every live worker, flushes SensorStorage, and closes the
// Spool, matching cleanup()'s ordering: stop sensors before flushing the
// storage they may still be writing to.
func (s *Supervisor) shutdown() {
	s.log.Info("supervisor: shutting down")
	for id, w := range s.workers {
		w.Stop()
		delete(s.workers, id)
	}
	if err := s.storage.Shutdown(); err != nil {
		s.log.Error("supervisor: failed to flush sensor storage", "error", err)
	}
	if err := s.spool.Close(); err != nil {
		s.log.Error("supervisor: failed to close spool", "error", err)
	}
}

var _ logging.ErrorSink = (*Supervisor)(nil)
