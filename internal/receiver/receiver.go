// Package receiver implements the Receiver (C6): the single goroutine
// that drains the shared producer queue into the durable Spool.
//
// Grounded directly in original_source/whmonit/client/agent.py's
// Receiver.run, including its rationale for a wake-and-drain loop instead
// of a blocking queue read: "using queue.get with timeout might result in
// deadlocking queue if process dies."
package receiver

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/monitowl/agent/internal/clock"
	"github.com/monitowl/agent/internal/metrics"
	"github.com/monitowl/agent/internal/queue"
	"github.com/monitowl/agent/internal/spool"
	"github.com/monitowl/agent/internal/telemetry"
)

// Spooler is the subset of *spool.Spool the Receiver needs.
type Spooler interface {
	Insert(r spool.Record) error
}

// Receiver drains Queue into Spool once per tick, then verifies that the
// agent process still has the parent it had at construction before
// continuing (orphan protection, §4.6).
type Receiver struct {
	queue    *queue.Queue
	spool    Spooler
	clock    clock.Clock
	log      *slog.Logger
	parentPID int
}

// New creates a Receiver bound to the agent process's parent PID
// (os.Getppid) at construction time, the orphan-protection baseline.
func New(q *queue.Queue, sp Spooler, clk clock.Clock, log *slog.Logger) *Receiver {
	return &Receiver{queue: q, spool: sp, clock: clk, log: log, parentPID: os.Getppid()}
}

// Run ticks once per second, draining the queue to empty each time, until
// ctx is cancelled or its parent process has exited.
func (r *Receiver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(time.Second):
		}

		r.drain()
		metrics.ReceiverDrains.Inc()

		if os.Getppid() != r.parentPID {
			r.log.Warn("receiver: parent process is gone, exiting")
			return nil
		}
	}
}

func (r *Receiver) drain() {
	for {
		dp, ok := r.queue.TryRecv()
		if !ok {
			return
		}
		payload, err := telemetry.Pack(dp.Type, dp.Value)
		if err != nil {
			r.log.Error("receiver: failed to frame DataPoint, dropping",
				"config_id", dp.ConfigID, "stream", dp.Stream, "error", err)
			continue
		}
		record := spool.Record{
			Stamp:    dp.EpochMillis(),
			ConfigID: dp.ConfigID,
			Stream:   dp.Stream,
			Result:   payload,
		}
		if err := r.spool.Insert(record); err != nil {
			r.log.Error("receiver: failed to persist record, dropping",
				"config_id", dp.ConfigID, "stream", dp.Stream, "error", err)
		}
	}
}
