// Package queue implements the shared multi-producer, single-consumer
// result queue between SensorWorkers and the Receiver (§5). Replaces the
// source's blocking-get-with-timeout pattern with an explicit bounded
// channel and a non-blocking TryRecv, per §9 Design Notes: a dead
// producer must never wedge the queue.
package queue

import (
	"log/slog"
	"sync/atomic"

	"github.com/monitowl/agent/internal/telemetry"
)

// Queue is a bounded many-producer/one-consumer channel of DataPoints. It
// is unbounded in the spec's description but implementations are told to
// enforce a soft cap and drop on overflow rather than block producers;
// this is that cap.
type Queue struct {
	ch      chan telemetry.DataPoint
	dropped atomic.Uint64
	log     *slog.Logger
}

// New creates a Queue with the given soft capacity.
func New(capacity int, log *slog.Logger) *Queue {
	return &Queue{ch: make(chan telemetry.DataPoint, capacity), log: log}
}

// Send enqueues a point. If the queue is at capacity, the point is
// dropped and logged rather than blocking the sending worker — a wedged
// queue must never be able to wedge a SensorWorker's enqueue path.
func (q *Queue) Send(dp telemetry.DataPoint) {
	select {
	case q.ch <- dp:
	default:
		q.dropped.Add(1)
		q.log.Error("queue: soft cap reached, dropping point",
			"config_id", dp.ConfigID, "stream", dp.Stream)
	}
}

// TryRecv returns the next point without blocking, and false if the
// queue is currently empty.
func (q *Queue) TryRecv() (telemetry.DataPoint, bool) {
	select {
	case dp := <-q.ch:
		return dp, true
	default:
		return telemetry.DataPoint{}, false
	}
}

// Dropped returns the cumulative count of points dropped due to the soft
// cap.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Len returns the number of points currently buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}
