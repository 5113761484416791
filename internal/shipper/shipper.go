// Package shipper implements the Shipper (C7): pulls buffered rows from
// the Spool, batches them, and PUTs them to the collector, adjusting its
// own pacing to the volume it's moving.
//
// Grounded directly in original_source/whmonit/client/agent.py's
// Shipper.run/_reqdone, including the adaptive sleeptime ladder and the
// dual partial-ack response shape (§9 Design Notes resolution).
package shipper

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/monitowl/agent/internal/clock"
	"github.com/monitowl/agent/internal/metrics"
	"github.com/monitowl/agent/internal/spool"
)

const (
	batchLimit    = 250
	sleepFloor    = 200 * time.Millisecond
	sleepCeiling  = time.Second
	sleepStep     = 200 * time.Millisecond
	growBelowRows = 160
	shrinkAtRows  = 200
	maxConnFails  = 200
)

// Spooler is the subset of *spool.Spool the Shipper needs.
type Spooler interface {
	ReadBatch(limit int, newestFirst bool) ([]spool.Record, error)
	DeleteMany(pairs []spool.Pair) error
}

// Putter is the subset of *transport.Transport the Shipper needs.
type Putter interface {
	Put(ctx context.Context, path string, body []byte, hook func(status int, body []byte)) error
}

// ackResponse accepts both shapes named in SPEC_FULL.md §4.7: the
// canonical ERROR_PARTIAL_STORE and the legacy Not_all_saved, each naming
// the subset of (config_id, stamp) pairs the collector stored; only those
// are deleted from the spool.
type ackResponse struct {
	Status string   `json:"status"`
	Reason [][2]any `json:"reason,omitempty"` // [config_id, stamp]
	Data   [][2]any `json:"data,omitempty"`   // legacy field name
}

// Shipper is a long-lived goroutine driven by Run.
type Shipper struct {
	spool     Spooler
	transport Putter
	clock     clock.Clock
	log       *slog.Logger
	parentPID int

	sleeptime time.Duration
	confails  int
}

// New creates a Shipper starting at the slowest pacing (1s), matching the
// original's initial self.sleeptime = 1.0.
func New(sp Spooler, t Putter, clk clock.Clock, log *slog.Logger) *Shipper {
	return &Shipper{
		spool:     sp,
		transport: t,
		clock:     clk,
		log:       log,
		parentPID: os.Getppid(),
		sleeptime: sleepCeiling,
		confails:  1,
	}
}

// Run paces itself at Sleeptime, pulling up to 250 rows newest-first each
// cycle, until ctx is cancelled or its parent has exited (§4.7).
func (s *Shipper) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.sleeptime):
		}

		s.cycle(ctx)
		metrics.ShipperSleepSeconds.Set(s.sleeptime.Seconds())

		if os.Getppid() != s.parentPID {
			s.log.Warn("shipper: parent process is gone, exiting")
			return nil
		}
	}
}

func (s *Shipper) cycle(ctx context.Context) {
	records, err := s.spool.ReadBatch(batchLimit, true)
	if err != nil {
		s.log.Error("shipper: failed to read batch from spool", "error", err)
		return
	}
	s.adjustPacing(len(records))
	if len(records) == 0 {
		return
	}

	body, pairs := buildChunks(records)

	err = s.transport.Put(ctx, "/store_data", body, func(status int, respBody []byte) {
		s.handleResponse(status, respBody, pairs)
	})
	if err != nil {
		s.log.Debug("shipper: error while PUTing", "error", err)
	}
}

func (s *Shipper) adjustPacing(n int) {
	switch {
	case n > shrinkAtRows:
		s.sleeptime -= sleepStep
		if s.sleeptime < sleepFloor {
			s.sleeptime = sleepFloor
		}
	case n < growBelowRows:
		s.sleeptime += sleepStep
		if s.sleeptime > sleepCeiling {
			s.sleeptime = sleepCeiling
		}
	}
	if s.sleeptime <= sleepFloor {
		s.log.Debug("shipper: maximum capacity reached")
	}
}

func (s *Shipper) handleResponse(status int, body []byte, sent []spool.Pair) {
	switch status {
	case 0:
		s.confails++
		if s.confails > maxConnFails {
			s.confails = maxConnFails
		}
		metrics.ConnectionFailures.Set(float64(s.confails))
		metrics.ShipmentsTotal.WithLabelValues("transient").Inc()
		s.log.Debug("shipper: connection failed", "confails", s.confails)
		return

	case 200, 400:
		// A 400 means the collector rejected the batch; it is still
		// deleted per the ack (all of it when the body names no subset)
		// to avoid poisoning every subsequent cycle with the same rows
		// (head-of-line-blocking prevention, §4.7).
		s.confails = 1
		metrics.ConnectionFailures.Set(1)
		outcome := "ok"
		if status == 400 {
			outcome = "rejected"
		}
		toRemove := sent
		var ack ackResponse
		if err := json.Unmarshal(body, &ack); err == nil {
			switch ack.Status {
			case "ERROR_PARTIAL_STORE":
				toRemove = intersectStored(sent, ack.Reason)
				metrics.ShipmentsTotal.WithLabelValues("partial").Inc()
			case "Not_all_saved":
				toRemove = intersectStored(sent, ack.Data)
				metrics.ShipmentsTotal.WithLabelValues("partial").Inc()
			default:
				metrics.ShipmentsTotal.WithLabelValues(outcome).Inc()
			}
		} else {
			metrics.ShipmentsTotal.WithLabelValues(outcome).Inc()
		}
		s.delete(toRemove)

	default:
		s.confails = 1
		metrics.ShipmentsTotal.WithLabelValues("rejected").Inc()
		s.log.Error("shipper: unexpected response status", "status", status)
	}
}

func (s *Shipper) delete(pairs []spool.Pair) {
	if len(pairs) == 0 {
		return
	}
	if err := s.spool.DeleteMany(pairs); err != nil {
		s.log.Error("shipper: failed to delete acknowledged rows", "error", err)
		return
	}
	metrics.RowsShipped.Add(float64(len(pairs)))
}

// intersectStored returns the subset of sent the collector's "reason"/
// "data" array names: that array enumerates the pairs the collector
// actually stored ("to_delete = reason", §4.7/§8.2), not the ones it
// failed to store. Only those are safe to delete; everything else in
// sent stays spooled and is retried on the next cycle.
func intersectStored(sent []spool.Pair, stored [][2]any) []spool.Pair {
	keep := make(map[spool.Pair]bool, len(stored))
	for _, f := range stored {
		configID, _ := f[0].(string)
		var stamp int64
		switch v := f[1].(type) {
		case float64:
			stamp = int64(v)
		case int64:
			stamp = v
		}
		keep[spool.Pair{ConfigID: configID, Stamp: stamp}] = true
	}
	out := make([]spool.Pair, 0, len(stored))
	for _, p := range sent {
		if keep[p] {
			out = append(out, p)
		}
	}
	return out
}

// buildChunks serializes records into the collector's batch wire body
// (one telemetry frame concatenated per record, length-prefixed, since
// /store_data expects the same framed records the spool already holds)
// and returns the (config_id, stamp) pairs for the response hook.
func buildChunks(records []spool.Record) ([]byte, []spool.Pair) {
	var body []byte
	pairs := make([]spool.Pair, 0, len(records))
	for _, r := range records {
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(r.Result)))
		body = append(body, lenBuf...)
		body = append(body, r.Result...)
		pairs = append(pairs, spool.Pair{ConfigID: r.ConfigID, Stamp: r.Stamp})
	}
	return body, pairs
}
