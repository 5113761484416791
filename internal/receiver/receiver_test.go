package receiver

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/monitowl/agent/internal/queue"
	"github.com/monitowl/agent/internal/spool"
	"github.com/monitowl/agent/internal/telemetry"
)

type fakeSpool struct{ inserted []spool.Record }

func (f *fakeSpool) Insert(r spool.Record) error {
	f.inserted = append(f.inserted, r)
	return nil
}

// immediateClock fires After without any real delay, for fast drain tests.
type immediateClock struct{}

func (immediateClock) Now() time.Time                      { return time.Unix(0, 0) }
func (immediateClock) Monotonic() time.Time                { return time.Unix(0, 0) }
func (immediateClock) Since(t time.Time) time.Duration      { return 0 }
func (immediateClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunDrainsQueueIntoSpool(t *testing.T) {
	q := queue.New(4, testLogger())
	q.Send(telemetry.DataPoint{ConfigID: "cid-a", Stream: "default", Type: telemetry.Float, Value: 1.5, Timestamp: time.Now()})
	q.Send(telemetry.DataPoint{ConfigID: "cid-a", Stream: "default", Type: telemetry.Float, Value: 2.5, Timestamp: time.Now()})

	sp := &fakeSpool{}
	r := New(q, sp, immediateClock{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// Give the drain loop a chance to run at least one tick before
	// stopping it; the immediateClock fires without real delay so this
	// converges quickly.
	for i := 0; i < 1000 && len(sp.inserted) < 2; i++ {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if len(sp.inserted) != 2 {
		t.Fatalf("inserted %d records, want 2", len(sp.inserted))
	}
	if sp.inserted[0].ConfigID != "cid-a" {
		t.Fatalf("unexpected record: %+v", sp.inserted[0])
	}
}
