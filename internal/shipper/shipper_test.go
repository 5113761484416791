package shipper

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/monitowl/agent/internal/spool"
)

type fakeSpool struct {
	batch   []spool.Record
	deleted []spool.Pair
}

func (f *fakeSpool) ReadBatch(limit int, newestFirst bool) ([]spool.Record, error) {
	if len(f.batch) > limit {
		return f.batch[:limit], nil
	}
	return f.batch, nil
}

func (f *fakeSpool) DeleteMany(pairs []spool.Pair) error {
	f.deleted = append(f.deleted, pairs...)
	return nil
}

type fakePutter struct {
	status int
	body   []byte
	err    error
}

func (f *fakePutter) Put(ctx context.Context, path string, body []byte, hook func(status int, respBody []byte)) error {
	if f.err != nil {
		hook(0, nil)
		return f.err
	}
	hook(f.status, f.body)
	return nil
}

type immediateClock struct{}

func (immediateClock) Now() time.Time                       { return time.Unix(0, 0) }
func (immediateClock) Monotonic() time.Time                 { return time.Unix(0, 0) }
func (immediateClock) Since(t time.Time) time.Duration       { return 0 }
func (immediateClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recordsOf(n int) []spool.Record {
	out := make([]spool.Record, n)
	for i := range out {
		out[i] = spool.Record{Stamp: int64(i), ConfigID: "cid", Stream: "s", Result: []byte("x")}
	}
	return out
}

func TestCycleDeletesAllOnFullAck(t *testing.T) {
	sp := &fakeSpool{batch: recordsOf(3)}
	put := &fakePutter{status: 200, body: []byte(`{"status":"ok"}`)}
	s := New(sp, put, immediateClock{}, testLogger())

	s.cycle(context.Background())

	if len(sp.deleted) != 3 {
		t.Fatalf("deleted %d pairs, want 3", len(sp.deleted))
	}
}

func TestCycleKeepsPartiallyFailedRows(t *testing.T) {
	sp := &fakeSpool{batch: []spool.Record{
		{Stamp: 1, ConfigID: "a", Result: []byte("x")},
		{Stamp: 2, ConfigID: "b", Result: []byte("x")},
	}}
	// "reason" enumerates the pairs the collector *stored*, i.e. the
	// ones it's now safe to delete (§8.2); (a,1) is stored, (b,2) is not
	// and must stay spooled for retry.
	ack, _ := json.Marshal(map[string]any{
		"status": "ERROR_PARTIAL_STORE",
		"reason": [][2]any{{"a", 1}},
	})
	put := &fakePutter{status: 200, body: ack}
	s := New(sp, put, immediateClock{}, testLogger())

	s.cycle(context.Background())

	if len(sp.deleted) != 1 || sp.deleted[0].ConfigID != "a" || sp.deleted[0].Stamp != 1 {
		t.Fatalf("expected only (a,1) deleted, got %+v", sp.deleted)
	}
}

func TestCycleNoDeleteOnConnectionFailure(t *testing.T) {
	sp := &fakeSpool{batch: recordsOf(2)}
	put := &fakePutter{err: context.DeadlineExceeded}
	s := New(sp, put, immediateClock{}, testLogger())

	s.cycle(context.Background())

	if len(sp.deleted) != 0 {
		t.Fatalf("expected no deletes on connection failure, got %d", len(sp.deleted))
	}
	if s.confails != 2 {
		t.Fatalf("confails = %d, want 2", s.confails)
	}
}

func TestAdjustPacingFloorAndCeiling(t *testing.T) {
	s := New(&fakeSpool{}, &fakePutter{}, immediateClock{}, testLogger())

	for i := 0; i < 10; i++ {
		s.adjustPacing(300)
	}
	if s.sleeptime != sleepFloor {
		t.Fatalf("sleeptime = %v, want floor %v", s.sleeptime, sleepFloor)
	}

	for i := 0; i < 10; i++ {
		s.adjustPacing(100)
	}
	if s.sleeptime != sleepCeiling {
		t.Fatalf("sleeptime = %v, want ceiling %v", s.sleeptime, sleepCeiling)
	}
}

func TestCycleDeletesEverythingOn400(t *testing.T) {
	sp := &fakeSpool{batch: recordsOf(2)}
	put := &fakePutter{status: 400}
	s := New(sp, put, immediateClock{}, testLogger())

	s.cycle(context.Background())

	if len(sp.deleted) != 2 {
		t.Fatalf("expected all rows deleted on 400, got %d", len(sp.deleted))
	}
}
