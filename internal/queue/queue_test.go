package queue

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/monitowl/agent/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendAndTryRecv(t *testing.T) {
	q := New(4, testLogger())
	dp := telemetry.DataPoint{ConfigID: "A", Stream: "x", Type: telemetry.Float, Value: 1.0, Timestamp: time.Now()}
	q.Send(dp)

	got, ok := q.TryRecv()
	if !ok {
		t.Fatalf("expected a point")
	}
	if got.ConfigID != "A" {
		t.Fatalf("got %+v", got)
	}
}

func TestTryRecvEmptyDoesNotBlock(t *testing.T) {
	q := New(1, testLogger())
	done := make(chan struct{})
	go func() {
		q.TryRecv()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("TryRecv blocked on empty queue")
	}
}

func TestSendDropsOnOverflow(t *testing.T) {
	q := New(1, testLogger())
	dp := telemetry.DataPoint{ConfigID: "A"}
	q.Send(dp)
	q.Send(dp) // queue is full, must drop rather than block
	if q.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", q.Dropped())
	}
}
