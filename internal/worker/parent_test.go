package worker

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/monitowl/agent/internal/config"
	"github.com/monitowl/agent/internal/queue"
	"github.com/monitowl/agent/internal/sensorstorage"
)

type fakeErrorSink struct{ msgs []string }

func (f *fakeErrorSink) SendError(msg string) { f.msgs = append(f.msgs, msg) }

type fakeStorageBackend struct{ data map[string][]byte }

func (f *fakeStorageBackend) GetStorage(key string) ([]byte, error) { return f.data[key], nil }
func (f *fakeStorageBackend) UpsertStorage(key string, value []byte) error {
	f.data[key] = append([]byte(nil), value...)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestWorker builds a Worker bypassing Spawn's process start, so
// readLoop can be exercised directly against a canned stdout buffer.
func newTestWorker(desc config.SensorDescriptor, resultQ *queue.Queue, storage *sensorstorage.Manager, sink *fakeErrorSink) (*Worker, *bytes.Buffer) {
	var stdin bytes.Buffer
	return &Worker{
		Kind:     "uptime",
		Desc:     desc,
		configID: desc.ConfigID,
		stdin:    nopCloser{&stdin},
		log:      testLogger(),
		resultQ:  resultQ,
		storage:  storage,
		errSink:  sink,
	}, &stdin
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func TestReadLoopRoutesResultToQueue(t *testing.T) {
	q := queue.New(4, testLogger())
	mgr := sensorstorage.NewManager(&fakeStorageBackend{data: map[string][]byte{}}, testLogger())
	desc := config.SensorDescriptor{ConfigID: "cid-a"}
	w, _ := newTestWorker(desc, q, mgr, &fakeErrorSink{})

	var stdout bytes.Buffer
	if err := writeFrame(&stdout, KindResult, ResultPayload{Stream: "v", Type: "float", Value: 2.0, Millis: 5000}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	w.readLoop(io.NopCloser(&stdout))

	dp, ok := q.TryRecv()
	if !ok {
		t.Fatalf("expected a DataPoint in the queue")
	}
	if dp.ConfigID != "cid-a" || dp.Stream != "v" {
		t.Fatalf("unexpected DataPoint: %+v", dp)
	}
}

func TestReadLoopRoutesLogToErrorSink(t *testing.T) {
	q := queue.New(4, testLogger())
	mgr := sensorstorage.NewManager(&fakeStorageBackend{data: map[string][]byte{}}, testLogger())
	sink := &fakeErrorSink{}
	w, _ := newTestWorker(config.SensorDescriptor{ConfigID: "cid-b"}, q, mgr, sink)

	var stdout bytes.Buffer
	if err := writeFrame(&stdout, KindLog, LogPayload{Level: "error", Message: "disk full"}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	w.readLoop(io.NopCloser(&stdout))

	if len(sink.msgs) != 1 {
		t.Fatalf("expected 1 forwarded error, got %d", len(sink.msgs))
	}
}

func TestReadLoopServesStorageGet(t *testing.T) {
	q := queue.New(4, testLogger())
	backend := &fakeStorageBackend{data: map[string][]byte{}}
	mgr := sensorstorage.NewManager(backend, testLogger())
	mgr.Get("uptime:cid-c").Set("last", []byte(`42`))

	w, stdin := newTestWorker(config.SensorDescriptor{ConfigID: "cid-c"}, q, mgr, &fakeErrorSink{})

	var stdout bytes.Buffer
	if err := writeFrame(&stdout, KindStorageGet, StorageGetPayload{Key: "uptime:cid-c"}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	w.readLoop(io.NopCloser(&stdout))

	kind, payload, err := readFrame(bufio.NewReader(bytes.NewReader(stdin.Bytes())))
	if err != nil {
		t.Fatalf("readFrame reply: %v", err)
	}
	if kind != KindStorageData {
		t.Fatalf("kind = %q, want storage_data", kind)
	}
	if !bytes.Contains(payload, []byte("42")) {
		t.Fatalf("reply missing stored value: %s", payload)
	}
}
