package worker

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, KindResult, ResultPayload{Stream: "uptime", Type: "float", Value: 3.5, Millis: 1000}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if err := writeFrame(&buf, KindLog, LogPayload{Level: "error", Message: "boom"}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	r := bufio.NewReader(&buf)

	kind, payload, err := readFrame(r)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if kind != KindResult {
		t.Fatalf("kind = %q, want result", kind)
	}
	if !bytes.Contains(payload, []byte("uptime")) {
		t.Fatalf("payload missing stream name: %s", payload)
	}

	kind, payload, err = readFrame(r)
	if err != nil {
		t.Fatalf("readFrame second: %v", err)
	}
	if kind != KindLog {
		t.Fatalf("kind = %q, want log", kind)
	}
	if !bytes.Contains(payload, []byte("boom")) {
		t.Fatalf("payload missing message: %s", payload)
	}
}

func TestReadFrameRejectsBadSignature(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, KindResult, ResultPayload{}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	corrupted := buf.Bytes()
	// Flip the signature byte just past the 4-byte length prefix.
	corrupted[4] = 0xff
	corrupted[5] = 0xff

	_, _, err := readFrame(bufio.NewReader(bytes.NewReader(corrupted)))
	if err == nil {
		t.Fatalf("expected invalid signature error")
	}
}
