// Package worker implements the SensorWorker (C5): Supervisor-side process
// management for isolated sensor instances, and the child-side harness
// that runs inside the spawned "agent sensor" process.
//
// Grounded in original_source/whmonit/client/agent.py's Sensor class
// (process isolation, psutil-based RSS/timeout handling) and in
// internal/engine/scheduler.go's resetCh single-slot mailbox pattern,
// generalized here from a single in-process scheduler to a cross-process
// one addressed over a pipe.
package worker

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Kind identifies a sensor-mode protocol message (SPEC_FULL.md §12.2).
type Kind string

const (
	KindResult      Kind = "result"
	KindStorageGet  Kind = "storage_get"
	KindStorageData Kind = "storage_data" // reply to storage_get
	KindStoragePut  Kind = "storage_put"
	KindLog         Kind = "log"

	// KindReconfigure is a parent->child message delivering a new
	// SensorDescriptor config for a periodic sensor without restarting
	// its process. Not named among SPEC_FULL.md §12.2's three wire
	// message kinds, which describe the child->parent direction; this
	// extends the same framing to carry the single-slot mailbox
	// reconfiguration §4.5 describes across the process boundary.
	KindReconfigure Kind = "reconfigure"
)

// protocolSignature opens every frame on the wire. Each frame is preceded
// by a 4-byte big-endian length, then holds the 2-byte signature, 2-byte
// kind-length, kind bytes, and a JSON payload to end of frame. Mirrors
// the signature/length framing internal/telemetry/frame.go uses for
// DataPoints, generalized here to carry control messages instead of
// sensor payloads.
const protocolSignature uint16 = 1

// ResultPayload carries one produced sample as JSON fields (stream,
// primitive type, value, epoch millis); the parent decodes it and builds
// the DataPoint, adding the worker's config_id.
type ResultPayload struct {
	Stream string `json:"stream"`
	Type   string `json:"type"`
	Value  any    `json:"value"`
	Millis int64  `json:"millis"`
}

// StorageGetPayload requests a snapshot of the sensor's persistent map.
type StorageGetPayload struct {
	Key string `json:"key"` // sensorstorage.Name(kind, config_id)
}

// StorageDataPayload is the parent's reply to a storage_get: the full
// map, JSON-encoded key/value pairs.
type StorageDataPayload struct {
	Data map[string]json.RawMessage `json:"data"`
}

// StoragePutPayload asks the parent to persist one key within the
// sensor's map.
type StoragePutPayload struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// LogPayload forwards a child-side log line to the agent's error stream.
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ReconfigurePayload delivers a replacement config map to a running
// periodic sensor child.
type ReconfigurePayload struct {
	Config map[string]any `json:"config"`
}

// writeFrame writes one kind+JSON-payload message in the protocol framing.
func writeFrame(w io.Writer, kind Kind, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("worker: marshal %s payload: %w", kind, err)
	}
	buf := make([]byte, 2+2+len(kind)+len(body))
	binary.BigEndian.PutUint16(buf[0:2], protocolSignature)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(kind)))
	copy(buf[4:4+len(kind)], kind)
	copy(buf[4+len(kind):], body)

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(buf)))
	if _, err := w.Write(lenBuf); err != nil {
		return fmt.Errorf("worker: write frame length: %w", err)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("worker: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one message, returning its kind and raw JSON payload.
func readFrame(r *bufio.Reader) (Kind, json.RawMessage, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return "", nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf)
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", nil, fmt.Errorf("worker: read frame body: %w", err)
	}
	if len(buf) < 4 {
		return "", nil, fmt.Errorf("worker: frame too short")
	}
	sig := binary.BigEndian.Uint16(buf[0:2])
	if sig != protocolSignature {
		return "", nil, fmt.Errorf("worker: invalid frame signature %d", sig)
	}
	kindLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < 4+kindLen {
		return "", nil, fmt.Errorf("worker: frame truncated before kind end")
	}
	kind := Kind(buf[4 : 4+kindLen])
	payload := buf[4+kindLen:]
	return kind, json.RawMessage(payload), nil
}
