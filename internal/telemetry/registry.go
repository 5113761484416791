package telemetry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// primitive describes how to turn a Go value of a registered Kind into
// bytes and back. The payload encoding itself is not specified by the
// wire contract (only the surrounding frame is, see frame.go); these are
// this agent's own choices, grounded in a fixed-width encoding for scalar
// kinds and JSON for the TimeSeries composite.
type primitive struct {
	serialize   func(v any) ([]byte, error)
	deserialize func(b []byte) (any, error)
}

var registry = map[Kind]primitive{
	Bool: {
		serialize: func(v any) ([]byte, error) {
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("telemetry: value %v is not a bool", v)
			}
			if b {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		},
		deserialize: func(b []byte) (any, error) {
			if len(b) != 1 {
				return nil, fmt.Errorf("telemetry: bool payload must be 1 byte, got %d", len(b))
			}
			return b[0] != 0, nil
		},
	},
	Float: {
		serialize: func(v any) ([]byte, error) {
			f, ok := toFloat64(v)
			if !ok {
				return nil, fmt.Errorf("telemetry: value %v is not a float", v)
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, math.Float64bits(f))
			return buf, nil
		},
		deserialize: func(b []byte) (any, error) {
			if len(b) != 8 {
				return nil, fmt.Errorf("telemetry: float payload must be 8 bytes, got %d", len(b))
			}
			return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
		},
	},
	String: {
		serialize: func(v any) ([]byte, error) {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("telemetry: value %v is not a string", v)
			}
			return []byte(s), nil
		},
		deserialize: func(b []byte) (any, error) {
			return string(b), nil
		},
	},
	Datetime: {
		serialize: func(v any) ([]byte, error) {
			t, ok := v.(int64)
			if !ok {
				return nil, fmt.Errorf("telemetry: value %v is not an epoch-millis int64", v)
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(t))
			return buf, nil
		},
		deserialize: func(b []byte) (any, error) {
			if len(b) != 8 {
				return nil, fmt.Errorf("telemetry: datetime payload must be 8 bytes, got %d", len(b))
			}
			return int64(binary.BigEndian.Uint64(b)), nil
		},
	},
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// IsRegistered reports whether k is a member of the closed primitive
// registry.
func IsRegistered(k Kind) bool {
	_, ok := registry[k]
	return ok
}

// timeSeriesPoint is one (timestamp, value) sample inside a TimeSeries.
type timeSeriesPoint struct {
	TimestampMillis int64 `json:"t"`
	Value           any   `json:"v"`
}

// TimeSeries wraps a slice of (timestamp, value) samples of a single
// element kind, for sensors that batch multiple readings into one report
// (e.g. a load-average history). Schema name: "TimeSeries(<elem>)".
type TimeSeries struct {
	Elem    Kind
	Samples []timeSeriesPoint
}

// schemaName returns the schema string written into the frame for k,
// e.g. "float" or "TimeSeries(float)".
func schemaName(k Kind, composite bool, elem Kind) string {
	if composite {
		return fmt.Sprintf("TimeSeries(%s)", elem)
	}
	return string(k)
}

// parseSchema splits a schema name like "TimeSeries(float)" into its
// composite flag and element kind, or returns (false, schema, "") for a
// bare primitive schema.
func parseSchema(schema string) (composite bool, kind Kind, elem Kind) {
	if strings.HasPrefix(schema, "TimeSeries(") && strings.HasSuffix(schema, ")") {
		inner := schema[len("TimeSeries(") : len(schema)-1]
		return true, "", Kind(inner)
	}
	return false, Kind(schema), ""
}

func serializeTimeSeries(ts TimeSeries) ([]byte, error) {
	return json.Marshal(ts.Samples)
}

func deserializeTimeSeries(elem Kind, b []byte) (TimeSeries, error) {
	var samples []timeSeriesPoint
	if err := json.Unmarshal(b, &samples); err != nil {
		return TimeSeries{}, fmt.Errorf("telemetry: decode TimeSeries(%s): %w", elem, err)
	}
	return TimeSeries{Elem: elem, Samples: samples}, nil
}
