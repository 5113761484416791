package telemetry

import "testing"

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		kind Kind
		val  any
	}{
		{"bool true", Bool, true},
		{"bool false", Bool, false},
		{"float", Float, 3.14159},
		{"string", String, "hello world"},
		{"datetime", Datetime, int64(1700000000123)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			framed, err := Pack(tc.kind, tc.val)
			if err != nil {
				t.Fatalf("Pack: %v", err)
			}
			schema, got, isTS, err := Unpack(framed)
			if err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			if isTS {
				t.Fatalf("unexpected TimeSeries schema for %s", tc.name)
			}
			if schema != string(tc.kind) {
				t.Fatalf("schema = %q, want %q", schema, tc.kind)
			}
			if got != tc.val {
				t.Fatalf("got %v, want %v", got, tc.val)
			}
		})
	}
}

func TestPackTimeSeriesRoundTrip(t *testing.T) {
	ts := TimeSeries{
		Elem: Float,
		Samples: []timeSeriesPoint{
			{TimestampMillis: 1000, Value: 1.5},
			{TimestampMillis: 2000, Value: 2.5},
		},
	}
	framed, err := PackTimeSeries(ts)
	if err != nil {
		t.Fatalf("PackTimeSeries: %v", err)
	}
	schema, got, isTS, err := Unpack(framed)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !isTS {
		t.Fatalf("expected TimeSeries schema")
	}
	if schema != "TimeSeries(float)" {
		t.Fatalf("schema = %q", schema)
	}
	decoded, ok := got.(TimeSeries)
	if !ok {
		t.Fatalf("decoded value is not a TimeSeries: %T", got)
	}
	if len(decoded.Samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(decoded.Samples))
	}
}

func TestUnpackInvalidSignature(t *testing.T) {
	bad := []byte{0xFF, 0xFF, 0, 0}
	_, _, _, err := Unpack(bad)
	if err == nil {
		t.Fatalf("expected error for invalid signature")
	}
	var sigErr *ErrInvalidSignature
	if _, ok := err.(*ErrInvalidSignature); !ok {
		_ = sigErr
		t.Fatalf("expected *ErrInvalidSignature, got %T: %v", err, err)
	}
}

func TestUnpackTooShort(t *testing.T) {
	_, _, _, err := Unpack([]byte{0, 1})
	if err == nil {
		t.Fatalf("expected error for short frame")
	}
}
