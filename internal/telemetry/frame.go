package telemetry

import (
	"encoding/binary"
	"fmt"
)

// Signature identifies this agent's serializer version. It is the first
// two bytes of every framed record, both on the spool disk and on the
// wire, so a future incompatible serializer can refuse to decode records
// it doesn't understand rather than misinterpreting them.
const Signature uint16 = 1

// ErrInvalidSignature is returned by Unpack when the leading two bytes do
// not match Signature.
type ErrInvalidSignature struct{ Got uint16 }

func (e *ErrInvalidSignature) Error() string {
	return fmt.Sprintf("telemetry: invalid frame signature %d, want %d", e.Got, Signature)
}

// Pack encodes a value of a registered Kind into the framed byte layout:
// 2-byte big-endian signature, 2-byte big-endian schema length, the schema
// name bytes, then the serialized payload to end of buffer.
func Pack(k Kind, v any) ([]byte, error) {
	p, ok := registry[k]
	if !ok {
		return nil, fmt.Errorf("telemetry: unregistered kind %q", k)
	}
	payload, err := p.serialize(v)
	if err != nil {
		return nil, err
	}
	return frame(schemaName(k, false, ""), payload), nil
}

// PackTimeSeries frames a TimeSeries value under its composite schema
// name, e.g. "TimeSeries(float)".
func PackTimeSeries(ts TimeSeries) ([]byte, error) {
	if !IsRegistered(ts.Elem) {
		return nil, fmt.Errorf("telemetry: unregistered element kind %q", ts.Elem)
	}
	payload, err := serializeTimeSeries(ts)
	if err != nil {
		return nil, err
	}
	return frame(schemaName("", true, ts.Elem), payload), nil
}

func frame(schema string, payload []byte) []byte {
	buf := make([]byte, 2+2+len(schema)+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], Signature)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(schema)))
	copy(buf[4:4+len(schema)], schema)
	copy(buf[4+len(schema):], payload)
	return buf
}

// Unpack decodes a framed record, returning the schema name, the decoded
// value, and whether the schema names a TimeSeries composite.
func Unpack(b []byte) (schema string, value any, isTimeSeries bool, err error) {
	if len(b) < 4 {
		return "", nil, false, fmt.Errorf("telemetry: frame too short: %d bytes", len(b))
	}
	sig := binary.BigEndian.Uint16(b[0:2])
	if sig != Signature {
		return "", nil, false, &ErrInvalidSignature{Got: sig}
	}
	schemaLen := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b) < 4+schemaLen {
		return "", nil, false, fmt.Errorf("telemetry: frame truncated before schema end")
	}
	schema = string(b[4 : 4+schemaLen])
	payload := b[4+schemaLen:]

	composite, kind, elem := parseSchema(schema)
	if composite {
		ts, err := deserializeTimeSeries(elem, payload)
		if err != nil {
			return schema, nil, true, err
		}
		return schema, ts, true, nil
	}

	p, ok := registry[kind]
	if !ok {
		return schema, nil, false, fmt.Errorf("telemetry: unregistered schema %q", schema)
	}
	v, err := p.deserialize(payload)
	if err != nil {
		return schema, nil, false, err
	}
	return schema, v, false, nil
}
