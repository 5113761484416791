// Package telemetry defines the unit of data the agent moves end to end:
// the DataPoint produced by a sensor, the closed primitive type registry
// its values are drawn from, and the wire framing used both on the spool
// disk and over the network.
package telemetry

import "time"

// Kind names a registered primitive type. The set is closed: sensors may
// only declare streams of a Kind that has been registered at package init
// (see registry.go).
type Kind string

const (
	Bool     Kind = "bool"
	Float    Kind = "float"
	String   Kind = "string"
	Datetime Kind = "datetime"
)

// ErrorStream is the name reserved for a per-sensor error stream (I4).
// Nothing in this module emits on it or checks sample stream names against
// it; worker failures are forwarded to the "_error" intern sensor instead.
const ErrorStream = "error"

// DataPoint is the unit of telemetry produced by a sensor.
type DataPoint struct {
	ConfigID  string    // opaque identifier of the sensor instance
	Stream    string    // declared output stream name, <=32 chars, [A-Za-z0-9_]
	Type      Kind      // primitive type of Value
	Value     any       // payload conforming to Type
	Timestamp time.Time // UTC instant; must fit signed 64-bit epoch-millis (I2)
}

// EpochMillis returns the timestamp as signed 64-bit epoch milliseconds,
// the representation used on the wire and in the spool. It performs no
// range check: for an instant outside the int64 millisecond range the
// result is that of time.Time.UnixMilli, which is undefined there, and no
// error is reported (I2).
func (d DataPoint) EpochMillis() int64 {
	return d.Timestamp.UnixMilli()
}

// FromEpochMillis converts a stored/received millisecond timestamp back to
// a UTC time.Time.
func FromEpochMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
