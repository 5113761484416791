// Package sensors holds the compile-time registry of sensor kinds the
// agent ships with and the kinds themselves, grounded in
// original_source/whmonit/client/sensors/*/linux_01.py's "one module per
// kind, name + streams + do_run" convention, translated to Go's
// worker.Sensor interface.
package sensors

import (
	"fmt"

	"github.com/monitowl/agent/internal/worker"
)

// registry is the closed set of sensor kinds the agent binary can spawn,
// populated at init by each kind's own file (uptime.go, loadavg.go).
var registry = map[string]func() worker.Sensor{}

func register(kind string, factory func() worker.Sensor) {
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("sensors: duplicate registration for kind %q", kind))
	}
	registry[kind] = factory
}

// New returns a fresh Sensor instance for kind, or false if kind is not a
// recognized compile-time sensor.
func New(kind string) (worker.Sensor, bool) {
	factory, ok := registry[kind]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Kinds returns the set of known kinds in no particular order (map
// iteration order), for the test-sensors CLI harness's usage text.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}
