package config

import (
	"fmt"
	"sync"
	"time"
)

// reserved sensor kinds that are extracted into InternSensors rather than
// run as workers (§3, §12.1).
const (
	internError        = "_error"
	internConfigApplied = "_conf_applied"
)

// SensorDescriptor is one entry of the remote/persisted AgentConfig.
type SensorDescriptor struct {
	Sensor   string         `yaml:"sensor" json:"sensor"`
	ConfigID string         `yaml:"config_id" json:"config_id"`
	Target   string         `yaml:"target" json:"target"`
	TargetID string         `yaml:"target_id" json:"target_id"`
	Config   map[string]any `yaml:"config" json:"config"`
}

// Validate checks the descriptor against the schema named in spec §6: all
// four string fields at least 2 characters, and the recognized config
// keys within bounds when present.
func (d SensorDescriptor) Validate() error {
	for name, v := range map[string]string{
		"sensor":    d.Sensor,
		"config_id": d.ConfigID,
		"target":    d.Target,
		"target_id": d.TargetID,
	} {
		if len(v) < 2 {
			return fmt.Errorf("sensor descriptor %q: field %q must be at least 2 characters", d.ConfigID, name)
		}
	}
	if v, ok := d.Config["sampling_period"]; ok {
		n, ok := toInt(v)
		if !ok || n < 1 {
			return fmt.Errorf("sensor %s: sampling_period must be an integer >= 1", d.ConfigID)
		}
	}
	if v, ok := d.Config["run_timeout"]; ok {
		n, ok := toInt(v)
		if !ok || n < 5 || n > 3600 {
			return fmt.Errorf("sensor %s: run_timeout must be an integer in [5, 3600]", d.ConfigID)
		}
	}
	if v, ok := d.Config["memory_limit"]; ok {
		n, ok := toInt(v)
		if !ok || n < 1024 {
			return fmt.Errorf("sensor %s: memory_limit must be an integer >= 1024", d.ConfigID)
		}
	}
	return nil
}

// SamplingPeriod returns the configured period for periodic sensors, or
// zero if unset (the caller should then treat the sensor as event-driven).
func (d SensorDescriptor) SamplingPeriod() time.Duration {
	n, ok := toInt(d.Config["sampling_period"])
	if !ok {
		return 0
	}
	return time.Duration(n) * time.Second
}

// RunTimeout returns the configured per-run timeout, defaulting to 60s
// when unset (within the [5, 3600] schema bound).
func (d SensorDescriptor) RunTimeout() time.Duration {
	n, ok := toInt(d.Config["run_timeout"])
	if !ok {
		return 60 * time.Second
	}
	return time.Duration(n) * time.Second
}

// MemoryLimitBytes returns the configured RSS ceiling in bytes, and false
// if the sensor has no memory limit configured.
func (d SensorDescriptor) MemoryLimitBytes() (int64, bool) {
	n, ok := toInt(d.Config["memory_limit"])
	if !ok {
		return 0, false
	}
	return int64(n), true
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// InternSensors holds the config_ids of the two reserved sensor kinds that
// are never run as workers: the agent-level error log stream and the
// "configuration has been applied" notification sink (§12.1).
type InternSensors struct {
	ErrorID         string
	ConfigAppliedID string
}

// AgentConfig is the ordered, unique-by-config_id set of SensorDescriptors
// the Supervisor diffs against its running workers. It is mutated by the
// ~60s remote config poll and read continuously by the diff-and-apply
// loop and the sensor-mode harness, so all access goes through its
// RWMutex-guarded methods.
type AgentConfig struct {
	mu      sync.RWMutex
	sensors []SensorDescriptor // excludes intern kinds; order preserved
	intern  InternSensors
}

// NewAgentConfig returns an empty AgentConfig.
func NewAgentConfig() *AgentConfig {
	return &AgentConfig{}
}

// Replace validates descs, splits out the reserved intern sensor kinds,
// and atomically swaps the running set. Unknown top-level or per-sensor
// properties are the caller's concern at decode time (see yaml.go); this
// method only enforces field-level validity and config_id uniqueness.
func (a *AgentConfig) Replace(descs []SensorDescriptor) error {
	seen := make(map[string]bool, len(descs))
	var sensors []SensorDescriptor
	var intern InternSensors

	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.ConfigID] {
			return fmt.Errorf("duplicate config_id %q", d.ConfigID)
		}
		seen[d.ConfigID] = true

		switch d.Sensor {
		case internError:
			intern.ErrorID = d.ConfigID
		case internConfigApplied:
			intern.ConfigAppliedID = d.ConfigID
		default:
			sensors = append(sensors, d)
		}
	}

	a.mu.Lock()
	a.sensors = sensors
	a.intern = intern
	a.mu.Unlock()
	return nil
}

// Sensors returns a copy of the current ordered sensor list (excluding
// intern kinds).
func (a *AgentConfig) Sensors() []SensorDescriptor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]SensorDescriptor, len(a.sensors))
	copy(out, a.sensors)
	return out
}

// Intern returns the current intern sensor config_ids.
func (a *AgentConfig) Intern() InternSensors {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.intern
}

// Get returns the descriptor for a config_id, if present among the
// non-intern sensors.
func (a *AgentConfig) Get(configID string) (SensorDescriptor, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, d := range a.sensors {
		if d.ConfigID == configID {
			return d, true
		}
	}
	return SensorDescriptor{}, false
}
