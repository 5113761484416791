// Package config holds the agent's static startup configuration and the
// mutable AgentConfig (the sensor list fetched from the collector every
// ~60s), following the same load-from-env-with-defaults and
// RWMutex-guarded-mutable-fields shape used throughout this codebase.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Static holds configuration set once at startup from CLI flags, with
// environment variable fallback.
type Static struct {
	ConfigPath string // persisted AgentConfig YAML file
	WebAPIURL  string // collector base URL
	ID         string // agent id override; defaults to sha1(hostname+mac)
	DBPath     string // spool database file
	CertsDir   string // agent.key / agent.crt / agent.csr / ca.crt directory
	LogJSON    bool

	// TimeDiff bounds the clock-sync precheck (§4.8): the agent refuses to
	// run if |agent_now - collector_now| exceeds this.
	TimeDiff time.Duration
}

// Load reads static configuration from environment variables with
// defaults; CLI flags (parsed in cmd/agent) override these before Load's
// result is used.
func Load() *Static {
	return &Static{
		ConfigPath: envStr("AGENT_CONFIG_PATH", "/etc/agent/config.yaml"),
		WebAPIURL:  envStr("AGENT_WEBAPI_URL", ""),
		ID:         envStr("AGENT_ID", ""),
		DBPath:     envStr("AGENT_DB_PATH", "/var/lib/agent/agentdata.db"),
		CertsDir:   envStr("AGENT_CERTS_DIR", "/etc/agent/certs"),
		LogJSON:    envBool("AGENT_LOG_JSON", true),
		TimeDiff:   envDuration("AGENT_TIME_DIFF", 600*time.Second),
	}
}

// Validate checks the static configuration for invalid values.
func (c *Static) Validate() error {
	var errs []error
	if c.WebAPIURL == "" {
		errs = append(errs, fmt.Errorf("AGENT_WEBAPI_URL must be set"))
	}
	if c.DBPath == "" {
		errs = append(errs, fmt.Errorf("AGENT_DB_PATH must be set"))
	}
	if c.CertsDir == "" {
		errs = append(errs, fmt.Errorf("AGENT_CERTS_DIR must be set"))
	}
	if c.TimeDiff <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_TIME_DIFF must be > 0, got %s", c.TimeDiff))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
