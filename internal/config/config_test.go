package config

import (
	"path/filepath"
	"testing"
)

func TestSensorDescriptorValidate(t *testing.T) {
	cases := []struct {
		name    string
		desc    SensorDescriptor
		wantErr bool
	}{
		{
			name: "valid",
			desc: SensorDescriptor{Sensor: "uptime", ConfigID: "ab", Target: "host", TargetID: "h1",
				Config: map[string]any{"sampling_period": 1, "run_timeout": 5, "memory_limit": 1024}},
			wantErr: false,
		},
		{
			name:    "short field",
			desc:    SensorDescriptor{Sensor: "u", ConfigID: "ab", Target: "host", TargetID: "h1"},
			wantErr: true,
		},
		{
			name: "run_timeout out of range",
			desc: SensorDescriptor{Sensor: "uptime", ConfigID: "ab", Target: "host", TargetID: "h1",
				Config: map[string]any{"run_timeout": 4000}},
			wantErr: true,
		},
		{
			name: "memory_limit too small",
			desc: SensorDescriptor{Sensor: "uptime", ConfigID: "ab", Target: "host", TargetID: "h1",
				Config: map[string]any{"memory_limit": 10}},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.desc.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestAgentConfigReplaceSplitsInternSensors(t *testing.T) {
	ac := NewAgentConfig()
	err := ac.Replace([]SensorDescriptor{
		{Sensor: "uptime", ConfigID: "cid-a", Target: "t", TargetID: "ti"},
		{Sensor: internError, ConfigID: "err-id", Target: "t", TargetID: "ti"},
		{Sensor: internConfigApplied, ConfigID: "ca-id", Target: "t", TargetID: "ti"},
	})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if got := ac.Sensors(); len(got) != 1 || got[0].ConfigID != "cid-a" {
		t.Fatalf("Sensors() = %+v, want only cid-a", got)
	}
	intern := ac.Intern()
	if intern.ErrorID != "err-id" || intern.ConfigAppliedID != "ca-id" {
		t.Fatalf("Intern() = %+v", intern)
	}
}

func TestAgentConfigReplaceRejectsDuplicateConfigID(t *testing.T) {
	ac := NewAgentConfig()
	err := ac.Replace([]SensorDescriptor{
		{Sensor: "uptime", ConfigID: "cid-a", Target: "t", TargetID: "ti"},
		{Sensor: "loadavg", ConfigID: "cid-a", Target: "t", TargetID: "ti"},
	})
	if err == nil {
		t.Fatalf("expected error for duplicate config_id")
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	descs := []SensorDescriptor{
		{Sensor: "uptime", ConfigID: "cid-a", Target: "host", TargetID: "h1",
			Config: map[string]any{"sampling_period": 1}},
	}
	if err := SaveYAML(path, descs); err != nil {
		t.Fatalf("SaveYAML: %v", err)
	}
	got, err := LoadYAML(path)
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if len(got) != 1 || got[0].ConfigID != "cid-a" {
		t.Fatalf("LoadYAML() = %+v", got)
	}
}

func TestLoadYAMLMissingFileReturnsEmpty(t *testing.T) {
	got, err := LoadYAML(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadYAML on missing file: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil sensors for missing file, got %+v", got)
	}
}

func TestHashStableForSameInput(t *testing.T) {
	descs := []SensorDescriptor{{Sensor: "uptime", ConfigID: "cid-a", Target: "t", TargetID: "ti"}}
	h1, err := Hash(descs)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := Hash(descs)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("Hash not stable: %s != %s", h1, h2)
	}
}
