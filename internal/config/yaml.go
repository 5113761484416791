package config

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlDoc mirrors the persisted config file schema from spec §6. Unknown
// top-level properties are rejected by decoding with KnownFields(true).
type yamlDoc struct {
	Sensors []SensorDescriptor `yaml:"sensors"`
}

// LoadYAML reads the persisted AgentConfig file at path. A missing file is
// not an error — it returns an empty document, mirroring the source
// agent's load_config falling back to {sensors: []} on IOError.
func LoadYAML(path string) ([]SensorDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc yamlDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return doc.Sensors, nil
}

// SaveYAML persists descs without validating them (callers validate via
// AgentConfig.Replace first; descs are the remaining non-intern sensors;
// intern sensors are not written back to disk since they carry no
// scheduling information a restart would need). The write is not atomic
// across the whole document; callers comparing I5-style durability can
// rely only on `sensors:` being rewritten wholesale.
func SaveYAML(path string, descs []SensorDescriptor) error {
	doc := yamlDoc{Sensors: descs}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Hash returns the SHA-1 hex digest of the canonical YAML encoding of
// descs, used by the "_config_applied" notification (§12.1) so an
// operator can correlate a notification with the exact config it applied.
func Hash(descs []SensorDescriptor) (string, error) {
	data, err := yaml.Marshal(yamlDoc{Sensors: descs})
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(data)
	return fmt.Sprintf("%x", sum), nil
}
