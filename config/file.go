package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// yamlFile is the on-disk YAML document: a version stamp around the
// configuration proper.
type yamlFile struct {
	Version string `yaml:"version"`
	Config  Config `yaml:"smmu"`
}

// MarshalYAMLFile renders the configuration as a versioned YAML
// document.
func (c Config) MarshalYAMLFile() ([]byte, error) {
	return yaml.Marshal(yamlFile{Version: ConfigVersion, Config: c})
}

// UnmarshalYAMLFile parses a versioned YAML document. Absent fields
// keep their default values, and the result must validate.
func UnmarshalYAMLFile(data []byte) (Config, error) {
	doc := yamlFile{Config: Default()}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrParseError, err)
	}
	if !doc.Config.Valid() {
		return Config{}, ErrInvalidConfiguration
	}
	return doc.Config, nil
}

// LoadFile reads a configuration file. Files ending in .yaml or .yml
// are parsed as YAML; everything else as the key=value text format.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return UnmarshalYAMLFile(data)
	}
	return FromString(string(data))
}

// SaveFile writes a configuration file, choosing the format by
// extension the same way LoadFile does.
func SaveFile(path string, cfg Config) error {
	if !cfg.Valid() {
		return ErrInvalidConfiguration
	}

	var data []byte
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		out, err := cfg.MarshalYAMLFile()
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		data = out
	default:
		data = []byte(cfg.String())
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
