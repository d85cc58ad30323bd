package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads path, a YAML config file, and decodes it into a Config.
// Environment variable references (${VAR}, ${VAR:-default}) are expanded
// before decoding, and unknown YAML keys are rejected so a typo'd option
// name fails loudly instead of silently falling back to a default.
func Load(path string) (*Config, error) {
	raw, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := decodeStrict(ExpandEnv(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}

	return cfg, nil
}

func readConfigFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return "", fmt.Errorf("config file not found: %s", path)
	case err != nil:
		return "", fmt.Errorf("cannot read config file %q: %w", path, err)
	}
	return string(data), nil
}

// decodeStrict parses an already-expanded YAML document. A document that
// decodes to nothing (an empty file) yields a zero-valued Config rather
// than an error.
func decodeStrict(document string) (*Config, error) {
	dec := yaml.NewDecoder(strings.NewReader(document))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &cfg, nil
}
