// Package config loads the optional YAML guest manifest passed with
// --file. The manifest can describe a whole launch; explicit command
// line flags win over manifest values.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Manifest mirrors the guest manifest file.
//
//	memory_mib: 4
//	page: 2
//	guests:
//	  - guest1.img
//	  - guest2.img
type Manifest struct {
	MemoryMiB int      `yaml:"memory_mib"`
	Page      int      `yaml:"page"`
	Guests    []string `yaml:"guests"`
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read manifest %q", path)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(err, "parse manifest %q", path)
	}

	return &m, nil
}
