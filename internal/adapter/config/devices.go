// Package config provides device configuration loading.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/edgevolt/inverter-fleet/internal/domain"
)

// DevicesFile is the top-level devices configuration file.
type DevicesFile struct {
	Version string          `yaml:"version"`
	Devices []domain.Device `yaml:"devices"`
}

// LoadDevices loads and validates the device inventory from a YAML file.
//
// Duplicate IDs and invalid descriptors are configuration errors; the
// process refuses to start on them. Exactly one device may be marked
// primary; when none is, the first device in the file becomes primary.
func LoadDevices(path string) ([]domain.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}
	return ParseDevices(data)
}

// ParseDevices parses and validates a devices file payload.
func ParseDevices(data []byte) ([]domain.Device, error) {
	var file DevicesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}
	if len(file.Devices) == 0 {
		return nil, fmt.Errorf("devices file defines no devices")
	}

	seenIDs := make(map[string]int, len(file.Devices))
	primaries := 0
	for idx := range file.Devices {
		dev := &file.Devices[idx]

		if prevIdx, exists := seenIDs[dev.ID]; exists {
			return nil, fmt.Errorf("duplicate device ID %q at index %d (first seen at index %d)", dev.ID, idx, prevIdx)
		}
		seenIDs[dev.ID] = idx

		if err := dev.Validate(); err != nil {
			return nil, fmt.Errorf("device %q: %w", dev.ID, err)
		}
		if dev.Primary {
			primaries++
		}
	}

	if primaries > 1 {
		return nil, fmt.Errorf("at most one device may be marked primary, got %d", primaries)
	}
	if primaries == 0 {
		file.Devices[0].Primary = true
	}

	return file.Devices, nil
}
