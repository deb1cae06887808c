package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const devicesYAML = `
version: "1.0"
devices:
  - id: battery-a
    name: Battery A
    host: 192.168.1.10
    port: 502
    unit_id: 64
    enabled: true
    registers:
      - name: soc
        address: 46
        data_type: uint16
        unit: "%"
      - name: power
        address: 47
        data_type: uint16
        offset: -16384
        signed: true
        writable: true
        unit: W
  - id: battery-b
    name: Battery B
    host: 192.168.1.11
    port: 502
    unit_id: 64
    enabled: true
    primary: true
    registers:
      - name: soc
        address: 46
        data_type: uint16
`

func TestParseDevices(t *testing.T) {
	devices, err := ParseDevices([]byte(devicesYAML))
	if err != nil {
		t.Fatalf("ParseDevices() = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("len(devices) = %d, want 2", len(devices))
	}

	a := devices[0]
	if a.ID != "battery-a" || a.Address() != "192.168.1.10:502" {
		t.Errorf("device a = %q at %q", a.ID, a.Address())
	}
	if len(a.Registers) != 2 {
		t.Fatalf("battery-a registers = %d, want 2", len(a.Registers))
	}

	power, ok := a.FindRegister("power")
	if !ok {
		t.Fatal("power register missing")
	}
	if power.Offset != -16384 || !power.Signed || !power.Writable {
		t.Errorf("power register = %+v", power)
	}
	// Validation fills width and scale defaults.
	if power.RegisterCount != 1 || power.ScaleFactor != 1.0 {
		t.Errorf("power defaults = count %d scale %v", power.RegisterCount, power.ScaleFactor)
	}
	// Register unit IDs default to the device unit ID.
	if power.UnitID != 64 {
		t.Errorf("power UnitID = %d, want 64", power.UnitID)
	}

	if !devices[1].Primary {
		t.Error("battery-b not primary despite explicit flag")
	}
}

func TestParseDevicesDefaultsFirstPrimary(t *testing.T) {
	yaml := strings.Replace(devicesYAML, "    primary: true\n", "", 1)
	devices, err := ParseDevices([]byte(yaml))
	if err != nil {
		t.Fatalf("ParseDevices() = %v", err)
	}
	if !devices[0].Primary {
		t.Error("first device not defaulted to primary")
	}
	if devices[1].Primary {
		t.Error("second device marked primary unexpectedly")
	}
}

func TestParseDevicesRejectsDuplicateIDs(t *testing.T) {
	yaml := strings.ReplaceAll(devicesYAML, "battery-b", "battery-a")
	if _, err := ParseDevices([]byte(yaml)); err == nil {
		t.Error("ParseDevices(duplicate IDs) = nil, want error")
	}
}

func TestParseDevicesRejectsMultiplePrimaries(t *testing.T) {
	yaml := strings.Replace(devicesYAML, "unit_id: 64\n    enabled: true\n    registers:",
		"unit_id: 64\n    enabled: true\n    primary: true\n    registers:", 1)
	if _, err := ParseDevices([]byte(yaml)); err == nil {
		t.Error("ParseDevices(two primaries) = nil, want error")
	}
}

func TestParseDevicesRejectsInvalidRegister(t *testing.T) {
	yaml := strings.Replace(devicesYAML, "data_type: uint16\n        unit: \"%\"", "data_type: int64", 1)
	if _, err := ParseDevices([]byte(yaml)); err == nil {
		t.Error("ParseDevices(bad data type) = nil, want error")
	}
}

func TestParseDevicesRejectsEmpty(t *testing.T) {
	if _, err := ParseDevices([]byte("version: \"1.0\"\ndevices: []\n")); err == nil {
		t.Error("ParseDevices(empty) = nil, want error")
	}
}

func TestLoadDevicesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.yaml")
	if err := os.WriteFile(path, []byte(devicesYAML), 0600); err != nil {
		t.Fatal(err)
	}

	devices, err := LoadDevices(path)
	if err != nil {
		t.Fatalf("LoadDevices() = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("loaded %d devices, want 2", len(devices))
	}
}

func TestLoadDevicesMissingFile(t *testing.T) {
	if _, err := LoadDevices("/nonexistent/devices.yaml"); err == nil {
		t.Error("LoadDevices(missing) = nil, want error")
	}
}
