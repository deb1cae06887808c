// Package domain contains core business entities.
package domain

import (
	"fmt"
	"time"
)

// ConnState represents the connection state of a device.
type ConnState string

const (
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateConnecting   ConnState = "connecting"
	ConnStateConnected    ConnState = "connected"
	ConnStateDegraded     ConnState = "degraded"
)

// Device represents one physical battery inverter reachable over Modbus TCP.
type Device struct {
	// ID is the unique, process-lifetime-stable identifier for this device
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable name for the device
	Name string `json:"name" yaml:"name"`

	// Host is the IP address or hostname of the inverter
	Host string `json:"host" yaml:"host"`

	// Port is the Modbus TCP port (usually 502)
	Port int `json:"port" yaml:"port"`

	// UnitID is the default Modbus unit/slave ID (1-247)
	UnitID uint8 `json:"unit_id" yaml:"unit_id"`

	// Primary marks the device whose values are also merged unnamespaced
	// into the fleet snapshot, for single-device consumers
	Primary bool `json:"primary,omitempty" yaml:"primary,omitempty"`

	// Enabled indicates whether this device participates in read cycles
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ConnectTimeout bounds the TCP+Modbus handshake
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`

	// Registers is the set of registers polled from / written to this device
	Registers []RegisterDescriptor `json:"registers" yaml:"registers"`
}

// Validate performs validation on the device configuration, including every
// register descriptor.
func (d *Device) Validate() error {
	if d.ID == "" {
		return ErrDeviceIDRequired
	}
	if d.Host == "" {
		return ErrHostRequired
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, d.Port)
	}
	if d.UnitID == 0 || d.UnitID > 247 {
		return ErrInvalidUnitID
	}
	if len(d.Registers) == 0 {
		return ErrNoRegistersDefined
	}

	seen := make(map[string]struct{}, len(d.Registers))
	for i := range d.Registers {
		reg := &d.Registers[i]
		if reg.UnitID == 0 {
			reg.UnitID = d.UnitID
		}
		if err := reg.Validate(); err != nil {
			return fmt.Errorf("device %q: %w", d.ID, err)
		}
		if _, dup := seen[reg.Name]; dup {
			return fmt.Errorf("%w: %q on device %q", ErrDuplicateRegister, reg.Name, d.ID)
		}
		seen[reg.Name] = struct{}{}
	}
	return nil
}

// Address returns the host:port dial string for this device.
func (d *Device) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// FindRegister returns the descriptor with the given name, if present.
func (d *Device) FindRegister(name string) (*RegisterDescriptor, bool) {
	for i := range d.Registers {
		if d.Registers[i].Name == name {
			return &d.Registers[i], true
		}
	}
	return nil, false
}
