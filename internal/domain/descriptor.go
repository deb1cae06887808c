// Package domain contains the core business entities and interfaces.
// These are device-agnostic and represent the core concepts of the system.
package domain

import (
	"fmt"
	"math"
)

// DataType represents the data type of a register value.
type DataType string

const (
	DataTypeUInt16  DataType = "uint16"
	DataTypeInt16   DataType = "int16"
	DataTypeUInt32  DataType = "uint32"
	DataTypeInt32   DataType = "int32"
	DataTypeFloat32 DataType = "float32"
)

// MaxRegistersPerRead is the Modbus protocol limit for a single
// read-holding-registers request.
const MaxRegistersPerRead = 125

// RegisterDescriptor describes how to interpret one holding register or
// register pair on an inverter. Descriptors are built once at startup from
// configuration and are immutable afterwards.
type RegisterDescriptor struct {
	// Name is the unique key for this register within its device
	Name string `json:"name" yaml:"name"`

	// Address is the holding register address
	Address uint16 `json:"address" yaml:"address"`

	// RegisterCount is 1 for 16-bit values, 2 for 32-bit values
	RegisterCount uint16 `json:"register_count" yaml:"register_count"`

	// UnitID is the Modbus unit/slave ID the register lives behind
	UnitID uint8 `json:"unit_id" yaml:"unit_id"`

	// DataType determines decode width and signedness when Signed is not set
	DataType DataType `json:"data_type" yaml:"data_type"`

	// ScaleFactor is multiplied with the raw value after offset and sign
	// reinterpretation (default 1.0)
	ScaleFactor float64 `json:"scale_factor" yaml:"scale_factor"`

	// Offset is added to the raw register value before sign reinterpretation.
	// Some inverters pre-bias readings, e.g. a power register biased by
	// -16384 to center around zero.
	Offset float64 `json:"offset" yaml:"offset"`

	// Signed forces two's-complement reinterpretation regardless of DataType
	Signed bool `json:"signed" yaml:"signed"`

	// Writable marks registers the control path may write to
	Writable bool `json:"writable" yaml:"writable"`

	// Unit is the engineering unit (e.g. "W", "V", "%")
	Unit string `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// ExpectedRegisterCount returns the number of 16-bit registers the data type
// occupies.
func (d *RegisterDescriptor) ExpectedRegisterCount() uint16 {
	switch d.DataType {
	case DataTypeUInt16, DataTypeInt16:
		return 1
	case DataTypeUInt32, DataTypeInt32, DataTypeFloat32:
		return 2
	default:
		return 0
	}
}

// Validate checks the descriptor invariants. A descriptor that fails
// validation is a configuration error; the process refuses to start on it.
func (d *RegisterDescriptor) Validate() error {
	if d.Name == "" {
		return ErrRegisterNameRequired
	}
	expected := d.ExpectedRegisterCount()
	if expected == 0 {
		return fmt.Errorf("%w: %q for register %q", ErrInvalidDataType, d.DataType, d.Name)
	}
	if d.RegisterCount == 0 {
		d.RegisterCount = expected
	} else if d.RegisterCount != expected {
		return fmt.Errorf("%w: register %q declares %d registers but data type %s needs %d",
			ErrRegisterWidthMismatch, d.Name, d.RegisterCount, d.DataType, expected)
	}
	if d.ScaleFactor == 0 {
		d.ScaleFactor = 1.0
	}
	return nil
}

// signed reports whether the raw value is reinterpreted as two's complement.
func (d *RegisterDescriptor) signed() bool {
	return d.Signed || d.DataType == DataTypeInt16 || d.DataType == DataTypeInt32
}

// Decode converts raw holding registers into the typed, scaled value.
//
// The conversion order is load-bearing and must not change:
//  1. combine registers big-endian (high<<16 | low)
//  2. add Offset to the raw integer
//  3. if signed, reinterpret as two's complement at the register width
//  4. multiply by ScaleFactor
//
// Sign reinterpretation happens AFTER offset addition, so a raw 0 with
// offset -16384 decodes to -16384, not to a large positive value.
// The result is an int64 when ScaleFactor is 1 and the type is integral,
// a float64 otherwise.
func (d *RegisterDescriptor) Decode(regs []uint16) (interface{}, error) {
	if len(regs) < int(d.RegisterCount) {
		return nil, fmt.Errorf("%w: got %d registers, need %d", ErrInvalidDataLength, len(regs), d.RegisterCount)
	}

	if d.DataType == DataTypeFloat32 {
		bits := uint32(regs[0])<<16 | uint32(regs[1])
		val := float64(math.Float32frombits(bits))
		return (val + d.Offset) * d.ScaleFactor, nil
	}

	var raw uint64
	if d.RegisterCount == 2 {
		raw = uint64(regs[0])<<16 | uint64(regs[1])
	} else {
		raw = uint64(regs[0])
	}

	val := float64(raw) + d.Offset

	if d.signed() {
		switch d.RegisterCount {
		case 1:
			if val >= 1<<15 {
				val -= 1 << 16
			}
		case 2:
			if val >= 1<<31 {
				val -= 1 << 32
			}
		}
	}

	if d.ScaleFactor == 1 {
		return int64(math.Round(val)), nil
	}
	return val * d.ScaleFactor, nil
}

// Encode converts an engineering value into the register words the device
// expects. It is the exact inverse of Decode: divide by ScaleFactor, subtract
// Offset, wrap into the unsigned register range (two's complement wraparound
// for negatives).
func (d *RegisterDescriptor) Encode(value interface{}) ([]uint16, error) {
	f, ok := toFloat64(value)
	if !ok {
		return nil, fmt.Errorf("%w: cannot encode %T for register %q", ErrInvalidWriteValue, value, d.Name)
	}

	if d.DataType == DataTypeFloat32 {
		bits := math.Float32bits(float32(f/d.ScaleFactor - d.Offset))
		return []uint16{uint16(bits >> 16), uint16(bits & 0xFFFF)}, nil
	}

	raw := int64(math.Round(f/d.ScaleFactor - d.Offset))

	switch d.RegisterCount {
	case 1:
		raw &= 0xFFFF
		return []uint16{uint16(raw)}, nil
	case 2:
		raw &= 0xFFFFFFFF
		return []uint16{uint16(raw >> 16), uint16(raw & 0xFFFF)}, nil
	default:
		return nil, fmt.Errorf("%w: register %q", ErrRegisterWidthMismatch, d.Name)
	}
}

// toFloat64 converts a numeric value to float64.
func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	default:
		return 0, false
	}
}
