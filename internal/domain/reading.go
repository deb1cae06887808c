// Package domain contains core business entities.
package domain

import (
	"encoding/json"
	"time"
)

// Quality represents the reliability of a reading.
type Quality string

const (
	QualityGood         Quality = "good"
	QualityBad          Quality = "bad"
	QualityNotConnected Quality = "not_connected"
	QualityTimeout      Quality = "timeout"
)

// Reading represents a single decoded register value from a device.
type Reading struct {
	// DeviceID identifies the source device
	DeviceID string `json:"device_id"`

	// Name identifies the source register
	Name string `json:"name"`

	// Value is the decoded, scaled value; nil when the read failed
	Value interface{} `json:"v"`

	// Unit is the engineering unit
	Unit string `json:"u,omitempty"`

	// Quality indicates the reliability of this reading
	Quality Quality `json:"q"`

	// Timestamp is when this value was read from the device
	Timestamp time.Time `json:"ts"`
}

// Snapshot is one merged fleet read cycle: register name (namespaced by
// device ID, plus the primary device's keys unnamespaced) to value-or-nil.
type Snapshot map[string]interface{}

// SnapshotKey builds the namespaced snapshot key for a device's register.
func SnapshotKey(deviceID, name string) string {
	return deviceID + "_" + name
}

// payload is the compact wire format for publishing a reading.
// Short field names to minimize bandwidth.
type payload struct {
	Value     interface{} `json:"v"`
	Unit      string      `json:"u,omitempty"`
	Quality   Quality     `json:"q"`
	Timestamp int64       `json:"ts"`
}

// ToJSON serializes the reading to its compact publish payload.
func (r *Reading) ToJSON() ([]byte, error) {
	return json.Marshal(payload{
		Value:     r.Value,
		Unit:      r.Unit,
		Quality:   r.Quality,
		Timestamp: r.Timestamp.UnixMilli(),
	})
}

// NewReading creates a reading stamped with the current time.
func NewReading(deviceID, name string, value interface{}, unit string, quality Quality) *Reading {
	return &Reading{
		DeviceID:  deviceID,
		Name:      name,
		Value:     value,
		Unit:      unit,
		Quality:   quality,
		Timestamp: time.Now(),
	}
}
