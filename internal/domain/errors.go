// Package domain contains core business entities.
package domain

import "errors"

// Device configuration errors.
var (
	ErrDeviceIDRequired      = errors.New("device ID is required")
	ErrHostRequired          = errors.New("device host is required")
	ErrInvalidPort           = errors.New("invalid port")
	ErrInvalidUnitID         = errors.New("unit ID must be between 1 and 247")
	ErrNoRegistersDefined    = errors.New("at least one register must be defined")
	ErrRegisterNameRequired  = errors.New("register name is required")
	ErrRegisterWidthMismatch = errors.New("register count does not match data type width")
	ErrInvalidDataType       = errors.New("invalid data type")
	ErrDuplicateRegister     = errors.New("duplicate register name")
)

// Connection errors.
var (
	ErrConnectionFailed  = errors.New("connection failed")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrConnectionClosed  = errors.New("connection closed")
)

// Read/Write errors.
var (
	ErrReadFailed           = errors.New("read operation failed")
	ErrWriteFailed          = errors.New("write operation failed")
	ErrInvalidRegisterCount = errors.New("register count must be between 1 and 125")
	ErrInvalidDataLength    = errors.New("invalid data length")
	ErrInvalidWriteValue    = errors.New("invalid value for write operation")
	ErrRegisterNotWritable  = errors.New("register is not writable")
)

// Fleet/service errors.
var (
	// ErrDeviceUnavailable marks an exhausted-retries communication failure,
	// as opposed to a register that is simply not configured. Callers treat
	// it as "temporarily unavailable", not as a configuration error.
	ErrDeviceUnavailable = errors.New("device communication failure")

	ErrDeviceNotFound     = errors.New("device not found")
	ErrRegisterNotFound   = errors.New("register not found")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrServiceStopped     = errors.New("service has been stopped")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTSubscribeFailed  = errors.New("MQTT subscribe failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
)
