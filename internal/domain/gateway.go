// Package domain contains core business entities.
package domain

import "context"

// DeviceGateway is the per-device communication contract implemented by the
// Modbus connection manager. The orchestrator and the diagnostics surfaces
// depend on this interface rather than on the concrete adapter.
//
// Implementations guarantee at most one in-flight operation per device:
// connect, close, read and write all serialize on one internal lock, because
// the embedded Modbus servers in these inverters cannot multiplex
// overlapping transactions.
type DeviceGateway interface {
	// Device returns the static configuration this gateway serves.
	Device() *Device

	// EnsureConnected is a no-op when already connected, otherwise it
	// connects. It forces a close+reconnect when the device looks wedged.
	// Connection failures are reported as false, never as a panic.
	EnsureConnected(ctx context.Context) bool

	// ReadRegister reads and decodes one descriptor. Exhausted retries
	// surface as an error wrapping ErrDeviceUnavailable.
	ReadRegister(ctx context.Context, d *RegisterDescriptor) (interface{}, error)

	// WriteRegister encodes and writes one value, filtering the device's
	// response through the vendor-quirk policy.
	WriteRegister(ctx context.Context, d *RegisterDescriptor, value interface{}) error

	// WriteNominalPower atomically writes the power setpoint and power
	// factor registers in a single request, with clamping and retry.
	WriteNominalPower(ctx context.Context, d *RegisterDescriptor, power, powerFactor int) error

	// IsConnected reports whether the last known state is connected.
	IsConnected() bool

	// ForceReconnect closes and reconnects regardless of apparent state.
	ForceReconnect(ctx context.Context) bool

	// MarkDisconnected flips the state without touching the socket. Used
	// by the orchestrator's systemic-timeout reset, which must not block
	// on a lock held by a stuck operation.
	MarkDisconnected()

	// Close releases the underlying client handle. Idempotent.
	Close() bool
}
