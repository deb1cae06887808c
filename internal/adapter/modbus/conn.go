// Package modbus provides the Modbus TCP device-communication layer for the
// inverter fleet: connection lifecycle, per-device operation serialization,
// register read/write with retry and vendor-quirk handling.
package modbus

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/edgevolt/inverter-fleet/internal/domain"
	"github.com/edgevolt/inverter-fleet/internal/metrics"
)

// ConnConfig holds the tunable constants of the connection manager. The
// defaults consolidate the values that proved workable against the vendor's
// embedded Modbus stack; all of them are configuration-overridable.
type ConnConfig struct {
	// ConnectTimeout bounds the TCP+Modbus handshake
	ConnectTimeout time.Duration

	// SettleDelay is the wait after closing a client handle before a new
	// one is constructed. Embedded servers lag on TCP half-close.
	SettleDelay time.Duration

	// QuietInterval is the mandatory post-transaction wait before the
	// device lock is released. Issuing a new request too soon corrupts
	// the next transaction's framing on the vendor's Modbus stack.
	QuietInterval time.Duration

	// MaxRetries is the number of read retry attempts after the first try
	MaxRetries int

	// RetryBackoff is the linear read backoff unit: attempt n sleeps
	// RetryBackoff * (n+1)
	RetryBackoff time.Duration

	// WriteRetryBackoff is the linear backoff unit for the nominal-power
	// write path
	WriteRetryBackoff time.Duration

	// ForceReconnectAfter is the consecutive-failure count at which an
	// apparently-connected socket is treated as wedged
	ForceReconnectAfter int32
}

// DefaultConnConfig returns the consolidated defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		ConnectTimeout:      3 * time.Second,
		SettleDelay:         100 * time.Millisecond,
		QuietInterval:       100 * time.Millisecond,
		MaxRetries:          2,
		RetryBackoff:        200 * time.Millisecond,
		WriteRetryBackoff:   500 * time.Millisecond,
		ForceReconnectAfter: 3,
	}
}

func (c ConnConfig) withDefaults() ConnConfig {
	d := DefaultConnConfig()
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = d.SettleDelay
	}
	if c.QuietInterval == 0 {
		c.QuietInterval = d.QuietInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.WriteRetryBackoff == 0 {
		c.WriteRetryBackoff = d.WriteRetryBackoff
	}
	if c.ForceReconnectAfter == 0 {
		c.ForceReconnectAfter = d.ForceReconnectAfter
	}
	return c
}

// ConnStats tracks per-device communication counters.
type ConnStats struct {
	ReadCount    atomic.Uint64
	WriteCount   atomic.Uint64
	ErrorCount   atomic.Uint64
	RetryCount   atomic.Uint64
	ConnectCount atomic.Uint64
}

// DeviceConnection owns exactly one underlying Modbus TCP client handle for
// one physical inverter, the reconnect policy for it, and the single
// serialization lock for all operations against that device.
type DeviceConnection struct {
	device  *domain.Device
	config  ConnConfig
	logger  zerolog.Logger
	metrics *metrics.Registry

	// opMu serializes connect/close/read/write. The embedded Modbus
	// servers cannot handle overlapping transactions on one TCP channel.
	opMu sync.Mutex

	// mu guards the state metadata below
	mu          sync.RWMutex
	state       domain.ConnState
	validated   bool
	lastSuccess time.Time
	lastError   error

	handler io.Closer
	tcp     *modbus.TCPClientHandler
	client  modbus.Client

	consecutiveFailures atomic.Int32
	stats               *ConnStats

	// dial builds a fresh, connected client. Overridden in tests.
	dial func() (modbus.Client, io.Closer, *modbus.TCPClientHandler, error)
}

// NewDeviceConnection creates the connection manager for one device. The
// metrics registry may be nil. No network I/O happens until Connect or the
// first operation.
func NewDeviceConnection(device *domain.Device, config ConnConfig, reg *metrics.Registry, logger zerolog.Logger) *DeviceConnection {
	c := &DeviceConnection{
		device:  device,
		config:  config.withDefaults(),
		metrics: reg,
		logger: logger.With().
			Str("device_id", device.ID).
			Str("address", device.Address()).
			Logger(),
		state: domain.ConnStateDisconnected,
		stats: &ConnStats{},
	}
	c.dial = c.defaultDial
	return c
}

// defaultDial constructs a goburrow TCP handler and performs the handshake.
func (c *DeviceConnection) defaultDial() (modbus.Client, io.Closer, *modbus.TCPClientHandler, error) {
	handler := modbus.NewTCPClientHandler(c.device.Address())
	handler.Timeout = c.config.ConnectTimeout
	if c.device.ConnectTimeout > 0 {
		handler.Timeout = c.device.ConnectTimeout
	}
	handler.SlaveId = c.device.UnitID

	if err := handler.Connect(); err != nil {
		handler.Close()
		return nil, nil, nil, err
	}
	return modbus.NewClient(handler), handler, handler, nil
}

// Device returns the static configuration this connection serves.
func (c *DeviceConnection) Device() *domain.Device {
	return c.device
}

// Connect acquires the device lock and (re)establishes the connection.
// Returns false on ordinary connection failure; transport and protocol
// errors never escape as panics.
func (c *DeviceConnection) Connect(ctx context.Context) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.connectLocked(ctx)
}

// connectLocked must be called with opMu held.
func (c *DeviceConnection) connectLocked(ctx context.Context) bool {
	c.setState(domain.ConnStateConnecting)
	c.stats.ConnectCount.Add(1)

	// A stale handle has to be fully released before a fresh handshake,
	// and the device needs a moment to notice the half-close.
	if c.handler != nil {
		if err := c.handler.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Error closing stale Modbus handle")
		}
		c.handler = nil
		c.tcp = nil
		c.client = nil
		c.sleep(ctx, c.config.SettleDelay)
	}

	type dialResult struct {
		client  modbus.Client
		handler io.Closer
		tcp     *modbus.TCPClientHandler
		err     error
	}
	done := make(chan dialResult, 1)
	start := time.Now()
	go func() {
		client, handler, tcp, err := c.dial()
		done <- dialResult{client, handler, tcp, err}
	}()

	var res dialResult
	select {
	case res = <-done:
	case <-ctx.Done():
		// Reap a dial that completes after the deadline so its socket
		// does not leak.
		go func() {
			if late := <-done; late.handler != nil {
				late.handler.Close()
			}
		}()
		res = dialResult{err: fmt.Errorf("%w: %v", domain.ErrConnectionTimeout, ctx.Err())}
	}

	if c.metrics != nil {
		c.metrics.RecordConnection(c.device.ID, res.err == nil, time.Since(start).Seconds())
	}

	if res.err != nil {
		c.consecutiveFailures.Add(1)
		c.setStateErr(domain.ConnStateDisconnected, res.err)
		c.logger.Warn().Err(res.err).
			Int32("consecutive_failures", c.consecutiveFailures.Load()).
			Msg("Failed to connect to inverter")
		return false
	}

	c.client = res.client
	c.handler = res.handler
	c.tcp = res.tcp
	c.consecutiveFailures.Store(0)

	c.mu.Lock()
	c.state = domain.ConnStateConnected
	c.validated = true
	c.lastSuccess = time.Now()
	c.lastError = nil
	c.mu.Unlock()

	c.logger.Info().Msg("Connected to inverter")
	return true
}

// EnsureConnected is a no-op success when already connected, unless the
// device looks wedged (a socket that reports connected but cannot complete
// transactions), in which case it closes and reconnects.
func (c *DeviceConnection) EnsureConnected(ctx context.Context) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.ensureConnectedLocked(ctx)
}

// ensureConnectedLocked must be called with opMu held.
func (c *DeviceConnection) ensureConnectedLocked(ctx context.Context) bool {
	if c.shouldForceReconnect() {
		c.logger.Warn().
			Int32("consecutive_failures", c.consecutiveFailures.Load()).
			Msg("Forcing reconnect of wedged connection")
		c.closeLocked()
		return c.connectLocked(ctx)
	}

	c.mu.RLock()
	connected := c.state == domain.ConnStateConnected && c.validated && c.client != nil
	c.mu.RUnlock()

	if connected {
		return true
	}
	return c.connectLocked(ctx)
}

// shouldForceReconnect reports whether the failure streak indicates a wedged
// socket.
func (c *DeviceConnection) shouldForceReconnect() bool {
	return c.consecutiveFailures.Load() >= c.config.ForceReconnectAfter
}

// Close releases the client handle under the device lock. Idempotent;
// close-time errors are logged and swallowed.
func (c *DeviceConnection) Close() bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.closeLocked()
}

// closeLocked must be called with opMu held.
func (c *DeviceConnection) closeLocked() bool {
	if c.handler != nil {
		if err := c.handler.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Error closing Modbus connection")
		}
		c.handler = nil
		c.tcp = nil
		c.client = nil
		time.Sleep(c.config.SettleDelay)
	}

	c.mu.Lock()
	c.state = domain.ConnStateDisconnected
	c.validated = false
	c.mu.Unlock()

	c.logger.Debug().Msg("Disconnected from inverter")
	return true
}

// ForceReconnect closes and reconnects regardless of apparent state.
func (c *DeviceConnection) ForceReconnect(ctx context.Context) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.closeLocked()
	return c.connectLocked(ctx)
}

// IsConnected reports whether the last known state is connected.
func (c *DeviceConnection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == domain.ConnStateConnected
}

// State returns the current connection state.
func (c *DeviceConnection) State() domain.ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// MarkDisconnected flips the state without touching the socket or the
// device lock, so it is safe to call while an operation is stuck in flight.
func (c *DeviceConnection) MarkDisconnected() {
	c.mu.Lock()
	c.state = domain.ConnStateDisconnected
	c.validated = false
	c.mu.Unlock()
}

// LastSuccess returns the timestamp of the last successful operation.
func (c *DeviceConnection) LastSuccess() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// LastError returns the most recent connection or operation error.
func (c *DeviceConnection) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// ConsecutiveFailures returns the current failure streak.
func (c *DeviceConnection) ConsecutiveFailures() int32 {
	return c.consecutiveFailures.Load()
}

// Stats returns the raw counters for this connection.
func (c *DeviceConnection) Stats() *ConnStats {
	return c.stats
}

// withClientLocked is the scoped-connection helper: it ensures connectivity
// and returns the client. Callers must hold opMu and must call quiesce after
// the network operation completes, before releasing the lock.
func (c *DeviceConnection) withClientLocked(ctx context.Context) (modbus.Client, error) {
	if !c.ensureConnectedLocked(ctx) {
		return nil, fmt.Errorf("%w: %s", domain.ErrConnectionFailed, c.device.ID)
	}
	return c.client, nil
}

// quiesce enforces the post-transaction quiet interval. The vendor's
// embedded stack corrupts the next transaction's framing if a request is
// issued too soon after the previous response.
func (c *DeviceConnection) quiesce(ctx context.Context) {
	c.sleep(ctx, c.config.QuietInterval)
}

// invalidate clears the connection-validated flag so the next attempt
// reconnects from scratch.
func (c *DeviceConnection) invalidate() {
	c.mu.Lock()
	c.validated = false
	c.mu.Unlock()
}

// setUnitLocked switches the Modbus unit ID for descriptors that live behind
// a different sub-address. No-op when a test has injected a bare client.
func (c *DeviceConnection) setUnitLocked(unitID uint8) {
	if c.tcp != nil && unitID != 0 {
		c.tcp.SlaveId = unitID
	}
}

// recordSuccess resets the failure streak and stamps the success time.
func (c *DeviceConnection) recordSuccess() {
	c.consecutiveFailures.Store(0)
	c.mu.Lock()
	c.state = domain.ConnStateConnected
	c.lastSuccess = time.Now()
	c.lastError = nil
	c.mu.Unlock()
}

// recordFailure bumps the failure streak and degrades the state. The final
// failure of an operation marks the device disconnected.
func (c *DeviceConnection) recordFailure(err error, final bool) {
	c.consecutiveFailures.Add(1)
	c.stats.ErrorCount.Add(1)
	next := domain.ConnStateDegraded
	if final {
		next = domain.ConnStateDisconnected
	}
	c.setStateErr(next, err)
}

func (c *DeviceConnection) setState(s domain.ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *DeviceConnection) setStateErr(s domain.ConnState, err error) {
	c.mu.Lock()
	c.state = s
	c.lastError = err
	if s == domain.ConnStateDisconnected {
		c.validated = false
	}
	c.mu.Unlock()
}

// sleep waits for d or until ctx is done, whichever comes first.
func (c *DeviceConnection) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
