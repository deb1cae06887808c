package modbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/edgevolt/inverter-fleet/internal/domain"
	"github.com/edgevolt/inverter-fleet/internal/metrics"
	"github.com/edgevolt/inverter-fleet/pkg/logging"
)

// FleetRegistry holds the per-device gateways and wraps their operations in
// per-device circuit breakers, so one flapping inverter cannot burn every
// read cycle on connect timeouts.
type FleetRegistry struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	gateways map[string]domain.DeviceGateway
	breakers map[string]*gobreaker.CircuitBreaker

	primary         string
	primaryExplicit bool
}

// DeviceHealth is one device's entry in the diagnostics listing.
type DeviceHealth struct {
	DeviceID            string    `json:"device_id"`
	Address             string    `json:"address"`
	Connected           bool      `json:"connected"`
	Primary             bool      `json:"primary"`
	BreakerState        string    `json:"breaker_state"`
	ConsecutiveFailures int32     `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	Reads               uint64    `json:"reads"`
	Writes              uint64    `json:"writes"`
	Errors              uint64    `json:"errors"`
	Retries             uint64    `json:"retries"`
	CheckedAt           time.Time `json:"checked_at"`
}

// NewFleetRegistry creates an empty registry.
func NewFleetRegistry(logger zerolog.Logger) *FleetRegistry {
	return &FleetRegistry{
		logger:   logging.Component(logger, "fleet"),
		gateways: make(map[string]domain.DeviceGateway),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Add registers a gateway under its device ID. The first primary device wins;
// when no device is marked primary the first added device becomes it.
func (f *FleetRegistry) Add(gw domain.DeviceGateway) error {
	dev := gw.Device()

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.gateways[dev.ID]; exists {
		return fmt.Errorf("%w: duplicate device %q", domain.ErrDuplicateRegister, dev.ID)
	}

	f.gateways[dev.ID] = gw
	f.breakers[dev.ID] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("device-%s", dev.ID),
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	if dev.Primary && !f.primaryExplicit {
		f.primary = dev.ID
		f.primaryExplicit = true
	} else if f.primary == "" {
		f.primary = dev.ID
	}
	return nil
}

// Get returns the gateway for a device ID.
func (f *FleetRegistry) Get(deviceID string) (domain.DeviceGateway, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	gw, ok := f.gateways[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrDeviceNotFound, deviceID)
	}
	return gw, nil
}

// PrimaryID returns the ID of the primary device, empty when the fleet is
// empty.
func (f *FleetRegistry) PrimaryID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.primary
}

// All returns the gateways in stable device-ID order.
func (f *FleetRegistry) All() []domain.DeviceGateway {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ids := make([]string, 0, len(f.gateways))
	for id := range f.gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]domain.DeviceGateway, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.gateways[id])
	}
	return out
}

// Execute runs an operation against one device through its circuit breaker.
// An open breaker fails fast with domain.ErrCircuitBreakerOpen.
func (f *FleetRegistry) Execute(deviceID string, op func(domain.DeviceGateway) (interface{}, error)) (interface{}, error) {
	f.mu.RLock()
	gw, ok := f.gateways[deviceID]
	cb := f.breakers[deviceID]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrDeviceNotFound, deviceID)
	}

	result, err := cb.Execute(func() (interface{}, error) {
		return op(gw)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, fmt.Errorf("%w: device %q", domain.ErrCircuitBreakerOpen, deviceID)
	}
	return result, err
}

// Health returns a diagnostics entry per device, in stable order.
func (f *FleetRegistry) Health() []DeviceHealth {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ids := make([]string, 0, len(f.gateways))
	for id := range f.gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := time.Now()
	out := make([]DeviceHealth, 0, len(ids))
	for _, id := range ids {
		gw := f.gateways[id]
		entry := DeviceHealth{
			DeviceID:     id,
			Address:      gw.Device().Address(),
			Connected:    gw.IsConnected(),
			Primary:      id == f.primary,
			BreakerState: f.breakers[id].State().String(),
			CheckedAt:    now,
		}
		// Counters are only available on the concrete connection manager.
		if conn, ok := gw.(*DeviceConnection); ok {
			stats := conn.Stats()
			entry.ConsecutiveFailures = conn.ConsecutiveFailures()
			entry.LastSuccess = conn.LastSuccess()
			entry.Reads = stats.ReadCount.Load()
			entry.Writes = stats.WriteCount.Load()
			entry.Errors = stats.ErrorCount.Load()
			entry.Retries = stats.RetryCount.Load()
		}
		out = append(out, entry)
	}
	return out
}

// HealthCheck reports healthy when at least one device is connected. A fleet
// where every inverter is down is a service-level failure even if the
// process itself is fine.
func (f *FleetRegistry) HealthCheck(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.gateways) == 0 {
		return fmt.Errorf("%w: no devices configured", domain.ErrDeviceNotFound)
	}
	for _, gw := range f.gateways {
		if gw.IsConnected() {
			return nil
		}
	}
	return fmt.Errorf("%w: all devices disconnected", domain.ErrDeviceUnavailable)
}

// Name implements the health checker naming contract.
func (f *FleetRegistry) Name() string {
	return "modbus-fleet"
}

// Close shuts down every gateway. Safe to call more than once.
func (f *FleetRegistry) Close() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, gw := range f.gateways {
		if !gw.Close() {
			f.logger.Warn().Str("device_id", id).Msg("Gateway close reported failure")
		}
	}
}

// BuildFleet constructs a registry with one DeviceConnection per enabled
// device. Disabled devices are skipped with a log line so an operator can see
// they were ignored deliberately.
func BuildFleet(devices []domain.Device, cfg ConnConfig, reg *metrics.Registry, logger zerolog.Logger) (*FleetRegistry, error) {
	fleet := NewFleetRegistry(logger)
	for i := range devices {
		dev := &devices[i]
		if !dev.Enabled {
			logger.Info().Str("device_id", dev.ID).Msg("Skipping disabled device")
			continue
		}
		if err := fleet.Add(NewDeviceConnection(dev, cfg, reg, logger)); err != nil {
			return nil, err
		}
	}
	return fleet, nil
}
