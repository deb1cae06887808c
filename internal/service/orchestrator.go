// Package service contains the fleet orchestration layer: multi-device read
// cycles, write routing, and the MQTT command surface.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgevolt/inverter-fleet/internal/domain"
	"github.com/edgevolt/inverter-fleet/internal/metrics"
	"github.com/edgevolt/inverter-fleet/pkg/logging"
)

// Fleet is the registry surface the orchestrator needs. Satisfied by the
// Modbus fleet registry; tests inject fakes.
type Fleet interface {
	All() []domain.DeviceGateway
	Get(deviceID string) (domain.DeviceGateway, error)
	PrimaryID() string
	Execute(deviceID string, op func(domain.DeviceGateway) (interface{}, error)) (interface{}, error)
}

// SnapshotSink receives each completed read cycle and its per-register
// readings, typically the MQTT publisher.
type SnapshotSink interface {
	PublishSnapshot(snapshot domain.Snapshot)
	PublishReading(ctx context.Context, reading *domain.Reading) error
}

// OrchestratorConfig holds the cycle tuning knobs.
type OrchestratorConfig struct {
	// PollInterval is the spacing between read cycles in the Run loop
	PollInterval time.Duration

	// DeviceTimeout bounds one device's share of a read cycle
	DeviceTimeout time.Duration

	// CycleTimeout bounds the whole read cycle. Expiry is treated as a
	// systemic failure: every device is marked disconnected and the
	// cycle yields an empty snapshot.
	CycleTimeout time.Duration

	// NominalPowerRegister is the register name the power setpoint path
	// resolves on the target device
	NominalPowerRegister string
}

// DefaultOrchestratorConfig returns the standard cycle tuning.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		PollInterval:         30 * time.Second,
		DeviceTimeout:        15 * time.Second,
		CycleTimeout:         30 * time.Second,
		NominalPowerRegister: "nominal_power",
	}
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	d := DefaultOrchestratorConfig()
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.DeviceTimeout == 0 {
		c.DeviceTimeout = d.DeviceTimeout
	}
	if c.CycleTimeout == 0 {
		c.CycleTimeout = d.CycleTimeout
	}
	if c.NominalPowerRegister == "" {
		c.NominalPowerRegister = d.NominalPowerRegister
	}
	return c
}

// OrchestratorStats tracks cycle statistics.
type OrchestratorStats struct {
	CyclesCompleted   atomic.Uint64
	CyclesSkipped     atomic.Uint64
	CyclesAborted     atomic.Uint64
	DevicesFailed     atomic.Uint64
	ReadingsCollected atomic.Uint64
}

// Orchestrator runs fleet-wide read cycles and routes writes. Devices are
// read in parallel (each device still serializes internally), one failing
// device never poisons the others' values, and two layers of timeout keep a
// wedged fleet from stalling the caller.
type Orchestrator struct {
	fleet   Fleet
	config  OrchestratorConfig
	logger  zerolog.Logger
	metrics *metrics.Registry
	sink    SnapshotSink

	// cycleActive rejects overlapping cycles instead of queueing them.
	// A caller that collides with a running cycle gets an empty snapshot
	// immediately.
	cycleActive atomic.Bool

	mu           sync.RWMutex
	lastSnapshot domain.Snapshot
	lastCycle    time.Time

	stats *OrchestratorStats
}

// NewOrchestrator creates the fleet orchestrator. The sink may be nil.
func NewOrchestrator(fleet Fleet, config OrchestratorConfig, reg *metrics.Registry, sink SnapshotSink, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		fleet:   fleet,
		config:  config.withDefaults(),
		logger:  logging.Component(logger, "orchestrator"),
		metrics: reg,
		sink:    sink,
		stats:   &OrchestratorStats{},
	}
}

// ReadAll performs one fleet read cycle and returns the merged snapshot.
//
// Merge rule: every value appears under "deviceID_name"; the primary
// device's values additionally appear under their bare register names, so
// single-device consumers keep working when a fleet grows.
//
// A device whose read fails entirely is omitted from the snapshot; its
// absence is the failure signal. A cycle that collides with a running cycle,
// or that hits the overall cycle timeout, returns an empty snapshot.
func (o *Orchestrator) ReadAll(ctx context.Context) domain.Snapshot {
	if !o.cycleActive.CompareAndSwap(false, true) {
		o.stats.CyclesSkipped.Add(1)
		if o.metrics != nil {
			o.metrics.RecordCycleSkipped()
		}
		o.logger.Warn().Msg("Read cycle skipped, previous cycle still running")
		return domain.Snapshot{}
	}
	defer o.cycleActive.Store(false)

	start := time.Now()
	cycleCtx, cancel := context.WithTimeout(ctx, o.config.CycleTimeout)
	defer cancel()

	gateways := o.fleet.All()

	type deviceResult struct {
		gw     domain.DeviceGateway
		values map[string]interface{}
		ok     bool
	}

	results := make(chan deviceResult, len(gateways))
	var wg sync.WaitGroup
	for _, gw := range gateways {
		wg.Add(1)
		go func(gw domain.DeviceGateway) {
			defer wg.Done()
			devCtx, devCancel := context.WithTimeout(cycleCtx, o.config.DeviceTimeout)
			defer devCancel()
			values, ok := o.readDevice(devCtx, gw)
			if !ok {
				// The device missed its slice of the cycle; its entries
				// will be absent from the snapshot and its state must
				// say so.
				gw.MarkDisconnected()
			}
			results <- deviceResult{gw, values, ok}
		}(gw)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-cycleCtx.Done():
		// Systemic failure. Reset connection state without touching the
		// device locks, which may be held by stuck operations.
		for _, gw := range gateways {
			gw.MarkDisconnected()
		}
		o.stats.CyclesAborted.Add(1)
		if o.metrics != nil {
			o.metrics.RecordCycleAborted()
			o.metrics.RecordCycle("aborted", time.Since(start).Seconds())
			o.metrics.UpdateDeviceCount(len(gateways), 0)
		}
		o.logger.Error().
			Dur("elapsed", time.Since(start)).
			Msg("Read cycle aborted by cycle timeout, all devices marked disconnected")
		return domain.Snapshot{}
	}
	close(results)

	primaryID := o.fleet.PrimaryID()
	snapshot := make(domain.Snapshot)
	failed := 0
	for res := range results {
		id := res.gw.Device().ID
		o.publishReadings(ctx, res.gw, res.values, res.ok)
		if !res.ok {
			failed++
			o.stats.DevicesFailed.Add(1)
			if o.metrics != nil {
				o.metrics.RecordDeviceRead(id, false)
			}
			continue
		}
		if o.metrics != nil {
			o.metrics.RecordDeviceRead(id, true)
		}
		for name, v := range res.values {
			snapshot[domain.SnapshotKey(id, name)] = v
		}
		if id == primaryID {
			for name, v := range res.values {
				snapshot[name] = v
			}
		}
		o.stats.ReadingsCollected.Add(uint64(len(res.values)))
	}

	o.mu.Lock()
	o.lastSnapshot = snapshot
	o.lastCycle = time.Now()
	o.mu.Unlock()

	o.stats.CyclesCompleted.Add(1)
	if o.metrics != nil {
		status := "success"
		if failed > 0 {
			status = "partial"
		}
		o.metrics.RecordCycle(status, time.Since(start).Seconds())
		o.metrics.UpdateDeviceCount(len(gateways), len(gateways)-failed)
	}

	o.logger.Debug().
		Int("devices", len(gateways)).
		Int("failed", failed).
		Int("values", len(snapshot)).
		Dur("elapsed", time.Since(start)).
		Msg("Read cycle complete")

	return snapshot
}

// readDevice reads every register of one device. Reports ok=false when the
// device is unreachable; the orchestrator then omits it from the snapshot.
func (o *Orchestrator) readDevice(ctx context.Context, gw domain.DeviceGateway) (map[string]interface{}, bool) {
	dev := gw.Device()
	values := make(map[string]interface{}, len(dev.Registers))

	for i := range dev.Registers {
		reg := &dev.Registers[i]
		if ctx.Err() != nil {
			return values, false
		}

		result, err := o.fleet.Execute(dev.ID, func(g domain.DeviceGateway) (interface{}, error) {
			return g.ReadRegister(ctx, reg)
		})
		if err != nil {
			if errors.Is(err, domain.ErrDeviceUnavailable) || errors.Is(err, domain.ErrCircuitBreakerOpen) {
				// The device is not answering; further registers
				// would only burn the cycle budget on retries.
				o.logger.Warn().Err(err).
					Str("device_id", dev.ID).
					Str("register", reg.Name).
					Msg("Device unreachable, skipping remaining registers")
				return values, false
			}
			// Deterministic per-register failure, keep going.
			o.logger.Debug().Err(err).
				Str("device_id", dev.ID).
				Str("register", reg.Name).
				Msg("Register read failed")
			values[reg.Name] = nil
			continue
		}
		values[reg.Name] = result
	}
	return values, true
}

// publishReadings hands each register of one device's cycle result to the
// sink as an individual reading. A device that missed the cycle publishes
// every register as not_connected; a deterministic per-register failure
// publishes as bad.
func (o *Orchestrator) publishReadings(ctx context.Context, gw domain.DeviceGateway, values map[string]interface{}, connected bool) {
	if o.sink == nil {
		return
	}
	dev := gw.Device()
	for i := range dev.Registers {
		reg := &dev.Registers[i]
		value, present := values[reg.Name]
		quality := domain.QualityGood
		switch {
		case !connected:
			quality = domain.QualityNotConnected
			value = nil
		case !present:
			continue
		case value == nil:
			quality = domain.QualityBad
		}
		reading := domain.NewReading(dev.ID, reg.Name, value, reg.Unit, quality)
		if err := o.sink.PublishReading(ctx, reading); err != nil {
			o.logger.Debug().Err(err).
				Str("device_id", dev.ID).
				Str("register", reg.Name).
				Msg("Failed to publish reading")
		}
	}
}

// Snapshot returns the most recent completed cycle's merged values.
func (o *Orchestrator) Snapshot() (domain.Snapshot, time.Time) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastSnapshot, o.lastCycle
}

// ReadRegister reads one named register from one device on demand. An empty
// deviceID targets the primary device.
func (o *Orchestrator) ReadRegister(ctx context.Context, deviceID, name string) (interface{}, error) {
	if deviceID == "" {
		deviceID = o.fleet.PrimaryID()
	}
	gw, err := o.fleet.Get(deviceID)
	if err != nil {
		return nil, err
	}
	reg, ok := gw.Device().FindRegister(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q on device %q", domain.ErrRegisterNotFound, name, deviceID)
	}
	return o.fleet.Execute(deviceID, func(g domain.DeviceGateway) (interface{}, error) {
		return g.ReadRegister(ctx, reg)
	})
}

// WriteRegister writes one named register on one device. An empty deviceID
// targets the primary device.
func (o *Orchestrator) WriteRegister(ctx context.Context, deviceID, name string, value interface{}) error {
	if deviceID == "" {
		deviceID = o.fleet.PrimaryID()
	}
	gw, err := o.fleet.Get(deviceID)
	if err != nil {
		return err
	}
	reg, ok := gw.Device().FindRegister(name)
	if !ok {
		return fmt.Errorf("%w: %q on device %q", domain.ErrRegisterNotFound, name, deviceID)
	}

	start := time.Now()
	_, err = o.fleet.Execute(deviceID, func(g domain.DeviceGateway) (interface{}, error) {
		return nil, g.WriteRegister(ctx, reg, value)
	})
	if o.metrics != nil {
		o.metrics.RecordWrite(deviceID, err == nil, time.Since(start).Seconds())
	}
	return err
}

// SetNominalPower writes the power setpoint and power factor to one device.
// An empty deviceID targets the primary device.
func (o *Orchestrator) SetNominalPower(ctx context.Context, deviceID string, power, powerFactor int) error {
	if deviceID == "" {
		deviceID = o.fleet.PrimaryID()
	}
	gw, err := o.fleet.Get(deviceID)
	if err != nil {
		return err
	}
	reg, ok := gw.Device().FindRegister(o.config.NominalPowerRegister)
	if !ok {
		return fmt.Errorf("%w: %q on device %q", domain.ErrRegisterNotFound, o.config.NominalPowerRegister, deviceID)
	}

	start := time.Now()
	_, err = o.fleet.Execute(deviceID, func(g domain.DeviceGateway) (interface{}, error) {
		return nil, g.WriteNominalPower(ctx, reg, power, powerFactor)
	})
	if o.metrics != nil {
		o.metrics.RecordWrite(deviceID, err == nil, time.Since(start).Seconds())
		if err == nil {
			o.metrics.RecordPowerSetpoint(deviceID, float64(power))
		}
	}
	return err
}

// IsConnected reports whether one device's last known state is connected.
func (o *Orchestrator) IsConnected(deviceID string) (bool, error) {
	gw, err := o.fleet.Get(deviceID)
	if err != nil {
		return false, err
	}
	return gw.IsConnected(), nil
}

// ForceReconnect closes and reconnects one device regardless of apparent
// state.
func (o *Orchestrator) ForceReconnect(ctx context.Context, deviceID string) (bool, error) {
	gw, err := o.fleet.Get(deviceID)
	if err != nil {
		return false, err
	}
	ok := gw.ForceReconnect(ctx)
	o.logger.Info().Str("device_id", deviceID).Bool("connected", ok).Msg("Forced reconnect")
	return ok, nil
}

// Run drives read cycles on the poll interval until ctx is cancelled. Each
// completed, non-empty snapshot is handed to the sink.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info().
		Dur("poll_interval", o.config.PollInterval).
		Dur("device_timeout", o.config.DeviceTimeout).
		Dur("cycle_timeout", o.config.CycleTimeout).
		Msg("Orchestrator started")

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	// First cycle immediately, then on the ticker.
	o.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Msg("Orchestrator stopped")
			return
		case <-ticker.C:
			o.cycle(ctx)
		}
	}
}

func (o *Orchestrator) cycle(ctx context.Context) {
	snapshot := o.ReadAll(ctx)
	if len(snapshot) > 0 && o.sink != nil {
		o.sink.PublishSnapshot(snapshot)
	}
}

// Stats returns a snapshot of cycle statistics.
func (o *Orchestrator) Stats() map[string]uint64 {
	return map[string]uint64{
		"cycles_completed":   o.stats.CyclesCompleted.Load(),
		"cycles_skipped":     o.stats.CyclesSkipped.Load(),
		"cycles_aborted":     o.stats.CyclesAborted.Load(),
		"devices_failed":     o.stats.DevicesFailed.Load(),
		"readings_collected": o.stats.ReadingsCollected.Load(),
	}
}
