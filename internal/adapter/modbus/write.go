package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/edgevolt/inverter-fleet/internal/domain"
)

// Clamp bounds for the nominal-power write. The device interprets the power
// word as signed 16-bit and the power-factor word as unsigned 16-bit.
const (
	minNominalPower = -32768
	maxNominalPower = 32767
	maxPowerFactor  = 65535
)

// WriteOutcome is the classified result of a write transaction. The vendor's
// firmware replies to accepted writes with malformed responses (a bogus
// function code, most often 255), so a transport-level error alone does not
// mean the write failed.
type WriteOutcome struct {
	// Success is the classified verdict, not the raw transport verdict
	Success bool

	// ClassifiedReal is true when the error matched the known real-failure
	// vocabulary rather than the vendor's cosmetic response corruption
	ClassifiedReal bool

	// RawMessage preserves the device's response text for diagnostics
	RawMessage string
}

// realFailureMarkers is the vocabulary of error substrings that indicate the
// write genuinely did not take effect. Anything outside this list, on this
// firmware, is response corruption on an applied write.
var realFailureMarkers = []string{
	"connection",
	"timeout",
	"refused",
	"unreachable",
	"illegal function",
	"illegal data address",
	"illegal data value",
}

// ClassifyWriteError applies the vendor-quirk write policy to a transaction
// error. A nil error is a plain success.
func ClassifyWriteError(err error) WriteOutcome {
	if err == nil {
		return WriteOutcome{Success: true}
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, marker := range realFailureMarkers {
		if strings.Contains(lower, marker) {
			return WriteOutcome{Success: false, ClassifiedReal: true, RawMessage: msg}
		}
	}
	return WriteOutcome{Success: true, RawMessage: msg}
}

// WriteRegister encodes one value and writes it to the device, filtering the
// response through the quirk policy. Single-register descriptors use function
// code 0x06, multi-register descriptors 0x10. No retry: writes are setpoints
// and the caller decides whether to re-issue.
func (c *DeviceConnection) WriteRegister(ctx context.Context, d *domain.RegisterDescriptor, value interface{}) error {
	if !d.Writable {
		return fmt.Errorf("%w: %q", domain.ErrRegisterNotWritable, d.Name)
	}

	words, err := d.Encode(value)
	if err != nil {
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.stats.WriteCount.Add(1)

	client, err := c.withClientLocked(ctx)
	if err != nil {
		return err
	}
	c.setUnitLocked(d.UnitID)

	var werr error
	if len(words) == 1 {
		_, werr = client.WriteSingleRegister(d.Address, words[0])
	} else {
		_, werr = client.WriteMultipleRegisters(d.Address, uint16(len(words)), wordsToBytes(words))
	}
	c.quiesce(ctx)

	outcome := ClassifyWriteError(werr)
	if outcome.Success {
		if outcome.RawMessage != "" {
			// Applied write behind a corrupted response.
			if c.metrics != nil {
				c.metrics.RecordQuirkSuppressed(c.device.ID)
			}
			c.logger.Debug().
				Str("register", d.Name).
				Str("response", outcome.RawMessage).
				Msg("Write accepted with malformed device response")
		}
		c.recordSuccess()
		return nil
	}

	c.recordFailure(werr, true)
	c.invalidate()
	c.logger.Warn().Err(werr).Str("register", d.Name).Msg("Write failed")
	return fmt.Errorf("%w: register %q: %v", domain.ErrWriteFailed, d.Name, werr)
}

// WriteNominalPower writes the power setpoint and power factor as one
// two-register transaction starting at the descriptor's address. Power is
// clamped to the signed 16-bit range and the factor to the unsigned range
// before encoding; out-of-range setpoints saturate rather than wrap.
//
// Unlike plain writes this path retries, reconnecting between attempts,
// because a dropped setpoint leaves the battery at a stale power level.
func (c *DeviceConnection) WriteNominalPower(ctx context.Context, d *domain.RegisterDescriptor, power, powerFactor int) error {
	if !d.Writable {
		return fmt.Errorf("%w: %q", domain.ErrRegisterNotWritable, d.Name)
	}

	if power > maxNominalPower {
		power = maxNominalPower
	} else if power < minNominalPower {
		power = minNominalPower
	}
	if powerFactor < 0 {
		powerFactor = 0
	} else if powerFactor > maxPowerFactor {
		powerFactor = maxPowerFactor
	}

	// Two's complement wrap of the signed power word.
	words := []uint16{uint16(int16(power)), uint16(powerFactor)}
	payload := wordsToBytes(words)

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.stats.WriteCount.Add(1)

	attempts := c.config.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.stats.RetryCount.Add(1)
			c.sleep(ctx, c.config.WriteRetryBackoff*time.Duration(attempt+1))
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}

		client, err := c.withClientLocked(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		c.setUnitLocked(d.UnitID)

		_, werr := client.WriteMultipleRegisters(d.Address, uint16(len(words)), payload)
		c.quiesce(ctx)

		outcome := ClassifyWriteError(werr)
		if outcome.Success {
			if outcome.RawMessage != "" {
				if c.metrics != nil {
					c.metrics.RecordQuirkSuppressed(c.device.ID)
				}
				c.logger.Debug().
					Str("register", d.Name).
					Str("response", outcome.RawMessage).
					Msg("Power setpoint accepted with malformed device response")
			}
			c.recordSuccess()
			c.logger.Info().
				Int("power", power).
				Int("power_factor", powerFactor).
				Msg("Nominal power written")
			return nil
		}

		lastErr = werr
		c.recordFailure(werr, attempt == attempts-1)
		c.invalidate()
		c.logger.Debug().Err(werr).
			Int("attempt", attempt+1).
			Msg("Power setpoint write attempt failed")
	}

	c.logger.Warn().Err(lastErr).
		Int("power", power).
		Msg("Power setpoint write failed after retries")
	return fmt.Errorf("%w: nominal power on %s: %v", domain.ErrDeviceUnavailable, c.device.ID, lastErr)
}

// wordsToBytes packs 16-bit register words into the big-endian request body.
func wordsToBytes(words []uint16) []byte {
	out := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(out[i*2:], w)
	}
	return out
}
