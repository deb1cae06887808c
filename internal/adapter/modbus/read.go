package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/edgevolt/inverter-fleet/internal/domain"
)

// ReadRegister reads one descriptor's holding registers and decodes them into
// the typed, scaled value. The whole operation, including reconnects and
// retries, holds the device lock; concurrent callers queue.
//
// Transient failures are retried up to MaxRetries times with linear backoff,
// each retry reconnecting from scratch. Exhausted retries surface as an error
// wrapping domain.ErrDeviceUnavailable so callers can tell "device is
// temporarily unreachable" apart from "register is not configured".
func (c *DeviceConnection) ReadRegister(ctx context.Context, d *domain.RegisterDescriptor) (interface{}, error) {
	if d.RegisterCount < 1 || d.RegisterCount > domain.MaxRegistersPerRead {
		return nil, fmt.Errorf("%w: %d for register %q", domain.ErrInvalidRegisterCount, d.RegisterCount, d.Name)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.stats.ReadCount.Add(1)

	attempts := c.config.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.stats.RetryCount.Add(1)
			if c.metrics != nil {
				c.metrics.RecordReadRetry(c.device.ID)
			}
			c.sleep(ctx, c.config.RetryBackoff*time.Duration(attempt+1))
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

		data, err := client.ReadHoldingRegisters(d.Address, d.RegisterCount)
		c.quiesce(ctx)
		if err != nil {
			lastErr = err
			c.recordFailure(err, attempt == attempts-1)
			// The channel may be desynchronized after a failed
			// transaction; force a fresh handshake on the retry.
			c.invalidate()
			c.logger.Debug().Err(err).
				Str("register", d.Name).
				Int("attempt", attempt+1).
				Msg("Read attempt failed")
			continue
		}

		words, err := bytesToWords(data, d.RegisterCount)
		if err != nil {
			lastErr = err
			c.recordFailure(err, attempt == attempts-1)
			c.invalidate()
			continue
		}

		value, err := d.Decode(words)
		if err != nil {
			// A decode error is deterministic; retrying cannot help.
			c.recordFailure(err, true)
			if c.metrics != nil {
				c.metrics.RecordRegisterRead(c.device.ID, false)
			}
			return nil, fmt.Errorf("%w: register %q: %v", domain.ErrReadFailed, d.Name, err)
		}

		c.recordSuccess()
		if c.metrics != nil {
			c.metrics.RecordRegisterRead(c.device.ID, true)
		}
		return value, nil
	}

	if c.metrics != nil {
		c.metrics.RecordRegisterRead(c.device.ID, false)
	}
	c.logger.Warn().Err(lastErr).
		Str("register", d.Name).
		Int("attempts", attempts).
		Msg("Read failed after retries")
	return nil, fmt.Errorf("%w: register %q on %s: %v", domain.ErrDeviceUnavailable, d.Name, c.device.ID, lastErr)
}

// bytesToWords converts a big-endian Modbus response body into 16-bit words.
func bytesToWords(data []byte, count uint16) ([]uint16, error) {
	if len(data) < int(count)*2 {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", domain.ErrInvalidDataLength, len(data), int(count)*2)
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return words, nil
}
