package modbus

import (
	"context"
	"errors"
	"testing"

	"github.com/edgevolt/inverter-fleet/internal/domain"
)

func TestReadRegisterDecodesValue(t *testing.T) {
	client := &fakeClient{
		readHolding: func(address, quantity uint16) ([]byte, error) {
			if address != 46 || quantity != 1 {
				t.Errorf("read at %d x%d, want 46 x1", address, quantity)
			}
			return []byte{0x00, 0x57}, nil
		},
	}
	c, _ := newTestConn(client, nil)

	reg, _ := c.Device().FindRegister("soc")
	got, err := c.ReadRegister(context.Background(), reg)
	if err != nil {
		t.Fatalf("ReadRegister() error = %v", err)
	}
	if got != int64(87) {
		t.Errorf("ReadRegister() = %v, want 87", got)
	}
}

func TestReadRegisterAppliesBiasedDecode(t *testing.T) {
	client := &fakeClient{
		readHolding: func(address, quantity uint16) ([]byte, error) {
			return []byte{0x00, 0x00}, nil
		},
	}
	c, _ := newTestConn(client, nil)

	reg, _ := c.Device().FindRegister("power")
	got, err := c.ReadRegister(context.Background(), reg)
	if err != nil {
		t.Fatalf("ReadRegister() error = %v", err)
	}
	if got != int64(-16384) {
		t.Errorf("ReadRegister() = %v, want -16384", got)
	}
}

func TestReadRegisterRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	client := &fakeClient{
		readHolding: func(address, quantity uint16) ([]byte, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("read tcp: i/o timeout")
			}
			return []byte{0x00, 0x2A}, nil
		},
	}
	c, _ := newTestConn(client, nil)

	reg, _ := c.Device().FindRegister("soc")
	got, err := c.ReadRegister(context.Background(), reg)
	if err != nil {
		t.Fatalf("ReadRegister() error = %v", err)
	}
	if got != int64(42) {
		t.Errorf("ReadRegister() = %v, want 42", got)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestReadRegisterExhaustsRetries(t *testing.T) {
	attempts := 0
	client := &fakeClient{
		readHolding: func(address, quantity uint16) ([]byte, error) {
			attempts++
			return nil, errors.New("read tcp: i/o timeout")
		},
	}
	c, _ := newTestConn(client, nil)

	reg, _ := c.Device().FindRegister("soc")
	_, err := c.ReadRegister(context.Background(), reg)
	if !errors.Is(err, domain.ErrDeviceUnavailable) {
		t.Fatalf("ReadRegister() = %v, want ErrDeviceUnavailable", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 try + 2 retries)", attempts)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after exhausted retries")
	}
}

func TestReadRegisterRejectsInvalidCountBeforeIO(t *testing.T) {
	client := &fakeClient{
		readHolding: func(address, quantity uint16) ([]byte, error) {
			t.Fatal("read reached the wire despite invalid register count")
			return nil, nil
		},
	}
	c, dials := newTestConn(client, nil)

	bad := &domain.RegisterDescriptor{
		Name: "bogus", Address: 1, RegisterCount: 126,
		DataType: domain.DataTypeUInt16, ScaleFactor: 1,
	}
	_, err := c.ReadRegister(context.Background(), bad)
	if !errors.Is(err, domain.ErrInvalidRegisterCount) {
		t.Fatalf("ReadRegister() = %v, want ErrInvalidRegisterCount", err)
	}
	if *dials != 0 {
		t.Errorf("dials = %d, want 0 (rejected before any I/O)", *dials)
	}
}

func TestReadRegisterShortResponse(t *testing.T) {
	client := &fakeClient{
		readHolding: func(address, quantity uint16) ([]byte, error) {
			return []byte{0x01}, nil
		},
	}
	c, _ := newTestConn(client, nil)

	reg, _ := c.Device().FindRegister("soc")
	_, err := c.ReadRegister(context.Background(), reg)
	if !errors.Is(err, domain.ErrDeviceUnavailable) {
		t.Fatalf("ReadRegister() = %v, want ErrDeviceUnavailable after short responses", err)
	}
}

func TestBytesToWords(t *testing.T) {
	words, err := bytesToWords([]byte{0x12, 0x34, 0xAB, 0xCD}, 2)
	if err != nil {
		t.Fatalf("bytesToWords() error = %v", err)
	}
	if words[0] != 0x1234 || words[1] != 0xABCD {
		t.Errorf("bytesToWords() = %#v", words)
	}

	if _, err := bytesToWords([]byte{0x12}, 1); !errors.Is(err, domain.ErrInvalidDataLength) {
		t.Errorf("bytesToWords(short) = %v, want ErrInvalidDataLength", err)
	}
}
