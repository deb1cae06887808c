package modbus

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/edgevolt/inverter-fleet/internal/domain"
	"github.com/edgevolt/inverter-fleet/internal/metrics"
)

// testMetrics is shared by the package's tests; promauto registers against
// the default registerer, which tolerates only one registration per process.
var testMetrics = metrics.NewRegistry()

// fakeClient implements the goburrow client interface with overridable
// behavior for the operations the connection manager uses.
type fakeClient struct {
	readHolding   func(address, quantity uint16) ([]byte, error)
	writeSingle   func(address, value uint16) ([]byte, error)
	writeMultiple func(address, quantity uint16, value []byte) ([]byte, error)
}

var errNotImplemented = errors.New("not implemented")

func (f *fakeClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	if f.readHolding != nil {
		return f.readHolding(address, quantity)
	}
	return nil, errNotImplemented
}

func (f *fakeClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	if f.writeSingle != nil {
		return f.writeSingle(address, value)
	}
	return nil, errNotImplemented
}

func (f *fakeClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	if f.writeMultiple != nil {
		return f.writeMultiple(address, quantity, value)
	}
	return nil, errNotImplemented
}

func (f *fakeClient) ReadCoils(address, quantity uint16) ([]byte, error) {
	return nil, errNotImplemented
}

func (f *fakeClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return nil, errNotImplemented
}

func (f *fakeClient) WriteSingleCoil(address, value uint16) ([]byte, error) {
	return nil, errNotImplemented
}

func (f *fakeClient) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return nil, errNotImplemented
}

func (f *fakeClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return nil, errNotImplemented
}

func (f *fakeClient) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	return nil, errNotImplemented
}

func (f *fakeClient) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	return nil, errNotImplemented
}

func (f *fakeClient) ReadFIFOQueue(address uint16) ([]byte, error) {
	return nil, errNotImplemented
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func testDevice() *domain.Device {
	dev := &domain.Device{
		ID:     "battery-a",
		Host:   "192.168.1.10",
		Port:   502,
		UnitID: 64,
		Registers: []domain.RegisterDescriptor{
			{Name: "soc", Address: 46, DataType: domain.DataTypeUInt16},
			{Name: "power", Address: 47, DataType: domain.DataTypeUInt16, Offset: -16384, Signed: true, Writable: true},
			{Name: "nominal_power", Address: 48, DataType: domain.DataTypeInt16, Writable: true},
		},
	}
	if err := dev.Validate(); err != nil {
		panic(err)
	}
	return dev
}

// fastConfig keeps the retry and quiet intervals microscopic in tests.
func fastConfig() ConnConfig {
	return ConnConfig{
		ConnectTimeout:      time.Second,
		SettleDelay:         time.Millisecond,
		QuietInterval:       time.Millisecond,
		MaxRetries:          2,
		RetryBackoff:        time.Millisecond,
		WriteRetryBackoff:   time.Millisecond,
		ForceReconnectAfter: 3,
	}
}

// newTestConn builds a connection manager whose dial returns the given
// client, counting dials.
func newTestConn(client gomodbus.Client, dialErr error) (*DeviceConnection, *int) {
	c := NewDeviceConnection(testDevice(), fastConfig(), nil, zerolog.Nop())
	dials := 0
	c.dial = func() (gomodbus.Client, io.Closer, *gomodbus.TCPClientHandler, error) {
		dials++
		if dialErr != nil {
			return nil, nil, nil, dialErr
		}
		return client, nopCloser{}, nil, nil
	}
	return c, &dials
}

func TestConnectSuccess(t *testing.T) {
	c, dials := newTestConn(&fakeClient{}, nil)

	if !c.Connect(context.Background()) {
		t.Fatal("Connect() = false, want true")
	}
	if *dials != 1 {
		t.Errorf("dials = %d, want 1", *dials)
	}
	if !c.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
	if c.State() != domain.ConnStateConnected {
		t.Errorf("State() = %v", c.State())
	}
}

func TestConnectFailureReturnsFalse(t *testing.T) {
	c, _ := newTestConn(nil, errors.New("dial tcp: connection refused"))

	if c.Connect(context.Background()) {
		t.Fatal("Connect() = true, want false")
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after failed Connect")
	}
	if c.ConsecutiveFailures() != 1 {
		t.Errorf("ConsecutiveFailures() = %d, want 1", c.ConsecutiveFailures())
	}
	if c.LastError() == nil {
		t.Error("LastError() = nil, want error")
	}
}

func TestEnsureConnectedIsNoOpWhenConnected(t *testing.T) {
	c, dials := newTestConn(&fakeClient{}, nil)

	if !c.Connect(context.Background()) {
		t.Fatal("Connect() failed")
	}
	if !c.EnsureConnected(context.Background()) {
		t.Fatal("EnsureConnected() = false")
	}
	if *dials != 1 {
		t.Errorf("dials = %d, want 1 (no redial when already connected)", *dials)
	}
}

func TestEnsureConnectedForcesReconnectWhenWedged(t *testing.T) {
	c, dials := newTestConn(&fakeClient{}, nil)

	if !c.Connect(context.Background()) {
		t.Fatal("Connect() failed")
	}
	// Simulate a socket that looks connected but keeps failing.
	c.consecutiveFailures.Store(3)

	if !c.EnsureConnected(context.Background()) {
		t.Fatal("EnsureConnected() = false")
	}
	if *dials != 2 {
		t.Errorf("dials = %d, want 2 (forced reconnect)", *dials)
	}
	if c.ConsecutiveFailures() != 0 {
		t.Errorf("ConsecutiveFailures() = %d, want reset to 0", c.ConsecutiveFailures())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _ := newTestConn(&fakeClient{}, nil)

	if !c.Connect(context.Background()) {
		t.Fatal("Connect() failed")
	}
	if !c.Close() {
		t.Error("Close() = false")
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if !c.Close() {
		t.Error("second Close() = false")
	}
}

// signalCloser reports when Close is called.
type signalCloser struct {
	closed chan struct{}
}

func (s *signalCloser) Close() error {
	close(s.closed)
	return nil
}

func TestConnectReapsLateDial(t *testing.T) {
	closer := &signalCloser{closed: make(chan struct{})}
	block := make(chan struct{})

	c := NewDeviceConnection(testDevice(), fastConfig(), nil, zerolog.Nop())
	c.dial = func() (gomodbus.Client, io.Closer, *gomodbus.TCPClientHandler, error) {
		<-block
		return &fakeClient{}, closer, nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if c.Connect(ctx) {
		t.Fatal("Connect() = true with expired context, want false")
	}
	if !errors.Is(c.LastError(), domain.ErrConnectionTimeout) {
		t.Errorf("LastError() = %v, want ErrConnectionTimeout", c.LastError())
	}

	// Let the dial complete after Connect already gave up; its handle must
	// be closed rather than leaked.
	close(block)
	select {
	case <-closer.closed:
	case <-time.After(time.Second):
		t.Fatal("late dial result was not closed")
	}
}

func TestMarkDisconnectedDoesNotBlock(t *testing.T) {
	c, _ := newTestConn(&fakeClient{}, nil)
	if !c.Connect(context.Background()) {
		t.Fatal("Connect() failed")
	}

	// Hold the operation lock as a stuck operation would.
	c.opMu.Lock()
	defer c.opMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.MarkDisconnected()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("MarkDisconnected blocked on the operation lock")
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after MarkDisconnected")
	}
}

func TestConnectionMetricsRecorded(t *testing.T) {
	connAttempts := testutil.ToFloat64(testMetrics.ConnectionsTotal.WithLabelValues("battery-a"))
	connErrors := testutil.ToFloat64(testMetrics.ConnectionErrors.WithLabelValues("battery-a"))

	c := NewDeviceConnection(testDevice(), fastConfig(), testMetrics, zerolog.Nop())
	c.dial = func() (gomodbus.Client, io.Closer, *gomodbus.TCPClientHandler, error) {
		return &fakeClient{}, nopCloser{}, nil, nil
	}
	if !c.Connect(context.Background()) {
		t.Fatal("Connect() failed")
	}

	got := testutil.ToFloat64(testMetrics.ConnectionsTotal.WithLabelValues("battery-a"))
	if got != connAttempts+1 {
		t.Errorf("connections_total = %v, want %v", got, connAttempts+1)
	}

	failing := NewDeviceConnection(testDevice(), fastConfig(), testMetrics, zerolog.Nop())
	failing.dial = func() (gomodbus.Client, io.Closer, *gomodbus.TCPClientHandler, error) {
		return nil, nil, nil, errors.New("dial tcp: connection refused")
	}
	if failing.Connect(context.Background()) {
		t.Fatal("Connect() = true, want false")
	}

	got = testutil.ToFloat64(testMetrics.ConnectionErrors.WithLabelValues("battery-a"))
	if got != connErrors+1 {
		t.Errorf("connection_errors_total = %v, want %v", got, connErrors+1)
	}
}

func TestQuirkSuppressionMetricRecorded(t *testing.T) {
	suppressed := testutil.ToFloat64(testMetrics.QuirkSuppressed.WithLabelValues("battery-a"))

	client := &fakeClient{
		writeSingle: func(address, value uint16) ([]byte, error) {
			return nil, errors.New("modbus: response function code 255 does not match request")
		},
	}
	c := NewDeviceConnection(testDevice(), fastConfig(), testMetrics, zerolog.Nop())
	c.dial = func() (gomodbus.Client, io.Closer, *gomodbus.TCPClientHandler, error) {
		return client, nopCloser{}, nil, nil
	}

	reg, _ := c.Device().FindRegister("power")
	if err := c.WriteRegister(context.Background(), reg, 500); err != nil {
		t.Fatalf("WriteRegister() = %v, want quirk-classified success", err)
	}

	got := testutil.ToFloat64(testMetrics.QuirkSuppressed.WithLabelValues("battery-a"))
	if got != suppressed+1 {
		t.Errorf("quirk_suppressed_total = %v, want %v", got, suppressed+1)
	}
}

func TestOperationsSerialize(t *testing.T) {
	inFlight := 0
	maxInFlight := 0
	release := make(chan struct{})

	client := &fakeClient{
		readHolding: func(address, quantity uint16) ([]byte, error) {
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			<-release
			inFlight--
			return []byte{0x00, 0x57}, nil
		},
	}
	c, _ := newTestConn(client, nil)
	if !c.Connect(context.Background()) {
		t.Fatal("Connect() failed")
	}

	reg, _ := c.Device().FindRegister("soc")
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _ = c.ReadRegister(context.Background(), reg)
			done <- struct{}{}
		}()
	}

	// Let both goroutines race for the lock, then release the reads one
	// at a time. Overlap would show up as maxInFlight > 1.
	time.Sleep(20 * time.Millisecond)
	release <- struct{}{}
	release <- struct{}{}
	<-done
	<-done

	if maxInFlight != 1 {
		t.Errorf("max in-flight operations = %d, want 1", maxInFlight)
	}
}
