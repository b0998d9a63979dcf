package ble

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)
	writeErr error
	block    chan struct{} // when non-nil, Write waits until it is closed
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	block := c.block
	c.mu.Unlock()
	if block != nil {
		<-block
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// mockConnection simulates a BLE connection.
type mockConnection struct {
	mu           sync.Mutex
	controlChar  *mockCharacteristic
	dataChar     *mockCharacteristic
	statusChar   *mockCharacteristic
	mtu          int
	mtuErr       error
	noService    bool
	disconnectCb func()
	disconnected bool
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		controlChar: &mockCharacteristic{},
		dataChar:    &mockCharacteristic{},
		statusChar:  &mockCharacteristic{},
		mtu:         252,
	}
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	if c.noService || serviceUUID != ServiceUUID {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceUUID)
	}
	switch charUUID {
	case ControlCharUUID:
		return c.controlChar, nil
	case DataCharUUID:
		return c.dataChar, nil
	case StatusCharUUID:
		return c.statusChar, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrCharacteristicNotFound, charUUID)
	}
}

func (c *mockConnection) MTU() (int, error) {
	if c.mtuErr != nil {
		return 0, c.mtuErr
	}
	return c.mtu, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *mockConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// mockAdapter simulates the BLE adapter. Connect hands out the prepared
// connection so tests can configure it before opening a session.
type mockAdapter struct {
	mu         sync.Mutex
	devices    []Device
	connection *mockConnection
	enableErr  error
	connectErr error
	connected  []string
}

func newMockAdapter(devices []Device) *mockAdapter {
	return &mockAdapter{
		devices:    devices,
		connection: newMockConnection(),
	}
}

func (a *mockAdapter) Enable() error { return a.enableErr }

func (a *mockAdapter) Scan(_ context.Context, _ string) ([]Device, error) {
	return a.devices, nil
}

func (a *mockAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	a.connected = append(a.connected, address)
	return a.connection, nil
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
