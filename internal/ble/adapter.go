// Package ble provides the BLE central side of the NimBLE OTA protocol. It
// handles connection setup, MTU negotiation, discovery of the OTA service
// characteristics, and bounded writes over Bluetooth Low Energy.
package ble

import (
	"context"
	"errors"
)

// NimBLE OTA service and characteristic UUIDs.
const (
	ServiceUUID     = "0192fa61-3a6f-7278-9c88-293869284c63"
	ControlCharUUID = "0192fa61-6877-7864-8506-20d94dcb9538"
	DataCharUUID    = "0192fa61-6877-7d9a-afa5-3b58f345ea41"
	StatusCharUUID  = "0192fa61-6877-79e4-a88a-2e99fa9c548d"
)

var (
	// ErrConnection wraps any failure to enable the adapter or open a link.
	ErrConnection = errors.New("ble: connection failed")
	// ErrServiceNotFound means the peripheral does not expose the OTA service.
	ErrServiceNotFound = errors.New("ble: service not found")
	// ErrCharacteristicNotFound means the service lacks a required characteristic.
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
	// ErrWrite wraps a characteristic write rejected by the stack.
	ErrWrite = errors.New("ble: write failed")
	// ErrDisconnected is returned for operations on a lost or closed session.
	ErrDisconnected = errors.New("ble: disconnected")
	// ErrTimeout is returned when a write exceeds its deadline.
	ErrTimeout = errors.New("ble: timed out")
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic and returns once the stack has
	// accepted it.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	// A missing service must be reported as ErrServiceNotFound and a missing
	// characteristic as ErrCharacteristicNotFound.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// MTU returns the ATT MTU negotiated for the link.
	MTU() (int, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
