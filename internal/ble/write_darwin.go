package ble

import "tinygo.org/x/bluetooth"

// CoreBluetooth queues WriteWithoutResponse and returns at once; Write uses
// CBCharacteristicWriteWithResponse and waits for the callback.
func writeRequest(char *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := char.Write(data)
	return err
}
