package ble

import "tinygo.org/x/bluetooth"

// BlueZ's WriteValue picks a write request when no "type" option is given,
// and the D-Bus call blocks until the peripheral responds. tinygo only
// exposes that call as WriteWithoutResponse on Linux.
func writeRequest(char *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := char.WriteWithoutResponse(data)
	return err
}
