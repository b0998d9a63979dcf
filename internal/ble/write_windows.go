package ble

import "tinygo.org/x/bluetooth"

// WinRT's GattWriteOption.WriteWithResponse; the call waits for the
// peripheral to acknowledge.
func writeRequest(char *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := char.Write(data)
	return err
}
