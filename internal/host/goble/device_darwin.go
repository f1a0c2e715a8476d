//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/srg/gattlink/internal/device"
)

// CoreBluetooth owns controller selection, so Options.DeviceID is ignored
func newDevice(_ Options) (ble.Device, error) {
	return darwin.NewDevice()
}

// CoreBluetooth resolves the address type itself
func dialAddr(addr device.Address) ble.Addr {
	return ble.NewAddr(addr.MAC)
}
