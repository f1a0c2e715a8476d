//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci"
	"github.com/srg/gattlink/internal/device"
)

func newDevice(opts Options) (ble.Device, error) {
	return linux.NewDevice(ble.OptDeviceID(opts.DeviceID))
}

// dialAddr marks random addresses so the controller connects with the
// matching peer address type
func dialAddr(addr device.Address) ble.Addr {
	a := ble.NewAddr(addr.MAC)
	if addr.Type == device.AddressRandom {
		return hci.RandomAddress{Addr: a}
	}
	return a
}
