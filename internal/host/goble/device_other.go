//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/host"
)

func newDevice(_ Options) (ble.Device, error) {
	return nil, fmt.Errorf("%w: no Bluetooth host support on %s", host.ErrUnavailable, runtime.GOOS)
}

func dialAddr(addr device.Address) ble.Addr {
	return ble.NewAddr(addr.MAC)
}
