package main

import (
	"errors"
	"fmt"

	"github.com/srg/gattlink/internal/device"
)

// ErrConnectionLost reports a link that dropped while a command was streaming
var ErrConnectionLost = device.Errorf(device.LinkLost, "subscribe", "connection lost")

// FormatUserError renders err for the terminal, adding a hint for the
// conditions a user can act on
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var violation *device.ViolationError
	if errors.As(err, &violation) {
		return fmt.Sprintf("internal error, please report it: %s", violation.Msg)
	}

	var nf *device.NotFoundError
	if errors.As(err, &nf) {
		return nf.Error()
	}

	switch device.KindOf(err) {
	case device.DeviceNotFound:
		return fmt.Sprintf("%v\nHint: check that the device is powered on, advertising and in range, and that --addr-type matches", err)
	case device.ConnectTimeout:
		return fmt.Sprintf("%v\nHint: the device was seen but did not accept the connection; move it closer or retry", err)
	case device.AdapterUnavailable:
		return fmt.Sprintf("%v\nHint: make sure Bluetooth is turned on and this process may use it", err)
	case device.OperationInProgress:
		return fmt.Sprintf("%v\nHint: another connection attempt is still running", err)
	case device.LinkLost:
		return fmt.Sprintf("%v\nHint: the device went out of range or closed the connection", err)
	case device.SubscribeError:
		return fmt.Sprintf("%v\nHint: the characteristic may not support this subscription mode, try without --indicate", err)
	}
	return err.Error()
}
