package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/gattlink/internal/host"
)

// NormalizeError maps go-ble error strings onto the host error values so the
// transport can classify them. The original error stays wrapped.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "central manager has invalid state"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "can't init hci"),
		containsIgnoreCase(msg, "operation not permitted"),
		containsIgnoreCase(msg, "no such device"):
		return fmt.Errorf("%w: %v", host.ErrUnavailable, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", host.ErrLinkClosed, err)
	default:
		return err
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
