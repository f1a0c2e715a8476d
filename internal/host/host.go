// Package host defines the boundary between the GATT client core and the
// platform Bluetooth stack. An Adapter finds and dials remote devices; a Link
// carries raw ATT PDUs in both directions and reports when it goes down.
package host

import (
	"context"
	"errors"

	"github.com/srg/gattlink/internal/device"
)

var (
	// ErrNotFound is returned by Adapter.Discover when the device was not seen
	ErrNotFound = errors.New("device not found")
	// ErrUnavailable is returned when the host controller cannot be used
	// (powered off, unsupported platform, missing permissions)
	ErrUnavailable = errors.New("bluetooth adapter unavailable")
	// ErrLinkClosed is returned by Link.Send after the link went down
	ErrLinkClosed = errors.New("link closed")
)

// Adapter is one host controller
type Adapter interface {
	// Discover blocks until an advertisement from addr is seen or ctx ends.
	// It returns ErrNotFound when ctx expires without a sighting.
	Discover(ctx context.Context, addr device.Address) error
	// Dial opens an ATT bearer to addr. ctx bounds the handshake.
	Dial(ctx context.Context, addr device.Address) (Link, error)
	Close() error
}

// Link is one open ATT bearer
type Link interface {
	// Send transmits one PDU. It must not block on the remote side.
	Send(pdu []byte) error
	// Inbound delivers every PDU received from the remote side, in arrival order
	Inbound() <-chan []byte
	// Disconnected is closed once the link is down for any reason
	Disconnected() <-chan struct{}
	// Reason is the HCI disconnect reason once Disconnected is closed, 0 for a local close
	Reason() int
	// MTU is the ATT_MTU the link layer allows before any exchange
	MTU() int
	Close() error
}
