package device

import (
	"fmt"
	"net"
	"strings"
)

// AddressType selects the kind of Bluetooth device address
type AddressType string

const (
	AddressPublic AddressType = "public"
	AddressRandom AddressType = "random"
)

// ParseAddressType accepts "public" or "random" (case-insensitive). An empty
// string means public.
func ParseAddressType(s string) (AddressType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(AddressPublic):
		return AddressPublic, nil
	case string(AddressRandom):
		return AddressRandom, nil
	default:
		return "", fmt.Errorf("invalid address type %q: expected public or random", s)
	}
}

// Address identifies one remote device: its 48-bit address, address type and
// an optional host controller selector ("hci1", "1", or empty for the default).
type Address struct {
	MAC     string
	Type    AddressType
	Adapter string
}

// ParseAddress validates mac (six colon-separated hex octets) and returns an
// Address with the MAC normalized to upper case.
func ParseAddress(mac string, typ AddressType, adapter string) (Address, error) {
	mac = strings.TrimSpace(mac)
	if mac == "" {
		return Address{}, fmt.Errorf("device address is empty")
	}
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 || strings.Count(mac, ":") != 5 {
		return Address{}, fmt.Errorf("invalid device address %q: expected six colon-separated hex octets", mac)
	}
	if typ == "" {
		typ = AddressPublic
	}
	if typ != AddressPublic && typ != AddressRandom {
		return Address{}, fmt.Errorf("invalid address type %q", typ)
	}
	return Address{MAC: strings.ToUpper(hw.String()), Type: typ, Adapter: adapter}, nil
}

// Matches reports whether s names the same device address, ignoring case.
func (a Address) Matches(s string) bool {
	return strings.EqualFold(a.MAC, strings.TrimSpace(s))
}

func (a Address) String() string {
	if a.Type == "" {
		return a.MAC
	}
	return fmt.Sprintf("%s (%s)", a.MAC, a.Type)
}
