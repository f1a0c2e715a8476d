package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// baseUUIDSuffix is the tail of the Bluetooth base UUID 0000xxxx-0000-1000-8000-00805f9b34fb
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeUUID converts a UUID in any accepted form to its canonical 128-bit
// lowercase dashed representation. Accepted forms: canonical 128-bit, dashless
// 128-bit, braced, 16-bit ("180f", "0x180F") and 32-bit shorthand, the last two
// expanded with the Bluetooth base UUID.
func NormalizeUUID(s string) (string, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")

	switch len(raw) {
	case 4:
		raw = "0000" + raw + baseUUIDSuffix
	case 8:
		raw = raw + baseUUIDSuffix
	}

	u, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u.String(), nil
}

// MustNormalizeUUID is NormalizeUUID that panics on malformed input.
func MustNormalizeUUID(s string) string {
	u, err := NormalizeUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ShortUUID returns the 16-bit form for UUIDs built on the Bluetooth base UUID
// and the canonical form otherwise. Used for display and name lookups.
func ShortUUID(canonical string) string {
	if strings.HasPrefix(canonical, "0000") && strings.HasSuffix(canonical, baseUUIDSuffix) && len(canonical) == 36 {
		return canonical[4:8]
	}
	return canonical
}

// UUIDToATT encodes a canonical UUID in ATT little-endian form: two bytes for
// base-UUID values, sixteen otherwise.
func UUIDToATT(canonical string) ([]byte, error) {
	u, err := uuid.Parse(canonical)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID %q: %w", canonical, err)
	}
	if short := ShortUUID(u.String()); len(short) == 4 {
		return []byte{u[3], u[2]}, nil
	}
	out := make([]byte, 16)
	for i := 0; i < 16; i++ {
		out[i] = u[15-i]
	}
	return out, nil
}

// UUIDFromATT decodes a little-endian ATT UUID of 2, 4 or 16 bytes.
func UUIDFromATT(b []byte) (string, error) {
	switch len(b) {
	case 2:
		return fmt.Sprintf("0000%02x%02x%s", b[1], b[0], baseUUIDSuffix), nil
	case 4:
		return fmt.Sprintf("%02x%02x%02x%02x%s", b[3], b[2], b[1], b[0], baseUUIDSuffix), nil
	case 16:
		var u uuid.UUID
		for i := 0; i < 16; i++ {
			u[i] = b[15-i]
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("invalid ATT UUID length %d", len(b))
	}
}
