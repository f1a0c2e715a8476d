package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "16-bit lowercase", input: "180f", expected: "0000180f-0000-1000-8000-00805f9b34fb"},
		{name: "16-bit uppercase with 0x prefix", input: "0x2A19", expected: "00002a19-0000-1000-8000-00805f9b34fb"},
		{name: "32-bit shorthand", input: "0000180d", expected: "0000180d-0000-1000-8000-00805f9b34fb"},
		{name: "canonical base UUID", input: "0000180F-0000-1000-8000-00805F9B34FB", expected: "0000180f-0000-1000-8000-00805f9b34fb"},
		{name: "dashless 128-bit", input: "6e400001b5a3f393e0a9e50e24dcca9e", expected: "6e400001-b5a3-f393-e0a9-e50e24dcca9e"},
		{name: "braced 128-bit", input: "{6E400001-B5A3-F393-E0A9-E50E24DCCA9E}", expected: "6e400001-b5a3-f393-e0a9-e50e24dcca9e"},
		{name: "surrounding whitespace", input: "  2902 ", expected: "00002902-0000-1000-8000-00805f9b34fb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeUUID(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNormalizeUUIDRejectsMalformed(t *testing.T) {
	for _, input := range []string{"", "18f", "zzzz", "0000180f-0000-1000-8000", "not-a-uuid-at-all"} {
		_, err := NormalizeUUID(input)
		assert.Error(t, err, "input %q MUST be rejected", input)
	}
}

func TestShortUUID(t *testing.T) {
	assert.Equal(t, "180f", ShortUUID("0000180f-0000-1000-8000-00805f9b34fb"))
	assert.Equal(t, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", ShortUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e"))
}

func TestUUIDATTEncoding(t *testing.T) {
	t.Run("16-bit base UUID encodes to two little-endian bytes", func(t *testing.T) {
		b, err := UUIDToATT("00002a19-0000-1000-8000-00805f9b34fb")
		require.NoError(t, err)
		assert.Equal(t, []byte{0x19, 0x2a}, b)

		back, err := UUIDFromATT(b)
		require.NoError(t, err)
		assert.Equal(t, "00002a19-0000-1000-8000-00805f9b34fb", back)
	})

	t.Run("128-bit UUID encodes reversed", func(t *testing.T) {
		b, err := UUIDToATT("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
		require.NoError(t, err)
		require.Len(t, b, 16)
		assert.Equal(t, byte(0x9e), b[0], "first byte MUST be the last byte of the canonical form")
		assert.Equal(t, byte(0x6e), b[15])

		back, err := UUIDFromATT(b)
		require.NoError(t, err)
		assert.Equal(t, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", back)
	})

	t.Run("32-bit form decodes onto the base UUID", func(t *testing.T) {
		back, err := UUIDFromATT([]byte{0x0d, 0x18, 0x00, 0x00})
		require.NoError(t, err)
		assert.Equal(t, "0000180d-0000-1000-8000-00805f9b34fb", back)
	})

	t.Run("odd length is rejected", func(t *testing.T) {
		_, err := UUIDFromATT([]byte{0x01, 0x02, 0x03})
		assert.Error(t, err)
	})
}
