package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsComparesKind(t *testing.T) {
	err := NewError(LinkLost, "read", errors.New("hci: remote user terminated"))

	assert.ErrorIs(t, err, ErrLinkLost, "errors.Is MUST match the sentinel of the same kind")
	assert.NotErrorIs(t, err, ErrTimeout, "errors.Is MUST NOT match a different kind")
	assert.Equal(t, LinkLost, KindOf(fmt.Errorf("outer: %w", err)), "KindOf MUST see through wrapping")
	assert.Equal(t, "read: link_lost: hci: remote user terminated", err.Error())
}

func TestErrorfMessage(t *testing.T) {
	err := Errorf(DeviceNotFound, "connect", "%s not seen within %s", "E8:C9:8F:52:7B:07", "10s")
	assert.Equal(t, "connect: device_not_found: E8:C9:8F:52:7B:07 not seen within 10s", err.Error())
	assert.True(t, IsKind(err, DeviceNotFound))
	assert.False(t, IsKind(nil, DeviceNotFound))
}

func TestNotFoundErrorMatchesSentinels(t *testing.T) {
	svc := &NotFoundError{Resource: "service", UUIDs: []string{"180f"}}
	char := &NotFoundError{Resource: "characteristic", UUIDs: []string{"180f", "2a19"}}

	assert.ErrorIs(t, svc, ErrServiceNotFound)
	assert.NotErrorIs(t, svc, ErrCharacteristicNotFound)
	assert.ErrorIs(t, char, ErrCharacteristicNotFound)
	assert.Equal(t, ServiceNotFound, KindOf(svc))
	assert.Equal(t, `service "180f" not found`, svc.Error())
	assert.Equal(t, `characteristic "2a19" not found in service "180f"`, char.Error())
}

func TestViolationError(t *testing.T) {
	err := Violationf("complete", "key %d already resolved", 7)
	assert.ErrorIs(t, err, ErrContractViolation)
	assert.Equal(t, "contract violation: complete: key 7 already resolved", err.Error())
	assert.Equal(t, ErrorKind(""), KindOf(err), "a violation MUST NOT carry an environmental kind")
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify("op", nil, ProtocolError))

	classified := NewError(Timeout, "read", nil)
	assert.Same(t, classified, Classify("op", classified, ProtocolError), "classified errors MUST pass through unchanged")

	raw := errors.New("boom")
	got := Classify("write", raw, ProtocolError)
	assert.ErrorIs(t, got, ErrProtocol)
	assert.ErrorIs(t, got, raw, "the original error MUST stay in the chain")
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("e8:c9:8f:52:7b:07", AddressRandom, "hci1")
	require.NoError(t, err)
	assert.Equal(t, "E8:C9:8F:52:7B:07", addr.MAC)
	assert.Equal(t, AddressRandom, addr.Type)
	assert.Equal(t, "hci1", addr.Adapter)
	assert.True(t, addr.Matches("E8:c9:8F:52:7b:07"))
	assert.Equal(t, "E8:C9:8F:52:7B:07 (random)", addr.String())

	addr, err = ParseAddress("AA:BB:CC:DD:EE:FF", "", "")
	require.NoError(t, err)
	assert.Equal(t, AddressPublic, addr.Type, "empty address type MUST default to public")

	for _, bad := range []string{"", "AA:BB:CC:DD:EE", "AA-BB-CC-DD-EE-FF", "zz:bb:cc:dd:ee:ff", "00:00:00:00:fe:80:00:00"} {
		_, err := ParseAddress(bad, AddressPublic, "")
		assert.Error(t, err, "address %q MUST be rejected", bad)
	}

	_, err = ParseAddress("AA:BB:CC:DD:EE:FF", AddressType("static"), "")
	assert.Error(t, err)
}

func TestParseAddressType(t *testing.T) {
	typ, err := ParseAddressType("RANDOM")
	require.NoError(t, err)
	assert.Equal(t, AddressRandom, typ)

	typ, err = ParseAddressType("")
	require.NoError(t, err)
	assert.Equal(t, AddressPublic, typ)

	_, err = ParseAddressType("resolvable")
	assert.Error(t, err)
}

func TestProperties(t *testing.T) {
	p, err := ParseProperties("read, notify,write-nr")
	require.NoError(t, err)
	assert.Equal(t, PropRead|PropNotify|PropWriteNoResponse, p)
	assert.Equal(t, "read,write-without-response,notify", p.String())
	assert.True(t, p.CanNotify())
	assert.True(t, p.Has(PropRead|PropNotify))
	assert.False(t, p.Has(PropWrite))

	_, err = ParseProperties("read,teleport")
	assert.Error(t, err)
}

func TestCharacteristicSubscriptionState(t *testing.T) {
	c := &Characteristic{ServiceUUID: "svc", UUID: "chr"}
	assert.Equal(t, Unsubscribed, c.Subscription())
	c.SetSubscription(Indicating)
	assert.Equal(t, Indicating, c.Subscription())
	assert.Equal(t, "svc/chr", c.Key())
}
