package sim

import (
	"context"
	"testing"
	"time"

	"github.com/srg/gattlink/internal/att"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const batteryProfile = `
address: e8:c9:8f:52:7b:07
address_type: random
name: Battery Sensor
connect_delay: 5ms
services:
  - uuid: "180f"
    characteristics:
      - uuid: "2a19"
        properties: read,notify
        value: "55"
`

func newBatteryPeripheral(t *testing.T) *Peripheral {
	t.Helper()
	profile, err := ParseProfile([]byte(batteryProfile))
	require.NoError(t, err)
	p, err := NewPeripheral(profile, nil)
	require.NoError(t, err)
	return p
}

func TestParseProfile(t *testing.T) {
	profile, err := ParseProfile([]byte(batteryProfile))
	require.NoError(t, err)
	assert.Equal(t, "random", profile.AddressType)
	assert.Equal(t, 5*time.Millisecond, profile.ConnectDelay)
	require.Len(t, profile.Services, 1)
	assert.Equal(t, "read,notify", profile.Services[0].Characteristics[0].Properties)

	p, err := NewPeripheral(profile, nil)
	require.NoError(t, err)
	assert.Equal(t, "E8:C9:8F:52:7B:07", p.Address().MAC)
	v, err := p.Value("0000180f-0000-1000-8000-00805f9b34fb", "2a19")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x55}, v)

	_, err = ParseProfile([]byte("services: [oops"))
	assert.Error(t, err)

	bad := profile
	bad.Services = []ServiceProfile{{UUID: "180f", Characteristics: []CharacteristicProfile{{UUID: "2a19", Value: "zz"}}}}
	_, err = NewPeripheral(bad, nil)
	assert.Error(t, err, "invalid hex value MUST be rejected")
}

func TestDiscoverAndDial(t *testing.T) {
	p := newBatteryPeripheral(t)
	a := NewAdapter(nil, p)
	addr, err := device.ParseAddress("E8:C9:8F:52:7B:07", device.AddressRandom, "")
	require.NoError(t, err)

	require.NoError(t, a.Discover(context.Background(), addr))

	public := addr
	public.Type = device.AddressPublic
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Discover(ctx, public), host.ErrNotFound, "address type MUST be part of the match")

	link, err := a.Dial(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, p.Connected())

	require.NoError(t, link.Send(att.EncodeReadRequest(3)))
	select {
	case rsp := <-link.Inbound():
		v, err := att.DecodeReadResponse(att.ReadRequest, rsp)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x55}, v)
	case <-time.After(time.Second):
		t.Fatal("read response MUST arrive")
	}
	assert.Equal(t, int64(1), p.Requests())

	p.DropLink(0x13)
	<-link.Disconnected()
	assert.Equal(t, 0x13, link.Reason())
	assert.False(t, p.Connected())
}

func TestAdapterPoweredOff(t *testing.T) {
	a := NewAdapter(nil, newBatteryPeripheral(t))
	a.SetPowered(false)
	addr, _ := device.ParseAddress("E8:C9:8F:52:7B:07", device.AddressRandom, "")
	assert.ErrorIs(t, a.Discover(context.Background(), addr), host.ErrUnavailable)
}

func TestNotifyRequiresSubscription(t *testing.T) {
	p := newBatteryPeripheral(t)
	a := NewAdapter(nil, p)
	addr, _ := device.ParseAddress("E8:C9:8F:52:7B:07", device.AddressRandom, "")
	link, err := a.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer link.Close()

	sent, err := p.Notify("180f", "2a19", []byte{1})
	require.NoError(t, err)
	assert.False(t, sent, "notification MUST NOT be sent before the CCCD is written")

	require.NoError(t, link.Send(att.EncodeWriteRequest(4, []byte{0x01, 0x00})))
	rsp := <-link.Inbound()
	require.NoError(t, att.DecodeWriteResponse(rsp))

	sent, err = p.Notify("180f", "2a19", []byte{2})
	require.NoError(t, err)
	assert.True(t, sent)
	pdu := <-link.Inbound()
	h, v, err := att.DecodeHandleValue(pdu)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), h)
	assert.Equal(t, []byte{2}, v)
}

func TestMalformedAndDroppedResponses(t *testing.T) {
	p := newBatteryPeripheral(t)
	a := NewAdapter(nil, p)
	addr, _ := device.ParseAddress("E8:C9:8F:52:7B:07", device.AddressRandom, "")
	link, err := a.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer link.Close()

	p.SetMalformedResponses(true)
	require.NoError(t, link.Send(att.EncodeReadRequest(3)))
	rsp := <-link.Inbound()
	assert.ErrorIs(t, att.CheckResponse(att.ReadRequest, rsp), att.ErrMalformed)

	p.SetMalformedResponses(false)
	p.SetDropResponses(true)
	require.NoError(t, link.Send(att.EncodeReadRequest(3)))
	select {
	case <-link.Inbound():
		t.Fatal("dropped response MUST NOT arrive")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestScriptedNotifications(t *testing.T) {
	// GOAL: Verify scripted notifications start once the client subscribes
	//
	// TEST SCENARIO: profile with two scripted values → CCCD write → both
	// values arrive in order as notifications
	profile, err := ParseProfile([]byte(`
address: E8:C9:8F:52:7B:07
address_type: random
notify_interval: 5ms
services:
  - uuid: "180f"
    characteristics:
      - uuid: "2a19"
        properties: read,notify
        value: "55"
        notifications: ["54", "53"]
`))
	require.NoError(t, err)
	p, err := NewPeripheral(profile, nil)
	require.NoError(t, err)

	link, err := NewAdapter(nil, p).Dial(context.Background(), p.Address())
	require.NoError(t, err)
	defer link.Close()

	require.NoError(t, link.Send(att.EncodeWriteRequest(4, []byte{0x01, 0x00})))
	require.NoError(t, att.DecodeWriteResponse(<-link.Inbound()))

	for _, want := range []byte{0x54, 0x53} {
		select {
		case pdu := <-link.Inbound():
			h, v, err := att.DecodeHandleValue(pdu)
			require.NoError(t, err)
			assert.Equal(t, uint16(3), h)
			assert.Equal(t, []byte{want}, v)
		case <-time.After(time.Second):
			t.Fatalf("scripted notification %02x MUST arrive", want)
		}
	}

	v, err := p.Value("180f", "2a19")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x53}, v, "value MUST track the last scripted notification")
}
