package device

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Properties is the characteristic properties bitmask from the characteristic declaration
type Properties uint8

const (
	PropBroadcast       Properties = 0x01
	PropRead            Properties = 0x02
	PropWriteNoResponse Properties = 0x04
	PropWrite           Properties = 0x08
	PropNotify          Properties = 0x10
	PropIndicate        Properties = 0x20
	PropSignedWrite     Properties = 0x40
	PropExtended        Properties = 0x80
)

var propertyNames = []struct {
	prop Properties
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteNoResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "signed-write"},
	{PropExtended, "extended"},
}

// Has reports whether all bits of p2 are set
func (p Properties) Has(p2 Properties) bool {
	return p&p2 == p2
}

// CanNotify reports whether the characteristic supports notifications or indications
func (p Properties) CanNotify() bool {
	return p&(PropNotify|PropIndicate) != 0
}

func (p Properties) String() string {
	var names []string
	for _, pn := range propertyNames {
		if p&pn.prop != 0 {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseProperties parses a comma-separated list like "read,notify".
// "write-nr" is accepted as an alias of "write-without-response".
func ParseProperties(s string) (Properties, error) {
	var p Properties
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if part == "write-nr" {
			part = "write-without-response"
		}
		found := false
		for _, pn := range propertyNames {
			if pn.name == part {
				p |= pn.prop
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown characteristic property %q", part)
		}
	}
	return p, nil
}

// SubscriptionState is the current CCCD setting of a characteristic
type SubscriptionState int32

const (
	Unsubscribed SubscriptionState = iota
	Notifying
	Indicating
)

func (s SubscriptionState) String() string {
	switch s {
	case Notifying:
		return "notifying"
	case Indicating:
		return "indicating"
	default:
		return "unsubscribed"
	}
}

// Service is one discovered primary service and its attribute handle range
type Service struct {
	UUID      string
	Handle    uint16
	EndHandle uint16
}

// Characteristic is one discovered GATT characteristic. Handles are only
// meaningful on the connection that discovered it; Generation identifies that
// connection and lets the client reject a Characteristic held across a
// reconnect.
type Characteristic struct {
	ServiceUUID string
	UUID        string
	Handle      uint16 // declaration handle
	ValueHandle uint16
	EndHandle   uint16
	CCCDHandle  uint16 // 0 when the characteristic has no CCCD
	Properties  Properties
	Generation  uint64

	subscription atomic.Int32
}

// Subscription returns the current subscription state
func (c *Characteristic) Subscription() SubscriptionState {
	return SubscriptionState(c.subscription.Load())
}

// SetSubscription records the subscription state after a CCCD write
func (c *Characteristic) SetSubscription(s SubscriptionState) {
	c.subscription.Store(int32(s))
}

// Key is the cache key of the characteristic, "<service>/<characteristic>"
func (c *Characteristic) Key() string {
	return CharacteristicKey(c.ServiceUUID, c.UUID)
}

func (c *Characteristic) String() string {
	return fmt.Sprintf("%s/%s handle=0x%04x props=%s", ShortUUID(c.ServiceUUID), ShortUUID(c.UUID), c.ValueHandle, c.Properties)
}

// CharacteristicKey builds the cache key for a service/characteristic pair of canonical UUIDs
func CharacteristicKey(service, char string) string {
	return service + "/" + char
}
