package testutils

import (
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/host/sim"
)

// DefaultAddress is the address of peripherals built without WithAddress
const DefaultAddress = "E8:C9:8F:52:7B:07"

// PeripheralDeviceBuilder builds simulated peripherals with a fluent API
type PeripheralDeviceBuilder struct {
	profile sim.Profile
	err     error
}

// NewPeripheralDeviceBuilder starts an empty random-address profile at DefaultAddress
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{profile: sim.Profile{
		Address:     DefaultAddress,
		AddressType: "random",
	}}
}

// WithAddress sets the advertised address and its type ("public" or "random")
func (b *PeripheralDeviceBuilder) WithAddress(mac, addrType string) *PeripheralDeviceBuilder {
	b.profile.Address = mac
	b.profile.AddressType = addrType
	return b
}

// WithService adds a primary service
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, sim.ServiceProfile{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		b.err = fmt.Errorf("WithCharacteristic(%s): no service added yet, call WithService first", uuid)
		return b
	}
	last := &b.profile.Services[len(b.profile.Services)-1]
	last.Characteristics = append(last.Characteristics, sim.CharacteristicProfile{
		UUID:       uuid,
		Properties: properties,
		Value:      hex.EncodeToString(value),
	})
	return b
}

// WithNotifications scripts values the last added characteristic pushes once subscribed
func (b *PeripheralDeviceBuilder) WithNotifications(values ...[]byte) *PeripheralDeviceBuilder {
	n := len(b.profile.Services)
	if n == 0 || len(b.profile.Services[n-1].Characteristics) == 0 {
		b.err = fmt.Errorf("WithNotifications: no characteristic added yet, call WithCharacteristic first")
		return b
	}
	chars := b.profile.Services[n-1].Characteristics
	c := &chars[len(chars)-1]
	for _, v := range values {
		c.Notifications = append(c.Notifications, hex.EncodeToString(v))
	}
	return b
}

// FromYAML replaces the profile with a YAML document, see sim.Profile
func (b *PeripheralDeviceBuilder) FromYAML(doc string) *PeripheralDeviceBuilder {
	p, err := sim.ParseProfile([]byte(doc))
	if err != nil {
		b.err = err
		return b
	}
	if p.Address == "" {
		p.Address = DefaultAddress
		p.AddressType = "random"
	}
	b.profile = p
	return b
}

// Profile returns the profile built so far
func (b *PeripheralDeviceBuilder) Profile() sim.Profile {
	return b.profile
}

// Build creates the simulated peripheral
func (b *PeripheralDeviceBuilder) Build(logger *logrus.Logger) (*sim.Peripheral, error) {
	if b.err != nil {
		return nil, b.err
	}
	return sim.NewPeripheral(b.profile, logger)
}
