package sim

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/host/attserver"
	"gopkg.in/yaml.v3"
)

// Profile describes a simulated peripheral. It is usually loaded from YAML:
//
//	address: E8:C9:8F:52:7B:07
//	address_type: random
//	connect_delay: 50ms
//	services:
//	  - uuid: "180f"
//	    characteristics:
//	      - uuid: "2a19"
//	        properties: read,notify
//	        value: "55"
//	        notifications: ["54", "53"]
type Profile struct {
	Address      string        `yaml:"address"`
	AddressType  string        `yaml:"address_type"`
	Name         string        `yaml:"name"`
	ConnectDelay time.Duration `yaml:"connect_delay"`
	// NotifyInterval paces scripted notifications, 20ms when unset
	NotifyInterval time.Duration    `yaml:"notify_interval"`
	Services       []ServiceProfile `yaml:"services"`
}

// ServiceProfile is one service of a profile
type ServiceProfile struct {
	UUID            string                  `yaml:"uuid"`
	Characteristics []CharacteristicProfile `yaml:"characteristics"`
}

// CharacteristicProfile is one characteristic of a profile. Value is hex,
// spaces allowed. Notifications are hex values pushed one by one once the
// client subscribes.
type CharacteristicProfile struct {
	UUID          string   `yaml:"uuid"`
	Properties    string   `yaml:"properties"`
	Value         string   `yaml:"value"`
	Notifications []string `yaml:"notifications"`
}

// ParseProfile decodes a YAML profile
func ParseProfile(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("failed to parse peripheral profile: %w", err)
	}
	return p, nil
}

// LoadProfile reads and decodes a YAML profile file
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read peripheral profile: %w", err)
	}
	return ParseProfile(data)
}

func (p Profile) address() (device.Address, error) {
	typ, err := device.ParseAddressType(p.AddressType)
	if err != nil {
		return device.Address{}, err
	}
	return device.ParseAddress(p.Address, typ, "")
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.ReplaceAll(strings.TrimPrefix(s, "0x"), " ", ""))
}

// attributes converts the profile into the attribute server layout plus the
// initial values and scripted notifications keyed by "<service>/<characteristic>"
func (p Profile) attributes() (attserver.Profile, map[string][]byte, map[string][][]byte, error) {
	var out attserver.Profile
	values := make(map[string][]byte)
	scripts := make(map[string][][]byte)

	for _, svc := range p.Services {
		svcUUID, err := device.NormalizeUUID(svc.UUID)
		if err != nil {
			return out, nil, nil, err
		}
		def := attserver.ServiceDef{UUID: svcUUID}
		for _, c := range svc.Characteristics {
			charUUID, err := device.NormalizeUUID(c.UUID)
			if err != nil {
				return out, nil, nil, err
			}
			props, err := device.ParseProperties(c.Properties)
			if err != nil {
				return out, nil, nil, fmt.Errorf("characteristic %s: %w", c.UUID, err)
			}
			value, err := decodeHex(c.Value)
			if err != nil {
				return out, nil, nil, fmt.Errorf("characteristic %s: invalid hex value %q: %w", c.UUID, c.Value, err)
			}
			key := device.CharacteristicKey(svcUUID, charUUID)
			for _, n := range c.Notifications {
				v, err := decodeHex(n)
				if err != nil {
					return out, nil, nil, fmt.Errorf("characteristic %s: invalid hex notification %q: %w", c.UUID, n, err)
				}
				scripts[key] = append(scripts[key], v)
			}
			def.Characteristics = append(def.Characteristics, attserver.CharacteristicDef{UUID: charUUID, Properties: props})
			values[key] = value
		}
		out.Services = append(out.Services, def)
	}
	return out, values, scripts, nil
}
