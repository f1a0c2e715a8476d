// Package bledb resolves well-known GATT UUIDs to their assigned names.
package bledb

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/srg/gattlink/internal/device"
	"gopkg.in/yaml.v3"
)

//go:embed names.yaml
var namesYAML []byte

type table struct {
	Services        map[string]string `yaml:"services"`
	Characteristics map[string]string `yaml:"characteristics"`
	Descriptors     map[string]string `yaml:"descriptors"`
}

var (
	loadOnce sync.Once
	names    table
	loadErr  error
)

func load() {
	var raw table
	if err := yaml.Unmarshal(namesYAML, &raw); err != nil {
		loadErr = fmt.Errorf("failed to parse embedded UUID names: %w", err)
		return
	}
	names = table{
		Services:        canonicalKeys(raw.Services),
		Characteristics: canonicalKeys(raw.Characteristics),
		Descriptors:     canonicalKeys(raw.Descriptors),
	}
}

func canonicalKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if canonical, err := device.NormalizeUUID(k); err == nil {
			out[canonical] = v
		}
	}
	return out
}

func lookup(pick func(table) map[string]string, uuid string) string {
	loadOnce.Do(load)
	if loadErr != nil {
		return ""
	}
	canonical, err := device.NormalizeUUID(uuid)
	if err != nil {
		return ""
	}
	return pick(names)[canonical]
}

// LookupService returns the name of a service UUID in any accepted form, or ""
func LookupService(uuid string) string {
	return lookup(func(t table) map[string]string { return t.Services }, uuid)
}

// LookupCharacteristic returns the name of a characteristic UUID, or ""
func LookupCharacteristic(uuid string) string {
	return lookup(func(t table) map[string]string { return t.Characteristics }, uuid)
}

// LookupDescriptor returns the name of a descriptor UUID, or ""
func LookupDescriptor(uuid string) string {
	return lookup(func(t table) map[string]string { return t.Descriptors }, uuid)
}

// Describe renders a UUID as "180f (Battery Service)" when the name is known
func Describe(uuid string, lookupFn func(string) string) string {
	short := uuid
	if canonical, err := device.NormalizeUUID(uuid); err == nil {
		short = device.ShortUUID(canonical)
	}
	if name := lookupFn(uuid); name != "" {
		return fmt.Sprintf("%s (%s)", short, name)
	}
	return short
}
