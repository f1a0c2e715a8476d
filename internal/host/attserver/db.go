// Package attserver answers ATT requests from an attribute database. It lets
// any host that only offers a high-level GATT API (CoreBluetooth, a simulated
// peripheral) present a byte-level ATT bearer to the client core.
package attserver

import (
	"encoding/binary"
	"fmt"

	"github.com/srg/gattlink/internal/att"
	"github.com/srg/gattlink/internal/device"
)

// CharacteristicDef describes one characteristic of a profile
type CharacteristicDef struct {
	UUID       string
	Properties device.Properties
}

// ServiceDef describes one primary service of a profile
type ServiceDef struct {
	UUID            string
	Characteristics []CharacteristicDef
}

// Profile is the GATT layout the database is built from
type Profile struct {
	Services []ServiceDef
}

// Char is a characteristic placed in the database
type Char struct {
	Service     string
	UUID        string
	Properties  device.Properties
	DeclHandle  uint16
	ValueHandle uint16
	CCCDHandle  uint16
	EndHandle   uint16
}

type attrKind int

const (
	kindService attrKind = iota
	kindCharDecl
	kindValue
	kindCCCD
)

type attribute struct {
	handle   uint16
	kind     attrKind
	typ      []byte // ATT form of the attribute type
	value    []byte // static value of declarations
	endGroup uint16 // service declarations only
	char     *Char
}

// DB is an immutable handle-ordered attribute table
type DB struct {
	attrs []*attribute
	chars []*Char
}

// NewDB assigns handles starting at 0x0001: service declaration, then per
// characteristic its declaration, value, and a CCCD when it can notify or
// indicate.
func NewDB(p Profile) (*DB, error) {
	db := &DB{}
	h := uint16(1)

	for _, svc := range p.Services {
		svcUUID, err := device.NormalizeUUID(svc.UUID)
		if err != nil {
			return nil, fmt.Errorf("service: %w", err)
		}
		svcValue, err := device.UUIDToATT(svcUUID)
		if err != nil {
			return nil, err
		}
		svcAttr := &attribute{handle: h, kind: kindService, typ: u16(att.UUIDPrimaryService), value: svcValue}
		db.attrs = append(db.attrs, svcAttr)
		h++

		for _, cd := range svc.Characteristics {
			charUUID, err := device.NormalizeUUID(cd.UUID)
			if err != nil {
				return nil, fmt.Errorf("characteristic of service %s: %w", svcUUID, err)
			}
			charValue, err := device.UUIDToATT(charUUID)
			if err != nil {
				return nil, err
			}
			c := &Char{Service: svcUUID, UUID: charUUID, Properties: cd.Properties, DeclHandle: h, ValueHandle: h + 1}
			decl := att.EncodeCharacteristicDeclaration(att.CharacteristicDeclaration{
				Properties:  byte(cd.Properties),
				ValueHandle: c.ValueHandle,
				UUID:        charValue,
			})
			db.attrs = append(db.attrs,
				&attribute{handle: h, kind: kindCharDecl, typ: u16(att.UUIDCharacteristic), value: decl, char: c},
				&attribute{handle: h + 1, kind: kindValue, typ: charValue, char: c},
			)
			h += 2
			if cd.Properties.CanNotify() {
				c.CCCDHandle = h
				db.attrs = append(db.attrs, &attribute{handle: h, kind: kindCCCD, typ: u16(att.UUIDCCCD), char: c})
				h++
			}
			c.EndHandle = h - 1
			db.chars = append(db.chars, c)
		}
		svcAttr.endGroup = h - 1
	}
	return db, nil
}

// Characteristic looks up a characteristic by service and characteristic UUID in any accepted form
func (db *DB) Characteristic(service, uuid string) (*Char, bool) {
	svc, err := device.NormalizeUUID(service)
	if err != nil {
		return nil, false
	}
	chr, err := device.NormalizeUUID(uuid)
	if err != nil {
		return nil, false
	}
	for _, c := range db.chars {
		if c.Service == svc && c.UUID == chr {
			return c, true
		}
	}
	return nil, false
}

// ByValueHandle looks up a characteristic by its value handle
func (db *DB) ByValueHandle(handle uint16) (*Char, bool) {
	for _, c := range db.chars {
		if c.ValueHandle == handle {
			return c, true
		}
	}
	return nil, false
}

// Characteristics returns every characteristic in handle order
func (db *DB) Characteristics() []*Char {
	return db.chars
}

func (db *DB) attr(handle uint16) *attribute {
	for _, a := range db.attrs {
		if a.handle == handle {
			return a
		}
	}
	return nil
}

// inRange returns the attributes with start <= handle <= end
func (db *DB) inRange(start, end uint16) []*attribute {
	var out []*attribute
	for _, a := range db.attrs {
		if a.handle >= start && a.handle <= end {
			out = append(out, a)
		}
	}
	return out
}

func u16(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}
