package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/att"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/host"
	"github.com/srg/gattlink/internal/host/attserver"
)

// link is the ATT bearer presented for one go-ble connection
type link struct {
	*attserver.Link
	client  ble.Client
	server  *attserver.Server
	logger  *logrus.Logger
	remote  atomic.Bool
	onClose func(*link)
}

var _ host.Link = (*link)(nil)

func newLink(client ble.Client, profile *ble.Profile, inbound int, logger *logrus.Logger, onClose func(*link)) (*link, error) {
	def, chars, err := mirrorProfile(profile)
	if err != nil {
		return nil, err
	}
	db, err := attserver.NewDB(def)
	if err != nil {
		return nil, fmt.Errorf("failed to mirror profile: %w", err)
	}

	l := &link{client: client, logger: logger, onClose: onClose}
	b := &clientBackend{client: client, chars: chars, link: l, logger: logger}
	l.server = attserver.NewServer(db, b, logger)
	l.Link = attserver.NewLink(l.server, attserver.LinkOptions{
		InboundBuffer: inbound,
		Logger:        logger,
		OnClose:       l.closed,
	})

	ctx, stop := context.WithCancel(context.Background())
	groutine.Go(ctx, "goble-link-monitor", func(ctx context.Context) {
		select {
		case <-client.Disconnected():
			l.remote.Store(true)
			logger.Warn("BLE device reported disconnection")
			l.Drop(device.StatusConnectionTimeout)
		case <-l.Disconnected():
		}
		stop()
	})
	return l, nil
}

func (l *link) closed(reason int) {
	if !l.remote.Load() {
		if err := l.client.CancelConnection(); err != nil {
			l.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		}
	}
	if l.onClose != nil {
		l.onClose(l)
	}
	l.logger.WithField("reason", reason).Debug("go-ble link closed")
}

// charKey identifies a mirrored characteristic
type charKey struct {
	service string
	uuid    string
}

// mirrorProfile turns a discovered go-ble profile into an attserver profile.
// Handles are reassigned by the database; the map resolves each mirrored
// characteristic back to its go-ble counterpart.
func mirrorProfile(p *ble.Profile) (attserver.Profile, map[charKey]*ble.Characteristic, error) {
	var def attserver.Profile
	chars := make(map[charKey]*ble.Characteristic)
	if p == nil {
		return def, chars, nil
	}

	for _, s := range p.Services {
		svcUUID, err := device.NormalizeUUID(s.UUID.String())
		if err != nil {
			return def, nil, fmt.Errorf("service %s: %w", s.UUID, err)
		}
		sd := attserver.ServiceDef{UUID: svcUUID}
		for _, c := range s.Characteristics {
			charUUID, err := device.NormalizeUUID(c.UUID.String())
			if err != nil {
				return def, nil, fmt.Errorf("characteristic %s: %w", c.UUID, err)
			}
			key := charKey{svcUUID, charUUID}
			if _, dup := chars[key]; dup {
				continue
			}
			chars[key] = c
			sd.Characteristics = append(sd.Characteristics, attserver.CharacteristicDef{
				UUID:       charUUID,
				Properties: propertiesOf(c),
			})
		}
		def.Services = append(def.Services, sd)
	}
	return def, chars, nil
}

// propertiesOf keeps notify and indicate only when go-ble found a CCCD to drive them
func propertiesOf(c *ble.Characteristic) device.Properties {
	props := device.Properties(c.Property)
	if c.CCCD == nil {
		props &^= device.PropNotify | device.PropIndicate
	}
	return props
}

// clientBackend serves mirrored attribute I/O through the go-ble client
type clientBackend struct {
	client ble.Client
	chars  map[charKey]*ble.Characteristic
	link   *link
	logger *logrus.Logger

	mu   sync.Mutex
	subs map[charKey]bool // value: subscribed for indications
}

func (b *clientBackend) lookup(c *attserver.Char) (*ble.Characteristic, error) {
	bc, ok := b.chars[charKey{c.Service, c.UUID}]
	if !ok {
		return nil, &att.Error{Code: att.ErrAttributeNotFound}
	}
	return bc, nil
}

func (b *clientBackend) ReadValue(c *attserver.Char) ([]byte, error) {
	bc, err := b.lookup(c)
	if err != nil {
		return nil, err
	}
	v, err := b.client.ReadLongCharacteristic(bc)
	return v, backendError(err)
}

func (b *clientBackend) WriteValue(c *attserver.Char, value []byte, withResponse bool) error {
	bc, err := b.lookup(c)
	if err != nil {
		return err
	}
	return backendError(b.client.WriteCharacteristic(bc, value, !withResponse))
}

func (b *clientBackend) SetCCCD(c *attserver.Char, value uint16) error {
	bc, err := b.lookup(c)
	if err != nil {
		return err
	}
	key := charKey{c.Service, c.UUID}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[charKey]bool)
	}

	if ind, active := b.subs[key]; active {
		if err := b.client.Unsubscribe(bc, ind); err != nil {
			return backendError(err)
		}
		delete(b.subs, key)
	}
	if value == 0 {
		return nil
	}

	ind := value&att.CCCDIndicate != 0
	err = b.client.Subscribe(bc, ind, func(data []byte) {
		b.link.Notify(c, append([]byte(nil), data...))
	})
	if err != nil {
		return backendError(err)
	}
	b.subs[key] = ind
	b.logger.WithFields(logrus.Fields{
		"char_uuid": c.UUID,
		"indicate":  ind,
	}).Debug("Subscribed through go-ble")
	return nil
}

// backendError passes ATT error codes through and turns everything else into
// "unlikely error" on the mirrored link
func backendError(err error) error {
	if err == nil {
		return nil
	}
	if code, ok := attErrorCode(err); ok {
		return &att.Error{Code: code}
	}
	return NormalizeError(err)
}

// attErrorCode recovers the code of a go-ble ble.ATTError
func attErrorCode(err error) (att.ErrorCode, bool) {
	var code ble.ATTError
	if errors.As(err, &code) {
		return att.ErrorCode(code), true
	}
	return 0, false
}
