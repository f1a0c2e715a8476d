// Package sim is an in-process host that plays the remote device. It serves
// a profile over the same attribute server the go-ble host uses, and adds
// knobs for the failure modes of a real radio: unreachable devices, slow
// handshakes, lost or garbled responses, and dropped links.
package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/att"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/host"
	"github.com/srg/gattlink/internal/host/attserver"
)

// Write is one value write the peripheral received
type Write struct {
	Service      string
	UUID         string
	Value        []byte
	WithResponse bool
}

// Peripheral is one simulated remote device
type Peripheral struct {
	addr   device.Address
	name   string
	db     *attserver.DB
	logger *logrus.Logger

	connectDelay  atomic.Int64
	responseDelay atomic.Int64
	unreachable   atomic.Bool
	dropResponses atomic.Bool
	malformed     atomic.Bool

	requests      atomic.Int64
	confirmations atomic.Int64
	connects      atomic.Int64

	notifyInterval time.Duration
	scripts        map[uint16][][]byte

	mu     sync.Mutex
	values map[uint16][]byte
	writes []Write
	link   *attserver.Link
}

// NewPeripheral builds a peripheral from a profile
func NewPeripheral(p Profile, logger *logrus.Logger) (*Peripheral, error) {
	if logger == nil {
		logger = logrus.New()
	}
	addr, err := p.address()
	if err != nil {
		return nil, err
	}
	layout, initial, scripts, err := p.attributes()
	if err != nil {
		return nil, err
	}
	db, err := attserver.NewDB(layout)
	if err != nil {
		return nil, err
	}

	per := &Peripheral{
		addr:   addr,
		name:   p.Name,
		db:     db,
		logger: logger,
		values: make(map[uint16][]byte),

		notifyInterval: p.NotifyInterval,
		scripts:        make(map[uint16][][]byte),
	}
	if per.notifyInterval <= 0 {
		per.notifyInterval = 20 * time.Millisecond
	}
	for _, c := range db.Characteristics() {
		key := device.CharacteristicKey(c.Service, c.UUID)
		per.values[c.ValueHandle] = initial[key]
		if s := scripts[key]; len(s) > 0 {
			per.scripts[c.ValueHandle] = s
		}
	}
	per.connectDelay.Store(int64(p.ConnectDelay))
	return per, nil
}

// Address returns the address the peripheral advertises with
func (p *Peripheral) Address() device.Address {
	return p.addr
}

// SetUnreachable makes the peripheral stop advertising
func (p *Peripheral) SetUnreachable(v bool) { p.unreachable.Store(v) }

// SetConnectDelay sets how long the connection handshake takes
func (p *Peripheral) SetConnectDelay(d time.Duration) { p.connectDelay.Store(int64(d)) }

// SetResponseDelay delays every ATT response
func (p *Peripheral) SetResponseDelay(d time.Duration) { p.responseDelay.Store(int64(d)) }

// SetDropResponses makes the peripheral swallow every ATT response
func (p *Peripheral) SetDropResponses(v bool) { p.dropResponses.Store(v) }

// SetMalformedResponses replaces every ATT response with a truncated error response
func (p *Peripheral) SetMalformedResponses(v bool) { p.malformed.Store(v) }

// Requests is the number of ATT PDUs received across all connections
func (p *Peripheral) Requests() int64 { return p.requests.Load() }

// Confirmations is the number of indication confirmations received
func (p *Peripheral) Confirmations() int64 { return p.confirmations.Load() }

// Connects is the number of accepted connections
func (p *Peripheral) Connects() int64 { return p.connects.Load() }

// Connected reports whether a client link is up
func (p *Peripheral) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link != nil
}

// Value returns the current value of a characteristic
func (p *Peripheral) Value(service, uuid string) ([]byte, error) {
	c, ok := p.db.Characteristic(service, uuid)
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.values[c.ValueHandle]...), nil
}

// SetValue replaces the value of a characteristic without notifying
func (p *Peripheral) SetValue(service, uuid string, value []byte) error {
	c, ok := p.db.Characteristic(service, uuid)
	if !ok {
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[c.ValueHandle] = append([]byte(nil), value...)
	return nil
}

// Writes returns every value write received so far
func (p *Peripheral) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Write(nil), p.writes...)
}

// Notify updates a characteristic and pushes a notification or indication
// to the connected client. It reports false when no client is subscribed.
func (p *Peripheral) Notify(service, uuid string, value []byte) (bool, error) {
	if err := p.SetValue(service, uuid, value); err != nil {
		return false, err
	}
	c, _ := p.db.Characteristic(service, uuid)

	p.mu.Lock()
	link := p.link
	p.mu.Unlock()
	if link == nil {
		return false, nil
	}
	return link.Notify(c, value), nil
}

// DropLink takes the current link down as if the radio lost it
func (p *Peripheral) DropLink(reason int) {
	p.mu.Lock()
	link := p.link
	p.mu.Unlock()
	if link != nil {
		link.Drop(reason)
	}
}

// connect creates the link for a new client connection
func (p *Peripheral) connect() (host.Link, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil {
		return nil, fmt.Errorf("peripheral %s already connected", p.addr.MAC)
	}

	server := attserver.NewServer(p.db, (*backend)(p), p.logger)
	var link *attserver.Link
	link = attserver.NewLink(server, attserver.LinkOptions{
		Logger: p.logger,
		Filter: p.filter,
		OnClose: func(reason int) {
			p.mu.Lock()
			if p.link == link {
				p.link = nil
			}
			p.mu.Unlock()
		},
	})
	p.link = link
	p.connects.Add(1)
	return &countingLink{Link: link, p: p}, nil
}

func (p *Peripheral) filter(ctx context.Context, req, rsp []byte) []byte {
	if d := time.Duration(p.responseDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil
		}
	}
	if p.dropResponses.Load() {
		return nil
	}
	if p.malformed.Load() {
		return []byte{byte(att.ErrorResponse), req[0]}
	}
	return rsp
}

// backend serves value I/O for the attribute server
type backend Peripheral

func (b *backend) ReadValue(c *attserver.Char) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.values[c.ValueHandle]...), nil
}

func (b *backend) WriteValue(c *attserver.Char, value []byte, withResponse bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[c.ValueHandle] = append([]byte(nil), value...)
	b.writes = append(b.writes, Write{Service: c.Service, UUID: c.UUID, Value: append([]byte(nil), value...), WithResponse: withResponse})
	return nil
}

func (b *backend) SetCCCD(c *attserver.Char, value uint16) error {
	b.logger.WithFields(logrus.Fields{
		"char_uuid": c.UUID,
		"cccd":      value,
	}).Debug("Simulated peripheral CCCD written")

	script := b.scripts[c.ValueHandle]
	if value == 0 || len(script) == 0 {
		return nil
	}
	b.mu.Lock()
	link := b.link
	b.mu.Unlock()
	if link != nil {
		groutine.Go(context.Background(), "sim-notify-script", func(context.Context) {
			(*Peripheral)(b).play(link, c, script)
		})
	}
	return nil
}

// play pushes scripted notifications over link until it goes down
func (p *Peripheral) play(link *attserver.Link, c *attserver.Char, script [][]byte) {
	ticker := time.NewTicker(p.notifyInterval)
	defer ticker.Stop()
	for _, v := range script {
		select {
		case <-link.Disconnected():
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		p.values[c.ValueHandle] = append([]byte(nil), v...)
		p.mu.Unlock()
		link.Notify(c, v)
	}
}

// countingLink records what the client sends
type countingLink struct {
	*attserver.Link
	p *Peripheral
}

func (l *countingLink) Send(pdu []byte) error {
	if err := l.Link.Send(pdu); err != nil {
		return err
	}
	l.p.requests.Add(1)
	if len(pdu) > 0 && att.Opcode(pdu[0]) == att.HandleValueConfirmation {
		l.p.confirmations.Add(1)
	}
	return nil
}
