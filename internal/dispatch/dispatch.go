// Package dispatch delivers notifications and indications to subscribed
// listeners and fans out the disconnect event.
//
// Every subscribed characteristic owns a bounded ring that drops its oldest
// event when full, drained in arrival order by one named worker goroutine.
// Listeners of different characteristics run concurrently; no ordering holds
// across characteristics.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/att"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/groutine"
)

// Requester sends an ATT request on the connection identified by gen
type Requester interface {
	SendPDUFor(ctx context.Context, gen uint64, pdu []byte) ([]byte, error)
}

// Notification is one value-change event
type Notification struct {
	Characteristic *device.Characteristic
	Value          []byte
	Indication     bool
	Received       time.Time
}

// Listener receives the events of one characteristic, one at a time
type Listener func(Notification)

// Mode selects notifications or indications
type Mode int

const (
	// ModeAuto prefers notifications and falls back to indications
	ModeAuto Mode = iota
	ModeNotify
	ModeIndicate
)

func (m Mode) String() string {
	switch m {
	case ModeNotify:
		return "notify"
	case ModeIndicate:
		return "indicate"
	default:
		return "auto"
	}
}

type Options struct {
	// Buffer is the per-characteristic ring capacity
	Buffer uint32 `default:"128"`
}

// Stats counts the events of one subscription
type Stats struct {
	Delivered   uint64
	Overwritten uint64
}

// Dispatcher routes the events of one connection
type Dispatcher struct {
	req    Requester
	opts   Options
	logger *logrus.Logger
	group  groutine.Group

	mu      sync.Mutex
	open    bool
	streams map[uint16]*stream

	listenersMu  sync.Mutex
	nextListener int
	disconnect   map[int]func(status int)
}

// New creates a closed dispatcher; Open starts accepting subscriptions
func New(req Requester, opts Options, logger *logrus.Logger) *Dispatcher {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		req:        req,
		opts:       opts,
		logger:     logger,
		streams:    make(map[uint16]*stream),
		disconnect: make(map[int]func(int)),
	}
}

// Open accepts subscriptions for a new connection
func (d *Dispatcher) Open() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
}

// Subscribe enables notifications or indications on ch by writing its CCCD
// and attaches listener. Subscribing again replaces the listener.
func (d *Dispatcher) Subscribe(ctx context.Context, ch *device.Characteristic, listener Listener, mode Mode) error {
	if ch == nil || listener == nil {
		return device.Violationf("subscribe", "nil characteristic or listener")
	}

	state, cccd, err := selectMode(ch, mode)
	if err != nil {
		return err
	}

	// The stream exists before the CCCD write so the first event after the
	// write response is not lost.
	s := newStream(ch, listener, d.opts.Buffer, d.logger)
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return device.Errorf(device.NotConnected, "subscribe", "no connection")
	}
	old := d.streams[ch.ValueHandle]
	d.streams[ch.ValueHandle] = s
	d.mu.Unlock()
	if old != nil {
		old.detach()
	}
	d.group.Go(context.Background(), "dispatch-"+device.ShortUUID(ch.UUID), s.run)

	if err := d.writeCCCD(ctx, ch, cccd); err != nil {
		d.remove(ch.ValueHandle, s)
		return err
	}

	d.mu.Lock()
	stillOpen := d.open && d.streams[ch.ValueHandle] == s
	d.mu.Unlock()
	if !stillOpen {
		return device.Errorf(device.LinkLost, "subscribe", "connection closed during subscribe")
	}

	ch.SetSubscription(state)
	d.logger.WithFields(logrus.Fields{
		"service_uuid": ch.ServiceUUID,
		"char_uuid":    ch.UUID,
		"mode":         state.String(),
	}).Info("Subscribed to characteristic")
	return nil
}

// Unsubscribe detaches the listener of ch and clears its CCCD. It is a no-op
// when ch is not subscribed.
func (d *Dispatcher) Unsubscribe(ctx context.Context, ch *device.Characteristic) error {
	if ch == nil {
		return device.Violationf("unsubscribe", "nil characteristic")
	}
	d.mu.Lock()
	s := d.streams[ch.ValueHandle]
	d.mu.Unlock()
	if s == nil {
		return nil
	}

	d.remove(ch.ValueHandle, s)
	ch.SetSubscription(device.Unsubscribed)
	if err := d.writeCCCD(ctx, ch, att.CCCDNone); err != nil {
		return err
	}
	d.logger.WithField("char_uuid", ch.UUID).Info("Unsubscribed from characteristic")
	return nil
}

func (d *Dispatcher) writeCCCD(ctx context.Context, ch *device.Characteristic, value uint16) error {
	pdu := att.EncodeWriteRequest(ch.CCCDHandle, []byte{byte(value), byte(value >> 8)})
	_, err := d.req.SendPDUFor(ctx, ch.Generation, pdu)
	if err == nil {
		return nil
	}
	var attErr *att.Error
	if errors.As(err, &attErr) {
		return device.NewError(device.SubscribeError, "subscribe", attErr)
	}
	return err
}

func (d *Dispatcher) remove(handle uint16, s *stream) {
	d.mu.Lock()
	if d.streams[handle] == s {
		delete(d.streams, handle)
	}
	d.mu.Unlock()
	s.detach()
}

// Deliver routes an event from the transport. It never blocks; events for
// handles nobody subscribed to are dropped.
func (d *Dispatcher) Deliver(handle uint16, value []byte, indication bool) {
	d.mu.Lock()
	s := d.streams[handle]
	open := d.open
	d.mu.Unlock()
	if !open || s == nil {
		d.logger.WithField("handle", handle).Debug("Dropping notification with no listener")
		return
	}

	s.push(Notification{
		Characteristic: s.char,
		Value:          append([]byte(nil), value...),
		Indication:     indication,
		Received:       time.Now(),
	})
}

// DetachAll drops every listener and every queued event without any I/O.
// Deliveries stop at once; a listener call already running completes.
func (d *Dispatcher) DetachAll() {
	d.mu.Lock()
	streams := d.streams
	d.streams = make(map[uint16]*stream)
	d.open = false
	d.mu.Unlock()

	for _, s := range streams {
		s.detach()
		s.char.SetSubscription(device.Unsubscribed)
	}
	if len(streams) > 0 {
		d.logger.WithField("listeners", len(streams)).Debug("Notification listeners detached")
	}
}

// Wait blocks until every dispatch worker has exited
func (d *Dispatcher) Wait() {
	d.group.Wait()
}

// Stats returns the counters of the current subscription of ch
func (d *Dispatcher) Stats(ch *device.Characteristic) (Stats, bool) {
	d.mu.Lock()
	s := d.streams[ch.ValueHandle]
	d.mu.Unlock()
	if s == nil {
		return Stats{}, false
	}
	return Stats{Delivered: s.delivered.Load(), Overwritten: s.overwritten.Load()}, true
}

// OnDisconnect registers fn for the disconnect event and returns a function
// that removes it
func (d *Dispatcher) OnDisconnect(fn func(status int)) (remove func()) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	id := d.nextListener
	d.nextListener++
	d.disconnect[id] = fn
	return func() {
		d.listenersMu.Lock()
		defer d.listenersMu.Unlock()
		delete(d.disconnect, id)
	}
}

// Disconnected delivers the disconnect event to every registered listener,
// in registration order
func (d *Dispatcher) Disconnected(status int) {
	d.listenersMu.Lock()
	fns := make([]func(int), 0, len(d.disconnect))
	for id := 0; id < d.nextListener; id++ {
		if fn, ok := d.disconnect[id]; ok {
			fns = append(fns, fn)
		}
	}
	d.listenersMu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

func selectMode(ch *device.Characteristic, mode Mode) (device.SubscriptionState, uint16, error) {
	props := ch.Properties
	if !props.CanNotify() {
		return 0, 0, device.Errorf(device.SubscribeError, "subscribe",
			"characteristic %s supports neither notifications nor indications", ch.UUID)
	}
	if ch.CCCDHandle == 0 {
		return 0, 0, device.Errorf(device.SubscribeError, "subscribe",
			"characteristic %s has no client characteristic configuration descriptor", ch.UUID)
	}

	switch mode {
	case ModeNotify:
		if !props.Has(device.PropNotify) {
			return 0, 0, device.Errorf(device.SubscribeError, "subscribe", "characteristic %s does not support notifications", ch.UUID)
		}
		return device.Notifying, att.CCCDNotify, nil
	case ModeIndicate:
		if !props.Has(device.PropIndicate) {
			return 0, 0, device.Errorf(device.SubscribeError, "subscribe", "characteristic %s does not support indications", ch.UUID)
		}
		return device.Indicating, att.CCCDIndicate, nil
	default:
		if props.Has(device.PropNotify) {
			return device.Notifying, att.CCCDNotify, nil
		}
		return device.Indicating, att.CCCDIndicate, nil
	}
}

// stream is the ring and worker of one subscription
type stream struct {
	char     *device.Characteristic
	listener Listener
	logger   *logrus.Logger
	buf      mpmc.RichOverlappedRingBuffer[Notification]
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	detached atomic.Bool

	delivered   atomic.Uint64
	overwritten atomic.Uint64
}

func newStream(ch *device.Characteristic, listener Listener, size uint32, logger *logrus.Logger) *stream {
	return &stream{
		char:     ch,
		listener: listener,
		logger:   logger,
		buf:      mpmc.NewOverlappedRingBuffer[Notification](size),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

func (s *stream) push(n Notification) {
	overwrites, err := s.buf.EnqueueM(n)
	if err != nil {
		s.logger.WithField("error", err).Error("Unexpected notification buffer error")
		return
	}
	if overwrites > 0 {
		total := s.overwritten.Add(uint64(overwrites))
		s.logger.WithFields(logrus.Fields{
			"char_uuid":   s.char.UUID,
			"overwritten": total,
		}).Warn("Notification buffer full, dropped oldest events")
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stream) detach() {
	s.detached.Store(true)
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *stream) run(ctx context.Context) {
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for !s.buf.IsEmpty() {
			n, err := s.buf.Dequeue()
			if err != nil {
				break
			}
			if !s.deliver(n) {
				return
			}
		}
	}
}

// deliver runs the listener unless the stream is detached
func (s *stream) deliver(n Notification) bool {
	if s.detached.Load() {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"char_uuid": s.char.UUID,
				"panic":     r,
			}).Error("Notification listener panicked")
		}
	}()
	s.listener(n)
	s.delivered.Add(1)
	return true
}
