package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/srg/gattlink/internal/cache"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/testutils"
	"github.com/srg/gattlink/internal/transport"
	"github.com/stretchr/testify/suite"
)

var (
	battery      = device.MustNormalizeUUID("180f")
	batteryLevel = device.MustNormalizeUUID("2a19")
	alert        = device.MustNormalizeUUID("2a06")
	control      = device.MustNormalizeUUID("2a1a")
)

// collector records delivered values in order
type collector struct {
	mu     sync.Mutex
	values [][]byte
}

func (c *collector) listen(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, n.Value)
}

func (c *collector) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.values...)
}

type DispatchTestSuite struct {
	testutils.PeripheralSuite

	transport  *transport.Transport
	cache      *cache.Cache
	dispatcher *Dispatcher
}

func (s *DispatchTestSuite) SetupTest() {
	s.WithPeripheral().
		WithService("180F").
		WithCharacteristic("2A19", "read,notify", []byte{50}).
		WithCharacteristic("2A06", "indicate", nil).
		WithCharacteristic("2A1A", "read,write", nil)
	s.PeripheralSuite.SetupTest()

	s.transport = transport.New(s.Adapter, s.Address, transport.Options{DiscoveryWindow: 200 * time.Millisecond, RequestTimeout: time.Second}, s.Logger)
	s.dispatcher = New(s.transport, Options{}, s.Logger)
	s.transport.SetHooks(transport.Hooks{
		Notification: s.dispatcher.Deliver,
		Teardown:     s.dispatcher.DetachAll,
		Disconnected: s.dispatcher.Disconnected,
	})
	s.Require().NoError(s.transport.Connect(context.Background()))
	s.dispatcher.Open()

	s.cache = cache.New(s.transport, cache.PolicyCached, s.Logger)
	s.cache.Bind(s.transport.Generation())
}

func (s *DispatchTestSuite) TearDownTest() {
	s.transport.Disconnect()
	<-s.transport.Done()
	s.dispatcher.Wait()
	s.PeripheralSuite.TearDownTest()
}

func (s *DispatchTestSuite) char(uuid string) *device.Characteristic {
	ch, err := s.cache.Discover(context.Background(), battery, uuid)
	s.Require().NoError(err)
	return ch
}

func (s *DispatchTestSuite) TestDeliveryIsFIFO() {
	// GOAL: Verify events of one characteristic reach the listener in arrival order
	//
	// TEST SCENARIO: subscribe → peripheral notifies E1..E50 → listener sees E1..E50 in order

	ch := s.char(batteryLevel)
	got := &collector{}
	s.Require().NoError(s.dispatcher.Subscribe(context.Background(), ch, got.listen, ModeAuto))
	s.Equal(device.Notifying, ch.Subscription())

	const n = 50
	for i := 1; i <= n; i++ {
		sent, err := s.Peripheral.Notify("180f", "2a19", []byte{byte(i)})
		s.Require().NoError(err)
		s.Require().True(sent, "peripheral MUST see the subscription")
	}

	s.WaitFor(func() bool { return len(got.snapshot()) == n }, "every event MUST be delivered")
	for i, v := range got.snapshot() {
		s.Equal([]byte{byte(i + 1)}, v, "events MUST be delivered in arrival order")
	}

	stats, ok := s.dispatcher.Stats(ch)
	s.True(ok)
	s.Equal(uint64(n), stats.Delivered)
	s.Zero(stats.Overwritten)
}

func (s *DispatchTestSuite) TestIndicateOnlyCharacteristic() {
	ch := s.char(alert)
	got := &collector{}
	s.Require().NoError(s.dispatcher.Subscribe(context.Background(), ch, got.listen, ModeAuto))
	s.Equal(device.Indicating, ch.Subscription(), "indicate-only characteristic MUST subscribe with indications")

	sent, err := s.Peripheral.Notify("180f", "2a06", []byte{0x01})
	s.Require().NoError(err)
	s.Require().True(sent)
	s.WaitFor(func() bool { return len(got.snapshot()) == 1 })
	s.WaitFor(func() bool { return s.Peripheral.Confirmations() == 1 }, "indication MUST be confirmed")
}

func (s *DispatchTestSuite) TestSubscribeErrors() {
	s.Run("no notify or indicate", func() {
		err := s.dispatcher.Subscribe(context.Background(), s.char(control), (&collector{}).listen, ModeAuto)
		s.ErrorIs(err, device.ErrSubscribe)
	})

	s.Run("forced mode unsupported", func() {
		err := s.dispatcher.Subscribe(context.Background(), s.char(batteryLevel), (&collector{}).listen, ModeIndicate)
		s.ErrorIs(err, device.ErrSubscribe)
	})

	s.Run("no CCCD", func() {
		ch := &device.Characteristic{UUID: batteryLevel, ValueHandle: 3, Properties: device.PropNotify, Generation: s.transport.Generation()}
		err := s.dispatcher.Subscribe(context.Background(), ch, (&collector{}).listen, ModeAuto)
		s.ErrorIs(err, device.ErrSubscribe)
	})

	s.Run("CCCD write rejected", func() {
		ch := &device.Characteristic{UUID: batteryLevel, ValueHandle: 0x0090, CCCDHandle: 0x0091, Properties: device.PropNotify, Generation: s.transport.Generation()}
		err := s.dispatcher.Subscribe(context.Background(), ch, (&collector{}).listen, ModeAuto)
		s.ErrorIs(err, device.ErrSubscribe, "rejected CCCD write MUST fail with SubscribeError")
		_, ok := s.dispatcher.Stats(ch)
		s.False(ok, "failed subscription MUST NOT keep a listener")
	})

	s.Run("nil listener", func() {
		err := s.dispatcher.Subscribe(context.Background(), s.char(batteryLevel), nil, ModeAuto)
		s.ErrorIs(err, device.ErrContractViolation)
	})
}

func (s *DispatchTestSuite) TestUnsubscribe() {
	ch := s.char(batteryLevel)
	got := &collector{}
	s.Require().NoError(s.dispatcher.Subscribe(context.Background(), ch, got.listen, ModeNotify))
	s.Require().NoError(s.dispatcher.Unsubscribe(context.Background(), ch))
	s.Equal(device.Unsubscribed, ch.Subscription())

	sent, err := s.Peripheral.Notify("180f", "2a19", []byte{1})
	s.Require().NoError(err)
	s.False(sent, "peripheral MUST see the CCCD cleared")

	s.dispatcher.Deliver(ch.ValueHandle, []byte{2}, false)
	time.Sleep(20 * time.Millisecond)
	s.Empty(got.snapshot())

	s.NoError(s.dispatcher.Unsubscribe(context.Background(), ch), "unsubscribing twice MUST be a no-op")
}

func (s *DispatchTestSuite) TestDetachAllStopsQueuedDeliveries() {
	// GOAL: Verify no event is delivered once listeners are detached, including events already queued
	//
	// TEST SCENARIO: listener blocks on E1 → E2..E5 queued → DetachAll → release → only E1 observed

	ch := s.char(batteryLevel)
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	got := &collector{}
	s.Require().NoError(s.dispatcher.Subscribe(context.Background(), ch, func(n Notification) {
		got.listen(n)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}, ModeAuto))

	for i := 1; i <= 5; i++ {
		s.dispatcher.Deliver(ch.ValueHandle, []byte{byte(i)}, false)
	}
	<-entered
	s.dispatcher.DetachAll()
	close(release)
	s.dispatcher.Wait()

	s.Equal([][]byte{{1}}, got.snapshot(), "queued events MUST be dropped after detach")
	s.Equal(device.Unsubscribed, ch.Subscription())

	s.dispatcher.Deliver(ch.ValueHandle, []byte{6}, false)
	err := s.dispatcher.Subscribe(context.Background(), ch, got.listen, ModeAuto)
	s.ErrorIs(err, device.ErrNotConnected, "subscribing after detach MUST fail until reopened")
}

func (s *DispatchTestSuite) TestOverflowDropsOldest() {
	d := New(s.transport, Options{Buffer: 4}, s.Logger)
	d.Open()
	ch := s.char(batteryLevel)

	release := make(chan struct{})
	got := &collector{}
	s.Require().NoError(d.Subscribe(context.Background(), ch, func(n Notification) {
		<-release
		got.listen(n)
	}, ModeAuto))

	for i := 1; i <= 32; i++ {
		d.Deliver(ch.ValueHandle, []byte{byte(i)}, false)
	}
	stats, ok := d.Stats(ch)
	s.Require().True(ok)
	s.Positive(stats.Overwritten, "a full ring MUST overwrite old events")

	close(release)
	s.WaitFor(func() bool {
		values := got.snapshot()
		return len(values) > 0 && values[len(values)-1][0] == 32
	}, "the newest event MUST survive overflow")
	d.DetachAll()
	d.Wait()
}

func (s *DispatchTestSuite) TestDisconnectEvent() {
	// GOAL: Verify the disconnect event reaches every listener once, after listeners are detached
	//
	// TEST SCENARIO: two listeners (one removed) → link drop 0x13 → remaining listener sees 0x13 once

	ch := s.char(batteryLevel)
	s.Require().NoError(s.dispatcher.Subscribe(context.Background(), ch, (&collector{}).listen, ModeAuto))

	statuses := make(chan int, 4)
	var subscribedAtDisconnect device.SubscriptionState = -1
	s.dispatcher.OnDisconnect(func(status int) {
		subscribedAtDisconnect = ch.Subscription()
		statuses <- status
	})
	remove := s.dispatcher.OnDisconnect(func(int) { statuses <- -1 })
	remove()

	s.Peripheral.DropLink(0x13)

	select {
	case status := <-statuses:
		s.Equal(0x13, status)
	case <-time.After(2 * time.Second):
		s.FailNow("disconnect event MUST be delivered")
	}
	s.Equal(device.Unsubscribed, subscribedAtDisconnect, "listeners MUST be detached before the disconnect event")
	time.Sleep(20 * time.Millisecond)
	s.Empty(statuses, "disconnect event MUST be delivered exactly once")
}

func TestDispatchTestSuite(t *testing.T) {
	suite.Run(t, new(DispatchTestSuite))
}
