package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/att"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/host/sim"
	"github.com/stretchr/testify/suite"
)

const batteryProfile = `
address: E8:C9:8F:52:7B:07
address_type: random
services:
  - uuid: "180f"
    characteristics:
      - uuid: "2a19"
        properties: read,notify,indicate
        value: "55"
`

// recorder captures hook invocations in order
type recorder struct {
	mu            sync.Mutex
	events        []string
	statuses      []int
	notifications [][]byte
	disconnected  chan int
}

func newRecorder() *recorder {
	return &recorder{disconnected: make(chan int, 4)}
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		Notification: func(_ uint16, value []byte, indication bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.notifications = append(r.notifications, value)
		},
		Teardown: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "teardown")
		},
		Disconnected: func(status int) {
			r.mu.Lock()
			r.events = append(r.events, "disconnected")
			r.statuses = append(r.statuses, status)
			r.mu.Unlock()
			r.disconnected <- status
		},
	}
}

func (r *recorder) snapshot() ([]string, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]int(nil), r.statuses...)
}

type TransportTestSuite struct {
	suite.Suite

	logger     *logrus.Logger
	peripheral *sim.Peripheral
	adapter    *sim.Adapter
	addr       device.Address
	rec        *recorder
	transport  *Transport
}

func (s *TransportTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.WarnLevel)

	profile, err := sim.ParseProfile([]byte(batteryProfile))
	s.Require().NoError(err)
	s.peripheral, err = sim.NewPeripheral(profile, s.logger)
	s.Require().NoError(err)
	s.adapter = sim.NewAdapter(s.logger, s.peripheral)
	s.addr, err = device.ParseAddress("E8:C9:8F:52:7B:07", device.AddressRandom, "")
	s.Require().NoError(err)

	s.rec = newRecorder()
	s.transport = s.newTransport(Options{
		DiscoveryWindow: 100 * time.Millisecond,
		ConnectTimeout:  time.Second,
		RequestTimeout:  time.Second,
	})
}

func (s *TransportTestSuite) TearDownTest() {
	s.transport.Disconnect()
	<-s.transport.Done()
	_ = s.adapter.Close()
}

func (s *TransportTestSuite) newTransport(opts Options) *Transport {
	t := New(s.adapter, s.addr, opts, s.logger)
	t.SetHooks(s.rec.hooks())
	return t
}

func (s *TransportTestSuite) waitDisconnected() int {
	select {
	case status := <-s.rec.disconnected:
		return status
	case <-time.After(2 * time.Second):
		s.FailNow("disconnect hook MUST run")
		return -1
	}
}

func (s *TransportTestSuite) TestConnectAndRead() {
	s.Require().NoError(s.transport.Connect(context.Background()))
	s.Equal(device.StateConnected, s.transport.State())
	s.Equal(uint64(1), s.transport.Generation())
	s.Equal(247, s.transport.MTU(), "MTU MUST be negotiated after connect")

	rsp, err := s.transport.SendPDU(context.Background(), att.EncodeReadRequest(3))
	s.Require().NoError(err)
	v, err := att.DecodeReadResponse(att.ReadRequest, rsp)
	s.Require().NoError(err)
	s.Equal([]byte{0x55}, v)

	err = s.transport.Connect(context.Background())
	s.ErrorIs(err, device.ErrAlreadyConnected)
}

func (s *TransportTestSuite) TestSecondConnectFailsWithOperationInProgress() {
	// GOAL: Verify a concurrent connect fails at once and does not disturb the attempt in flight
	//
	// TEST SCENARIO: slow handshake → connect A in background → connect B → B fails OperationInProgress → A succeeds

	s.peripheral.SetConnectDelay(150 * time.Millisecond)

	first := make(chan error, 1)
	go func() { first <- s.transport.Connect(context.Background()) }()
	s.Eventually(func() bool { return s.transport.State() == device.StateConnecting }, time.Second, time.Millisecond)

	started := time.Now()
	err := s.transport.Connect(context.Background())
	s.ErrorIs(err, device.ErrOperationInProgress, "second connect MUST fail with OperationInProgress")
	s.Less(time.Since(started), 100*time.Millisecond, "second connect MUST fail immediately")

	s.NoError(<-first, "first connect MUST still succeed")
	s.Equal(device.StateConnected, s.transport.State())
	s.Equal(int64(1), s.peripheral.Connects())
}

func (s *TransportTestSuite) TestConnectFailures() {
	s.Run("unreachable device", func() {
		s.peripheral.SetUnreachable(true)
		defer s.peripheral.SetUnreachable(false)

		err := s.transport.Connect(context.Background())
		s.ErrorIs(err, device.ErrDeviceNotFound)
		s.Equal(device.StateDisconnected, s.transport.State())
		s.ErrorIs(s.transport.LastError(), device.ErrDeviceNotFound)
	})

	s.Run("slow handshake", func() {
		s.peripheral.SetConnectDelay(time.Second)
		defer s.peripheral.SetConnectDelay(0)

		t := s.newTransport(Options{DiscoveryWindow: 100 * time.Millisecond, ConnectTimeout: 50 * time.Millisecond})
		err := t.Connect(context.Background())
		s.ErrorIs(err, device.ErrConnectTimeout)
		s.Equal(device.StateDisconnected, t.State())
	})

	s.Run("adapter off", func() {
		s.adapter.SetPowered(false)
		defer s.adapter.SetPowered(true)

		err := s.transport.Connect(context.Background())
		s.ErrorIs(err, device.ErrAdapterUnavailable)
	})

	s.Run("recovers after failures", func() {
		s.Require().NoError(s.transport.Connect(context.Background()))
	})
}

func (s *TransportTestSuite) TestDisconnectWhileConnectingAborts() {
	s.peripheral.SetConnectDelay(500 * time.Millisecond)

	result := make(chan error, 1)
	go func() { result <- s.transport.Connect(context.Background()) }()
	s.Eventually(func() bool { return s.transport.State() == device.StateConnecting }, time.Second, time.Millisecond)

	s.transport.Disconnect()
	select {
	case err := <-result:
		s.ErrorIs(err, device.ErrNotConnected, "aborted connect MUST fail with NotConnected")
	case <-time.After(time.Second):
		s.FailNow("aborted connect MUST resolve")
	}
	s.Equal(device.StateDisconnected, s.transport.State())
	s.Empty(s.rec.disconnected, "no disconnect event MUST be delivered for a connection that never opened")
}

func (s *TransportTestSuite) TestUserDisconnect() {
	// GOAL: Verify a local disconnect runs teardown in order and reports status 0 exactly once
	//
	// TEST SCENARIO: connect → disconnect → teardown hook → disconnected(0) → requests fail NotConnected

	s.Require().NoError(s.transport.Connect(context.Background()))
	s.transport.Disconnect()

	_, err := s.transport.SendPDU(context.Background(), att.EncodeReadRequest(3))
	s.ErrorIs(err, device.ErrNotConnected, "requests after Disconnect MUST fail with NotConnected")

	s.Equal(device.StatusUserInitiated, s.waitDisconnected())
	<-s.transport.Done()
	s.Equal(device.StateDisconnected, s.transport.State())
	s.Equal(uint64(0), s.transport.Generation())

	events, statuses := s.rec.snapshot()
	s.Equal([]string{"teardown", "disconnected"}, events)
	s.Equal([]int{0}, statuses, "disconnect MUST be reported exactly once")
	s.NoError(s.transport.LastError(), "a local disconnect MUST NOT record an error")

	s.transport.Disconnect()
	s.Empty(s.rec.disconnected, "a second Disconnect MUST NOT report again")
}

func (s *TransportTestSuite) TestLinkLossCancelsPendingWithLinkLost() {
	// GOAL: Verify link loss fails every outstanding and queued request with LinkLost and reports the HCI reason
	//
	// TEST SCENARIO: slow responses → N concurrent reads → drop link (0x13) → all reads fail LinkLost → disconnected(0x13)

	s.Require().NoError(s.transport.Connect(context.Background()))
	s.peripheral.SetResponseDelay(time.Second)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.transport.SendPDU(context.Background(), att.EncodeReadRequest(3))
			errs <- err
		}()
	}
	s.Eventually(func() bool { return s.transport.Registry().Len() == n }, time.Second, time.Millisecond,
		"every request MUST be registered before the link drops")

	s.peripheral.DropLink(0x13)

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			s.ErrorIs(err, device.ErrLinkLost, "pending request MUST fail with LinkLost")
		case <-time.After(2 * time.Second):
			s.FailNow("pending request MUST resolve after link loss")
		}
	}
	s.Equal(0x13, s.waitDisconnected())
	s.ErrorIs(s.transport.LastError(), device.ErrLinkLost)
	s.Equal(0, s.transport.Registry().Len())
}

func (s *TransportTestSuite) TestRequestTimeoutKeepsConnection() {
	// GOAL: Verify a response arriving after its request timed out is dropped, not handed to the next request
	//
	// TEST SCENARIO: slow peer → read value handle times out → read service declaration → own value returned, connection still up

	t := s.newTransport(Options{DiscoveryWindow: 100 * time.Millisecond, ConnectTimeout: time.Second, RequestTimeout: 100 * time.Millisecond, MTU: 23})
	s.Require().NoError(t.Connect(context.Background()))
	defer func() {
		t.Disconnect()
		<-t.Done()
	}()

	s.peripheral.SetResponseDelay(150 * time.Millisecond)
	_, err := t.SendPDU(context.Background(), att.EncodeReadRequest(3))
	s.ErrorIs(err, device.ErrTimeout)
	s.Equal(device.StateConnected, t.State(), "a timeout MUST NOT tear the connection down")

	s.peripheral.SetResponseDelay(0)
	rsp, err := t.SendPDU(context.Background(), att.EncodeReadRequest(1))
	s.Require().NoError(err)
	s.Equal(att.EncodeReadResponse(att.ReadResponse, []byte{0x0f, 0x18}), rsp,
		"the late answer to the timed-out read MUST NOT complete the next request")

	rsp, err = t.SendPDU(context.Background(), att.EncodeReadRequest(3))
	s.Require().NoError(err)
	s.Equal(att.EncodeReadResponse(att.ReadResponse, []byte{0x55}), rsp)
	s.Equal(device.StateConnected, t.State())
}

func (s *TransportTestSuite) TestUnansweredRequestClosesLink() {
	// GOAL: Verify a peer that never answers a timed-out request loses the link
	//
	// TEST SCENARIO: responses dropped → read times out → queued read fails with LinkLost → disconnect status 0x08

	t := s.newTransport(Options{DiscoveryWindow: 100 * time.Millisecond, ConnectTimeout: time.Second, RequestTimeout: 50 * time.Millisecond, MTU: 23})
	s.Require().NoError(t.Connect(context.Background()))

	s.peripheral.SetDropResponses(true)
	_, err := t.SendPDU(context.Background(), att.EncodeReadRequest(3))
	s.ErrorIs(err, device.ErrTimeout)
	s.Equal(device.StateConnected, t.State(), "the connection MUST stay up right after a timeout")

	_, err = t.SendPDU(context.Background(), att.EncodeReadRequest(1))
	s.ErrorIs(err, device.ErrLinkLost, "a request queued behind the unanswered one MUST fail with LinkLost")

	s.Equal(device.StatusConnectionTimeout, s.waitDisconnected())
	s.Equal(device.StateDisconnected, t.State())
	s.ErrorIs(t.LastError(), device.ErrLinkLost)
	s.peripheral.SetDropResponses(false)
}

func (s *TransportTestSuite) TestMalformedAndErrorResponses() {
	s.Require().NoError(s.transport.Connect(context.Background()))

	_, err := s.transport.SendPDU(context.Background(), att.EncodeReadRequest(0x0099))
	s.True(att.IsCode(err, att.ErrInvalidHandle), "error responses MUST surface as *att.Error")

	s.peripheral.SetMalformedResponses(true)
	_, err = s.transport.SendPDU(context.Background(), att.EncodeReadRequest(3))
	s.ErrorIs(err, device.ErrProtocol, "malformed responses MUST fail with ProtocolError")
	s.peripheral.SetMalformedResponses(false)
}

func (s *TransportTestSuite) TestIndicationsAreConfirmed() {
	s.Require().NoError(s.transport.Connect(context.Background()))

	_, err := s.transport.SendPDU(context.Background(), att.EncodeWriteRequest(4, []byte{0x02, 0x00}))
	s.Require().NoError(err)

	sent, err := s.peripheral.Notify("180f", "2a19", []byte{0x42})
	s.Require().NoError(err)
	s.Require().True(sent)

	s.Eventually(func() bool { return s.peripheral.Confirmations() == 1 }, time.Second, time.Millisecond,
		"indication MUST be confirmed")
	s.Eventually(func() bool {
		s.rec.mu.Lock()
		defer s.rec.mu.Unlock()
		return len(s.rec.notifications) == 1
	}, time.Second, time.Millisecond)
}

func (s *TransportTestSuite) TestStaleGenerationIsViolation() {
	s.Require().NoError(s.transport.Connect(context.Background()))
	gen := s.transport.Generation()
	s.transport.Disconnect()
	s.waitDisconnected()

	_, err := s.transport.SendPDUFor(context.Background(), gen, att.EncodeReadRequest(3))
	s.ErrorIs(err, device.ErrContractViolation, "I/O through a torn-down connection MUST be a contract violation")

	s.Require().NoError(s.transport.Connect(context.Background()))
	s.Equal(gen+1, s.transport.Generation())
	_, err = s.transport.SendPDUFor(context.Background(), gen, att.EncodeReadRequest(3))
	s.ErrorIs(err, device.ErrContractViolation)
	_, err = s.transport.SendPDUFor(context.Background(), gen+1, att.EncodeReadRequest(3))
	s.NoError(err)
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}
