// Package transport owns the link to one remote device: the connect and
// disconnect lifecycle, the single outstanding ATT request, indication
// confirmations, and the teardown that runs when the link goes away.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/att"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/host"
	"github.com/srg/gattlink/internal/registry"
)

// Options tunes a Transport. Zero fields take the defaults below.
type Options struct {
	DiscoveryWindow time.Duration `default:"10s"`
	ConnectTimeout  time.Duration `default:"30s"`
	RequestTimeout  time.Duration `default:"30s"`
	// MTU is the ATT_MTU requested after connecting; 23 skips the exchange
	MTU int `default:"247"`
}

// Hooks connect the transport to the layers above it. Every hook runs on
// a transport goroutine and must not block.
type Hooks struct {
	// Connected runs once the link is up, under the transport lock and before
	// any teardown of that connection can start. It must not call back into
	// the Transport.
	Connected func(generation uint64)
	// Notification receives every Handle Value Notification or Indication
	// while the connection is up. Indications are already confirmed.
	Notification func(handle uint16, value []byte, indication bool)
	// Teardown runs first on disconnect, before pending requests are cancelled
	Teardown func()
	// Disconnected runs last on disconnect, exactly once per connection
	Disconnected func(status int)
}

// Transport manages the lifecycle of one Connection
type Transport struct {
	adapter host.Adapter
	addr    device.Address
	opts    Options
	logger  *logrus.Logger
	reg     *registry.Registry[[]byte]

	mu         sync.Mutex
	state      device.ConnectionState
	lastErr    error
	hooks      Hooks
	abort      context.CancelCauseFunc
	sess       *session
	generation uint64
}

// New creates a disconnected transport for addr
func New(adapter host.Adapter, addr device.Address, opts Options, logger *logrus.Logger) *Transport {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	reg := registry.New[[]byte](logger)
	reg.CancelAll(device.ErrNotConnected)
	return &Transport{
		adapter: adapter,
		addr:    addr,
		opts:    opts,
		logger:  logger,
		reg:     reg,
	}
}

// SetHooks installs the hooks used by subsequent connections
func (t *Transport) SetHooks(h Hooks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = h
}

// Registry exposes the pending-operation registry, e.g. to install a violation handler
func (t *Transport) Registry() *registry.Registry[[]byte] {
	return t.reg
}

// Address returns the remote device address
func (t *Transport) Address() device.Address {
	return t.addr
}

// State returns the current connection state
func (t *Transport) State() device.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastError returns the error that ended the last connect attempt or connection
func (t *Transport) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Generation identifies the live connection; it is 0 when disconnected and
// changes on every successful connect
func (t *Transport) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil || t.sess.isClosing() {
		return 0
	}
	return t.sess.gen
}

// MTU returns the ATT_MTU of the live connection, or the default
func (t *Transport) MTU() int {
	t.mu.Lock()
	s := t.sess
	t.mu.Unlock()
	if s == nil {
		return att.DefaultMTU
	}
	return int(s.mtu.Load())
}

// Done returns a channel closed once the current connection is fully torn
// down. It is already closed when there is no connection.
func (t *Transport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.sess.done
}

// Connect opens the link and blocks until the attempt resolves. Only one
// attempt may be in flight: a concurrent call fails at once with
// OperationInProgress and leaves the first attempt alone.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case device.StateConnecting, device.StateDisconnecting:
		state := t.state
		t.mu.Unlock()
		return device.Errorf(device.OperationInProgress, "connect", "connection is %s", state)
	case device.StateConnected:
		t.mu.Unlock()
		return device.Errorf(device.AlreadyConnected, "connect", "already connected to %s", t.addr)
	}

	t.reg.Reopen()
	pending, err := t.reg.Register("connect", 0)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	attemptCtx, abort := context.WithCancelCause(ctx)
	t.state = device.StateConnecting
	t.lastErr = nil
	t.abort = abort
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"address":          t.addr.String(),
		"adapter":          t.addr.Adapter,
		"discovery_window": t.opts.DiscoveryWindow,
		"timeout":          t.opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	groutine.Go(attemptCtx, "transport-connect", func(ctx context.Context) {
		t.runConnect(ctx, pending)
	})

	r := <-pending.Done()
	abort(nil)
	return r.Err
}

func (t *Transport) runConnect(ctx context.Context, pending *registry.Pending[[]byte]) {
	discoverCtx, cancel := context.WithTimeout(ctx, t.opts.DiscoveryWindow)
	err := t.adapter.Discover(discoverCtx, t.addr)
	cancel()
	if err != nil {
		t.failConnect(ctx, pending, t.classifyDiscover(err))
		return
	}

	t.logger.WithField("address", t.addr.String()).Debug("Device seen, dialing...")
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	link, err := t.adapter.Dial(dialCtx, t.addr)
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		t.failConnect(ctx, pending, t.classifyDial(err, timedOut))
		return
	}

	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		_ = link.Close()
		t.failConnect(ctx, pending, context.Cause(ctx))
		return
	}
	t.generation++
	s := newSession(link, t.generation)
	t.sess = s
	t.state = device.StateConnected
	t.abort = nil
	if t.hooks.Connected != nil {
		t.hooks.Connected(s.gen)
	}
	t.mu.Unlock()

	groutine.Go(context.Background(), "transport-reader", func(context.Context) {
		t.readLoop(s)
	})

	if t.opts.MTU > att.DefaultMTU {
		t.exchangeMTU(s)
	}

	t.logger.WithFields(logrus.Fields{
		"address":    t.addr.String(),
		"generation": s.gen,
		"mtu":        s.mtu.Load(),
	}).Info("BLE device connected successfully")

	if err := t.reg.Complete(pending.Key(), nil, nil); err != nil && !errors.Is(err, registry.ErrLate) {
		t.logger.WithField("error", err).Error("Failed to resolve connect")
	}
}

func (t *Transport) classifyDiscover(err error) error {
	switch {
	case errors.Is(err, host.ErrUnavailable):
		return device.NewError(device.AdapterUnavailable, "connect", err)
	case errors.Is(err, host.ErrNotFound), errors.Is(err, context.DeadlineExceeded):
		return &device.Error{
			Kind: device.DeviceNotFound,
			Op:   "connect",
			Msg:  fmt.Sprintf("%s not seen within %s", t.addr, t.opts.DiscoveryWindow),
		}
	default:
		return device.NewError(device.DeviceNotFound, "connect", err)
	}
}

func (t *Transport) classifyDial(err error, timedOut bool) error {
	switch {
	case errors.Is(err, host.ErrUnavailable):
		return device.NewError(device.AdapterUnavailable, "connect", err)
	case errors.Is(err, host.ErrNotFound):
		return device.NewError(device.DeviceNotFound, "connect", err)
	case timedOut:
		return &device.Error{
			Kind: device.ConnectTimeout,
			Op:   "connect",
			Msg:  fmt.Sprintf("handshake with %s did not complete within %s", t.addr, t.opts.ConnectTimeout),
		}
	default:
		return device.NewError(device.ConnectTimeout, "connect", err)
	}
}

// failConnect resolves a failed attempt. An attempt aborted by Disconnect or
// by the caller's context reports that cause instead of the host error.
func (t *Transport) failConnect(ctx context.Context, pending *registry.Pending[[]byte], err error) {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case device.KindOf(cause) != "":
		case errors.Is(cause, context.DeadlineExceeded):
			cause = device.NewError(device.ConnectTimeout, "connect", cause)
		default:
			cause = device.NewError(device.NotConnected, "connect", cause)
		}
		err = cause
	}

	t.mu.Lock()
	t.state = device.StateDisconnected
	t.lastErr = err
	t.abort = nil
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"address": t.addr.String(),
		"error":   err,
	}).Warn("Failed to connect to BLE device")

	if cerr := t.reg.Complete(pending.Key(), nil, err); cerr != nil && !errors.Is(cerr, registry.ErrLate) {
		t.logger.WithField("error", cerr).Error("Failed to resolve connect")
	}
}

func (t *Transport) exchangeMTU(s *session) {
	ctx := context.Background()
	rsp, err := t.sendRequest(ctx, s, att.EncodeExchangeMTURequest(uint16(t.opts.MTU)))
	if err != nil {
		t.logger.WithField("error", err).Warn("MTU exchange failed, keeping default MTU")
		return
	}
	serverMTU, err := att.DecodeExchangeMTUResponse(rsp)
	if err != nil {
		t.logger.WithField("error", err).Warn("Malformed MTU exchange response, keeping default MTU")
		return
	}
	mtu := min(t.opts.MTU, int(serverMTU))
	if mtu < att.DefaultMTU {
		mtu = att.DefaultMTU
	}
	s.mtu.Store(int32(mtu))
}

// Disconnect starts tearing the connection down and returns at once. The
// disconnect hook reports completion with status 0. While connecting, the
// attempt is aborted and Connect fails with NotConnected.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	switch t.state {
	case device.StateConnecting:
		abort := t.abort
		t.mu.Unlock()
		t.logger.WithField("address", t.addr.String()).Info("Aborting connect attempt")
		if abort != nil {
			abort(device.Errorf(device.NotConnected, "connect", "aborted by disconnect"))
		}
		return
	case device.StateConnected:
	default:
		t.mu.Unlock()
		t.logger.Debug("Disconnect called but already disconnected")
		return
	}

	s := t.sess
	t.state = device.StateDisconnecting
	s.userClose.Store(true)
	s.beginClose()
	t.mu.Unlock()

	t.logger.WithField("address", t.addr.String()).Info("Disconnecting BLE device...")

	groutine.Go(context.Background(), "transport-disconnect", func(context.Context) {
		if err := s.link.Close(); err != nil {
			t.logger.WithField("error", err).Warn("Link close reported an error")
		}
		t.teardown(s, device.StatusUserInitiated)
	})
}

// teardown runs once per session, in order: refuse new requests, run the
// teardown hook, cancel pending requests with LinkLost, mark the transport
// disconnected, and finally deliver the disconnect status.
func (t *Transport) teardown(s *session, status int) {
	s.teardownOnce.Do(func() {
		t.mu.Lock()
		if t.sess == s {
			t.state = device.StateDisconnecting
		}
		hooks := t.hooks
		t.mu.Unlock()
		s.beginClose()

		if s.userClose.Load() {
			status = device.StatusUserInitiated
		} else if status == device.StatusUserInitiated {
			status = device.StatusConnectionTimeout
		}

		t.logger.WithFields(logrus.Fields{
			"address":    t.addr.String(),
			"generation": s.gen,
			"status":     status,
		}).Info("Tearing down BLE connection")

		if hooks.Teardown != nil {
			hooks.Teardown()
		}

		lost := device.Errorf(device.LinkLost, "teardown", "connection to %s closed (status 0x%02x)", t.addr.MAC, status)
		t.reg.CancelAll(lost)

		t.mu.Lock()
		if t.sess == s {
			t.sess = nil
			t.state = device.StateDisconnected
			if status != device.StatusUserInitiated {
				t.lastErr = lost
			}
		}
		t.mu.Unlock()

		close(s.done)
		if s.link != nil {
			_ = s.link.Close()
		}

		t.logger.WithField("status", status).Info("BLE device disconnected")
		if hooks.Disconnected != nil {
			hooks.Disconnected(status)
		}
	})
}

func (t *Transport) readLoop(s *session) {
	for {
		select {
		case pdu, ok := <-s.link.Inbound():
			if !ok {
				t.teardown(s, s.link.Reason())
				return
			}
			t.handleInbound(s, pdu)
		case <-s.link.Disconnected():
			t.teardown(s, s.link.Reason())
			return
		case <-s.done:
			return
		}
	}
}

func (t *Transport) handleInbound(s *session, pdu []byte) {
	if len(pdu) == 0 {
		return
	}
	op := att.Opcode(pdu[0])

	if op.IsServerInitiated() {
		handle, value, err := att.DecodeHandleValue(pdu)
		if err != nil {
			t.logger.WithField("error", err).Warn("Dropping malformed notification")
			return
		}
		indication := op == att.HandleValueIndication
		if indication {
			if err := s.link.Send(att.EncodeHandleValueConfirmation()); err != nil {
				t.logger.WithField("error", err).Warn("Failed to confirm indication")
				go t.teardown(s, s.link.Reason())
				return
			}
		}
		if s.isClosing() {
			return
		}
		t.mu.Lock()
		deliver := t.hooks.Notification
		t.mu.Unlock()
		if deliver != nil {
			deliver(handle, value, indication)
		}
		return
	}

	if _, isRequest := att.ResponseFor(op); isRequest {
		// Server to client requests are not part of the client role
		_ = s.link.Send(att.EncodeErrorResponse(op, 0, att.ErrRequestNotSupported))
		return
	}
	if op.IsCommand() || op == att.HandleValueConfirmation {
		return
	}

	p, late := s.takeResponse()
	if late {
		t.logger.WithField("opcode", op.String()).Debug("Dropping late response to a timed-out request")
		return
	}
	if p == nil {
		t.logger.WithField("opcode", op.String()).Warn("Dropping response with no request in flight")
		return
	}
	if err := t.reg.Complete(p.Key(), pdu, nil); err != nil && !errors.Is(err, registry.ErrLate) {
		t.logger.WithField("error", err).Error("Failed to resolve ATT request")
	}
}

// activeSession returns the live session or NotConnected
func (t *Transport) activeSession(op string) (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil || t.sess.isClosing() || t.state != device.StateConnected {
		return nil, device.Errorf(device.NotConnected, op, "no connection to %s", t.addr.MAC)
	}
	return t.sess, nil
}

// SendPDU sends one ATT PDU. Requests wait for their response, which is
// returned as-is; an Error Response also yields a *att.Error. Commands return
// as soon as they are handed to the link. ctx bounds only the wait for the
// bearer; once sent, a request resolves by response, RequestTimeout, or
// teardown.
func (t *Transport) SendPDU(ctx context.Context, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, device.Violationf("send", "empty PDU")
	}
	op := att.Opcode(pdu[0])
	s, err := t.activeSession(op.String())
	if err != nil {
		return nil, err
	}
	if _, expects := att.ResponseFor(op); !expects {
		return nil, t.sendCommand(s, pdu)
	}
	return t.sendRequest(ctx, s, pdu)
}

// SendPDUFor is SendPDU bound to the connection identified by gen. While
// that connection is tearing down requests fail with NotConnected; once it
// is gone, using it is a contract violation.
func (t *Transport) SendPDUFor(ctx context.Context, gen uint64, pdu []byte) ([]byte, error) {
	t.mu.Lock()
	s := t.sess
	t.mu.Unlock()
	if s == nil || s.gen != gen {
		err := device.Violationf("send", "characteristic belongs to connection %d, which is closed", gen)
		t.logger.WithField("error", err).Error("Stale characteristic used")
		return nil, err
	}
	return t.SendPDU(ctx, pdu)
}

func (t *Transport) sendCommand(s *session, pdu []byte) error {
	op := att.Opcode(pdu[0])
	if err := s.link.Send(pdu); err != nil {
		lost := device.NewError(device.LinkLost, op.String(), err)
		go t.teardown(s, s.link.Reason())
		return lost
	}
	return nil
}

func (t *Transport) sendRequest(ctx context.Context, s *session, pdu []byte) ([]byte, error) {
	op := att.Opcode(pdu[0])

	// The slot exists from the moment the request is issued, so teardown
	// resolves queued requests too.
	p, err := t.reg.Register(op.String(), requestHandle(pdu))
	if err != nil {
		return nil, err
	}

	select {
	case s.sem <- struct{}{}:
	case r := <-p.Done():
		return nil, r.Err
	case <-ctx.Done():
		_ = t.reg.Complete(p.Key(), nil, ctx.Err())
		r := <-p.Done()
		return nil, r.Err
	}
	// After a timeout the bearer stays held until drainLate releases it
	held := true
	defer func() {
		if held {
			<-s.sem
		}
	}()

	s.setInflight(p)

	t.logger.WithFields(logrus.Fields{
		"opcode": op.String(),
		"handle": p.Handle(),
		"key":    p.Key(),
	}).Debug("Sending ATT request")

	if err := s.link.Send(pdu); err != nil {
		lost := device.NewError(device.LinkLost, op.String(), err)
		if s.releaseInflight(p) {
			_ = t.reg.Complete(p.Key(), nil, lost)
		}
		go t.teardown(s, s.link.Reason())
		r := <-p.Done()
		return nil, r.Err
	}

	timer := time.NewTimer(t.opts.RequestTimeout)
	defer timer.Stop()

	var r registry.Result[[]byte]
	select {
	case r = <-p.Done():
	case <-timer.C:
		if late, ok := s.expireInflight(p); ok {
			timeout := device.Errorf(device.Timeout, op.String(), "no response within %s", t.opts.RequestTimeout)
			_ = t.reg.Complete(p.Key(), nil, timeout)
			t.logger.WithFields(logrus.Fields{
				"opcode":  op.String(),
				"timeout": t.opts.RequestTimeout,
			}).Warn("ATT request timed out")
			held = false
			t.drainLate(s, op, late)
		}
		r = <-p.Done()
	}
	if r.Err != nil {
		return nil, r.Err
	}

	if err := att.CheckResponse(op, r.Value); err != nil {
		var attErr *att.Error
		if errors.As(err, &attErr) {
			return r.Value, attErr
		}
		return nil, device.NewError(device.ProtocolError, op.String(), err)
	}
	return r.Value, nil
}

// drainLate keeps the bearer blocked until the response owed to a timed-out
// request arrives and is dropped. A peer that stays silent for another
// RequestTimeout can no longer be used, so the link is torn down.
func (t *Transport) drainLate(s *session, op att.Opcode, late <-chan struct{}) {
	groutine.Go(context.Background(), "transport-drain", func(context.Context) {
		defer func() { <-s.sem }()

		timer := time.NewTimer(t.opts.RequestTimeout)
		defer timer.Stop()
		select {
		case <-late:
		case <-s.closing:
		case <-timer.C:
			t.logger.WithFields(logrus.Fields{
				"opcode":  op.String(),
				"address": t.addr.String(),
			}).Warn("Peer never answered a timed-out request, closing the link")
			t.teardown(s, device.StatusConnectionTimeout)
		}
	})
}

// requestHandle extracts the target handle of handle-addressed requests, for logs
func requestHandle(pdu []byte) uint16 {
	switch att.Opcode(pdu[0]) {
	case att.ReadRequest, att.ReadBlobRequest, att.WriteRequest, att.PrepareWriteRequest:
		if len(pdu) >= 3 {
			return binary.LittleEndian.Uint16(pdu[1:])
		}
	}
	return 0
}
