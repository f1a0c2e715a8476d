// Package client is the GATT client facade. It composes the transport, the
// attribute cache and the notification dispatcher of one connection and
// translates their failures into the device error taxonomy.
package client

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/att"
	"github.com/srg/gattlink/internal/cache"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/dispatch"
	"github.com/srg/gattlink/internal/host"
	"github.com/srg/gattlink/internal/transport"
	"github.com/srg/gattlink/pkg/config"
)

// Options configures a Client
type Options struct {
	Transport     transport.Options
	Dispatch      dispatch.Options
	ServiceLookup cache.Policy
	// OnViolation receives contract violations; nil logs them at error level
	OnViolation func(error)
}

// OptionsFromConfig maps the application configuration onto client options
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	policy, err := cache.ParsePolicy(cfg.ServiceLookup)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Transport: transport.Options{
			DiscoveryWindow: cfg.DiscoveryWindow,
			ConnectTimeout:  cfg.ConnectTimeout,
			RequestTimeout:  cfg.RequestTimeout,
			MTU:             cfg.MTU,
		},
		Dispatch:      dispatch.Options{Buffer: uint32(cfg.NotificationBuffer)},
		ServiceLookup: policy,
	}, nil
}

// Client talks GATT to one remote device
type Client struct {
	transport  *transport.Transport
	cache      *cache.Cache
	dispatcher *dispatch.Dispatcher
	logger     *logrus.Logger
}

// New creates a disconnected client for addr on adapter
func New(adapter host.Adapter, addr device.Address, opts Options, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	t := transport.New(adapter, addr, opts.Transport, logger)
	c := &Client{
		transport:  t,
		cache:      cache.New(t, opts.ServiceLookup, logger),
		dispatcher: dispatch.New(t, opts.Dispatch, logger),
		logger:     logger,
	}
	if opts.OnViolation != nil {
		t.Registry().OnViolation(opts.OnViolation)
	}

	t.SetHooks(transport.Hooks{
		Connected: func(gen uint64) {
			c.cache.Bind(gen)
			c.dispatcher.Open()
		},
		Notification: c.dispatcher.Deliver,
		// the cache and listeners go before pending requests fail, so nobody
		// woken by LinkLost observes stale entries
		Teardown: func() {
			c.cache.Clear()
			c.dispatcher.DetachAll()
		},
		Disconnected: c.dispatcher.Disconnected,
	})
	return c
}

// Address returns the remote device address
func (c *Client) Address() device.Address {
	return c.transport.Address()
}

// State returns the connection state
func (c *Client) State() device.ConnectionState {
	return c.transport.State()
}

// LastError returns the error that ended the last connection attempt or connection
func (c *Client) LastError() error {
	return c.transport.LastError()
}

// MTU returns the negotiated ATT_MTU
func (c *Client) MTU() int {
	return c.transport.MTU()
}

// Connect opens the connection and blocks until it is up or has failed with
// DeviceNotFound, ConnectTimeout, OperationInProgress, AlreadyConnected or
// AdapterUnavailable.
func (c *Client) Connect(ctx context.Context) error {
	return translate("connect", c.transport.Connect(ctx))
}

// Disconnect starts closing the connection. Completion is reported to the
// OnDisconnect listeners with status 0.
func (c *Client) Disconnect() {
	c.transport.Disconnect()
}

// Close disconnects and waits until teardown and every listener worker are done
func (c *Client) Close() {
	c.transport.Disconnect()
	<-c.transport.Done()
	c.dispatcher.Wait()
}

// Done is closed once the current connection is fully torn down
func (c *Client) Done() <-chan struct{} {
	return c.transport.Done()
}

// OnDisconnect registers fn for the disconnect event. It runs exactly once
// per disconnect, after the cache is cleared and pending operations have
// failed with LinkLost. The returned function removes it.
func (c *Client) OnDisconnect(fn func(status int)) (remove func()) {
	return c.dispatcher.OnDisconnect(fn)
}

// FindCharacteristic returns a characteristic that was already discovered,
// without any I/O. Absent means not discovered yet.
func (c *Client) FindCharacteristic(uuid string) (*device.Characteristic, bool) {
	canonical, err := device.NormalizeUUID(uuid)
	if err != nil {
		return nil, false
	}
	return c.cache.Find(canonical)
}

// FindCharacteristicAsync returns characteristic uuid of service, running
// discovery when it is not cached. It fails with ServiceNotFound or
// CharacteristicNotFound when the device has no such attribute.
func (c *Client) FindCharacteristicAsync(ctx context.Context, service, uuid string) (*device.Characteristic, error) {
	svc, chr, err := normalizePair("find characteristic", service, uuid)
	if err != nil {
		return nil, err
	}
	ch, err := c.cache.Discover(ctx, svc, chr)
	return ch, translate("find characteristic", err)
}

// ServiceExists reports whether the device exposes the primary service uuid,
// following the configured lookup policy.
func (c *Client) ServiceExists(ctx context.Context, uuid string) (bool, error) {
	svc, err := device.NormalizeUUID(uuid)
	if err != nil {
		return false, device.Violationf("service exists", "invalid service UUID %q: %v", uuid, err)
	}
	ok, err := c.cache.HasService(ctx, svc)
	return ok, translate("service exists", err)
}

// Services enumerates the primary services of the device
func (c *Client) Services(ctx context.Context) ([]device.Service, error) {
	services, err := c.cache.DiscoverServices(ctx)
	return services, translate("services", err)
}

// Characteristics discovers and returns every characteristic of the device
func (c *Client) Characteristics(ctx context.Context) ([]*device.Characteristic, error) {
	chars, err := c.cache.DiscoverAll(ctx)
	return chars, translate("characteristics", err)
}

// Read returns the value of ch, following with Read Blob requests while the
// value fills the response.
func (c *Client) Read(ctx context.Context, ch *device.Characteristic) ([]byte, error) {
	if ch == nil {
		return nil, device.Violationf("read", "nil characteristic")
	}
	rsp, err := c.transport.SendPDUFor(ctx, ch.Generation, att.EncodeReadRequest(ch.ValueHandle))
	if err != nil {
		return nil, translate("read", err)
	}
	value, err := att.DecodeReadResponse(att.ReadRequest, rsp)
	if err != nil {
		return nil, device.NewError(device.ProtocolError, "read", err)
	}

	chunk := c.transport.MTU() - 1
	for len(value) > 0 && len(value)%chunk == 0 && len(value) < maxAttributeLength {
		rsp, err := c.transport.SendPDUFor(ctx, ch.Generation, att.EncodeReadBlobRequest(ch.ValueHandle, uint16(len(value))))
		var attErr *att.Error
		if errors.As(err, &attErr) && (attErr.Code == att.ErrAttributeNotLong || attErr.Code == att.ErrInvalidOffset) {
			break
		}
		if err != nil {
			return nil, translate("read", err)
		}
		part, err := att.DecodeReadResponse(att.ReadBlobRequest, rsp)
		if err != nil {
			return nil, device.NewError(device.ProtocolError, "read", err)
		}
		value = append(value, part...)
		if len(part) < chunk {
			break
		}
	}

	c.logger.WithFields(logrus.Fields{
		"char_uuid": ch.UUID,
		"bytes":     len(value),
	}).Debug("Characteristic read")
	return value, nil
}

// maxAttributeLength is the largest attribute value ATT allows
const maxAttributeLength = 512

// Write writes value to ch with a Write Request, or a Write Command when
// withResponse is false.
func (c *Client) Write(ctx context.Context, ch *device.Characteristic, value []byte, withResponse bool) error {
	if ch == nil {
		return device.Violationf("write", "nil characteristic")
	}
	if limit := c.transport.MTU() - 3; len(value) > limit {
		return device.Errorf(device.ProtocolError, "write", "value of %d bytes exceeds the %d bytes one write can carry", len(value), limit)
	}

	pdu := att.EncodeWriteCommand(ch.ValueHandle, value)
	if withResponse {
		pdu = att.EncodeWriteRequest(ch.ValueHandle, value)
	}
	rsp, err := c.transport.SendPDUFor(ctx, ch.Generation, pdu)
	if err != nil {
		return translate("write", err)
	}
	if withResponse {
		if err := att.DecodeWriteResponse(rsp); err != nil {
			return device.NewError(device.ProtocolError, "write", err)
		}
	}
	c.logger.WithFields(logrus.Fields{
		"char_uuid":     ch.UUID,
		"bytes":         len(value),
		"with_response": withResponse,
	}).Debug("Characteristic written")
	return nil
}

// Subscribe enables notifications or indications on ch and delivers every
// following value change to listener, in arrival order, until Unsubscribe
// or disconnect.
func (c *Client) Subscribe(ctx context.Context, ch *device.Characteristic, listener dispatch.Listener, mode dispatch.Mode) error {
	return translate("subscribe", c.dispatcher.Subscribe(ctx, ch, listener, mode))
}

// Unsubscribe stops the deliveries to the listener of ch and clears its CCCD
func (c *Client) Unsubscribe(ctx context.Context, ch *device.Characteristic) error {
	return translate("unsubscribe", c.dispatcher.Unsubscribe(ctx, ch))
}

// SubscriptionStats returns the delivery counters of the subscription on ch
func (c *Client) SubscriptionStats(ch *device.Characteristic) (dispatch.Stats, bool) {
	return c.dispatcher.Stats(ch)
}

func normalizePair(op, service, uuid string) (string, string, error) {
	svc, err := device.NormalizeUUID(service)
	if err != nil {
		return "", "", device.Violationf(op, "invalid service UUID %q: %v", service, err)
	}
	chr, err := device.NormalizeUUID(uuid)
	if err != nil {
		return "", "", device.Violationf(op, "invalid characteristic UUID %q: %v", uuid, err)
	}
	return svc, chr, nil
}

// translate maps a lower-layer failure onto the facade taxonomy. Classified
// errors and contract violations pass through unchanged.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if device.KindOf(err) != "" || errors.Is(err, device.ErrContractViolation) {
		return err
	}

	var attErr *att.Error
	switch {
	case errors.As(err, &attErr):
		if attErr.Code == att.ErrInvalidHandle || attErr.Code == att.ErrAttributeNotFound {
			return device.NewError(device.CharacteristicNotFound, op, attErr)
		}
		return device.NewError(device.ProtocolError, op, attErr)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return device.NewError(device.Timeout, op, err)
	default:
		return device.NewError(device.ProtocolError, op, err)
	}
}
