// Package goble is the host adapter for real radios, built on go-ble. go-ble
// only exposes a high-level GATT client, so every dialed device is mirrored
// into an attserver database and the client core talks ATT to that mirror.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/host"
)

// Options selects and tunes the host controller
type Options struct {
	// DeviceID is the HCI index on Linux (0 for hci0)
	DeviceID int
	// InboundBuffer is the capacity of each link's inbound PDU channel
	InboundBuffer int `default:"256"`
}

// ParseDeviceID accepts "", "hci1" or "1"
func ParseDeviceID(adapter string) (int, error) {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(adapter)), "hci")
	if s == "" {
		return 0, nil
	}
	var id int
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil || id < 0 || fmt.Sprint(id) != s {
		return 0, fmt.Errorf("invalid adapter %q: expected hciN or N", adapter)
	}
	return id, nil
}

// Adapter is a host.Adapter over one go-ble device
type Adapter struct {
	dev    ble.Device
	opts   Options
	logger *logrus.Logger

	mu     sync.Mutex
	links  map[*link]struct{}
	closed bool
}

var _ host.Adapter = (*Adapter)(nil)

// Open initializes the platform controller
func Open(opts Options, logger *logrus.Logger) (*Adapter, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 0
		defaults.SetDefaults(&opts)
	}
	dev, err := newDevice(opts)
	if err != nil {
		logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, NormalizeError(err)
	}
	logger.WithField("device_id", opts.DeviceID).Debug("BLE host controller opened")
	return &Adapter{dev: dev, opts: opts, logger: logger, links: make(map[*link]struct{})}, nil
}

// Discover scans until addr advertises or ctx ends
func (a *Adapter) Discover(ctx context.Context, addr device.Address) error {
	if err := a.usable(); err != nil {
		return err
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	found := false
	err := a.dev.Scan(scanCtx, true, func(adv ble.Advertisement) {
		if !addr.Matches(adv.Addr().String()) {
			return
		}
		once.Do(func() {
			found = true
			a.logger.WithFields(logrus.Fields{
				"address": addr.String(),
				"rssi":    adv.RSSI(),
				"name":    adv.LocalName(),
			}).Debug("Advertisement seen")
			cancel()
		})
	})
	if found {
		return nil
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return NormalizeError(err)
	}
	return host.ErrNotFound
}

// Dial connects, mirrors the remote profile and returns its ATT link. ctx
// bounds both the connection and profile discovery.
func (a *Adapter) Dial(ctx context.Context, addr device.Address) (host.Link, error) {
	if err := a.usable(); err != nil {
		return nil, err
	}

	a.logger.WithField("address", addr.String()).Debug("Dialing BLE device...")
	client, err := a.dev.Dial(ctx, dialAddr(addr))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to connect to device %q: %w", addr.MAC, NormalizeError(err))
	}

	profile, err := discoverProfile(ctx, client)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			a.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection after profile discovery failure")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	l, err := newLink(client, profile, a.opts.InboundBuffer, a.logger, a.forget)
	if err != nil {
		_ = client.CancelConnection()
		return nil, err
	}

	a.mu.Lock()
	a.links[l] = struct{}{}
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"address":         addr.String(),
		"services":        len(profile.Services),
		"characteristics": len(l.server.DB().Characteristics()),
	}).Info("BLE device connected")
	return l, nil
}

// Close drops every open link and stops the controller
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	links := make([]*link, 0, len(a.links))
	for l := range a.links {
		links = append(links, l)
	}
	a.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	return NormalizeError(a.dev.Stop())
}

func (a *Adapter) usable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("%w: adapter closed", host.ErrUnavailable)
	}
	return nil
}

func (a *Adapter) forget(l *link) {
	a.mu.Lock()
	delete(a.links, l)
	a.mu.Unlock()
}

// discoverProfile runs the blocking go-ble discovery under ctx
func discoverProfile(ctx context.Context, client ble.Client) (*ble.Profile, error) {
	type result struct {
		p   *ble.Profile
		err error
	}
	done := make(chan result, 1)
	groutine.Go(context.Background(), "goble-discover-profile", func(context.Context) {
		p, err := client.DiscoverProfile(true)
		done <- result{p, err}
	})

	select {
	case r := <-done:
		return r.p, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
