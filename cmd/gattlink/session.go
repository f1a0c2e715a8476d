package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattlink/internal/client"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/host"
	"github.com/srg/gattlink/internal/host/goble"
	"github.com/srg/gattlink/internal/host/sim"
	"github.com/srg/gattlink/pkg/config"
)

// AdapterFactory opens the host adapter for a command (can be overridden in tests)
var AdapterFactory = func(cfg *config.Config, simulate string, logger *logrus.Logger) (host.Adapter, error) {
	if simulate != "" {
		profile, err := sim.LoadProfile(simulate)
		if err != nil {
			return nil, err
		}
		p, err := sim.NewPeripheral(profile, logger)
		if err != nil {
			return nil, err
		}
		return sim.NewAdapter(logger, p), nil
	}

	id, err := goble.ParseDeviceID(cfg.Adapter)
	if err != nil {
		return nil, err
	}
	adapter, err := goble.Open(goble.Options{DeviceID: id}, logger)
	if err != nil {
		return nil, device.NewError(device.AdapterUnavailable, "open adapter", err)
	}
	return adapter, nil
}

const disconnectEventWait = 2 * time.Second

// session is one connected client for the duration of a command
type session struct {
	client  *client.Client
	adapter host.Adapter
	logger  *logrus.Logger

	status chan int
}

// loadConfig reads --config and applies the flag overrides on top
func loadConfig(cmd *cobra.Command) (*config.Config, bool, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, false, err
	}
	if s, _ := cmd.Flags().GetString("adapter"); s != "" {
		cfg.Adapter = s
	}
	if s, _ := cmd.Flags().GetString("addr-type"); s != "" {
		cfg.AddressType = s
	}
	return cfg, path != "", nil
}

// openSession connects to the device named by address
func openSession(cmd *cobra.Command, address string) (*session, error) {
	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg, fromFile)
	if err != nil {
		return nil, err
	}

	typ, err := device.ParseAddressType(cfg.AddressType)
	if err != nil {
		return nil, err
	}
	addr, err := device.ParseAddress(address, typ, cfg.Adapter)
	if err != nil {
		return nil, err
	}
	opts, err := client.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	// arguments are valid from here on
	cmd.SilenceUsage = true

	simulate, _ := cmd.Flags().GetString("simulate")
	adapter, err := AdapterFactory(cfg, simulate, logger)
	if err != nil {
		return nil, err
	}

	s := &session{
		client:  client.New(adapter, addr, opts, logger),
		adapter: adapter,
		logger:  logger,
		status:  make(chan int, 1),
	}
	s.client.OnDisconnect(func(status int) {
		select {
		case s.status <- status:
		default:
		}
	})

	progress := NewProgressPrinter(os.Stderr, fmt.Sprintf("Connecting to %s", addr))
	progress.Start()
	err = s.client.Connect(cmd.Context())
	progress.Stop()
	if err != nil {
		_ = adapter.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"address": addr.String(),
		"mtu":     s.client.MTU(),
	}).Info("Connected")
	return s, nil
}

// Close disconnects and returns the status reported to the disconnect listener
func (s *session) Close() int {
	s.client.Close()
	defer func() {
		if err := s.adapter.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close adapter")
		}
	}()

	// the listener runs right after teardown completes
	select {
	case status := <-s.status:
		return status
	case <-time.After(disconnectEventWait):
		s.logger.Warn("No disconnect event received")
		return -1
	}
}

// characteristic resolves --char, within --service when it is given and
// across the whole device otherwise
func (s *session) characteristic(ctx context.Context, service, uuid string) (*device.Characteristic, error) {
	if uuid == "" {
		return nil, fmt.Errorf("characteristic UUID required: use --char")
	}
	if service != "" {
		return s.client.FindCharacteristicAsync(ctx, service, uuid)
	}

	canonical, err := device.NormalizeUUID(uuid)
	if err != nil {
		return nil, err
	}
	chars, err := s.client.Characteristics(ctx)
	if err != nil {
		return nil, err
	}
	var found []*device.Characteristic
	for _, ch := range chars {
		if ch.UUID == canonical {
			found = append(found, ch)
		}
	}
	switch len(found) {
	case 0:
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{"*", uuid}}
	case 1:
		return found[0], nil
	}
	services := make([]string, 0, len(found))
	for _, ch := range found {
		services = append(services, device.ShortUUID(ch.ServiceUUID))
	}
	return nil, fmt.Errorf("characteristic %s is ambiguous, found in services %s: use --service", uuid, strings.Join(services, ", "))
}
