package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/host"
)

// Adapter is a simulated host controller with any number of peripherals in range
type Adapter struct {
	logger *logrus.Logger

	mu          sync.Mutex
	peripherals []*Peripheral
	powered     bool
	closed      bool
}

var _ host.Adapter = (*Adapter)(nil)

// NewAdapter creates a powered adapter with the given peripherals in range
func NewAdapter(logger *logrus.Logger, peripherals ...*Peripheral) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{logger: logger, peripherals: peripherals, powered: true}
}

// Add puts another peripheral in range
func (a *Adapter) Add(p *Peripheral) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peripherals = append(a.peripherals, p)
}

// SetPowered simulates turning the controller on or off
func (a *Adapter) SetPowered(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.powered = on
}

func (a *Adapter) lookup(addr device.Address) (*Peripheral, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || !a.powered {
		return nil, fmt.Errorf("%w: simulated adapter is off", host.ErrUnavailable)
	}
	for _, p := range a.peripherals {
		if p.addr.Matches(addr.MAC) && p.addr.Type == addr.Type && !p.unreachable.Load() {
			return p, nil
		}
	}
	return nil, nil
}

// Discover returns as soon as a matching, reachable peripheral is in range.
// Peripherals added while it waits are picked up.
func (a *Adapter) Discover(ctx context.Context, addr device.Address) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		p, err := a.lookup(addr)
		if err != nil {
			return err
		}
		if p != nil {
			a.logger.WithField("address", addr.String()).Debug("Simulated advertisement seen")
			return nil
		}
		select {
		case <-ctx.Done():
			return host.ErrNotFound
		case <-ticker.C:
		}
	}
}

// Dial connects to a peripheral after its connect delay
func (a *Adapter) Dial(ctx context.Context, addr device.Address) (host.Link, error) {
	p, err := a.lookup(addr)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, host.ErrNotFound
	}

	if d := time.Duration(p.connectDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.connect()
}

// Close turns the adapter off for good and drops every link
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.closed = true
	peripherals := append([]*Peripheral(nil), a.peripherals...)
	a.mu.Unlock()

	for _, p := range peripherals {
		p.DropLink(0x16)
	}
	return nil
}
