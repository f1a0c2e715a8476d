// Package cache holds the GATT attributes discovered on one connection and
// runs the discovery procedures that populate it.
//
// The cache has a fast synchronous path (Find, FindIn) that never touches the
// link, and an asynchronous path (Discover, HasService, DiscoverServices)
// that issues ATT discovery requests through a Requester. Entries belong to
// the connection generation passed to Bind and disappear with Clear.
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Requester sends one ATT request and returns the response PDU. A well-formed
// Error Response is returned as *att.Error.
type Requester interface {
	SendPDU(ctx context.Context, pdu []byte) ([]byte, error)
}

// Policy decides whether HasService may answer from a prior enumeration
type Policy string

const (
	// PolicyCached trusts services already known on this connection
	PolicyCached Policy = "cached"
	// PolicyFresh asks the device every time
	PolicyFresh Policy = "fresh"
)

// ParsePolicy accepts "cached", "fresh" or "" (cached)
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyCached:
		return PolicyCached, nil
	case PolicyFresh:
		return PolicyFresh, nil
	default:
		return "", fmt.Errorf("unknown service lookup policy %q (want %q or %q)", s, PolicyCached, PolicyFresh)
	}
}

type serviceEntry struct {
	svc device.Service
	// resolved is set once every characteristic of the service is in the cache
	resolved bool
}

// Cache is the per-connection attribute arena
type Cache struct {
	req    Requester
	policy Policy
	logger *logrus.Logger

	// discovery serializes discovery procedures so two callers never
	// enumerate the same service twice
	discovery sync.Mutex

	mu         sync.Mutex
	gen        uint64
	services   *orderedmap.OrderedMap[string, *serviceEntry]
	chars      *orderedmap.OrderedMap[string, *device.Characteristic]
	enumerated bool
}

// New creates an unbound cache
func New(req Requester, policy Policy, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.New()
	}
	if policy == "" {
		policy = PolicyCached
	}
	return &Cache{
		req:      req,
		policy:   policy,
		logger:   logger,
		services: orderedmap.New[string, *serviceEntry](),
		chars:    orderedmap.New[string, *device.Characteristic](),
	}
}

// Policy returns the HasService policy in effect
func (c *Cache) Policy() Policy {
	return c.policy
}

// Bind empties the cache and attaches it to the connection generation gen
func (c *Cache) Bind(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	c.gen = gen
}

// Clear drops every entry at once. It performs no I/O; discovery results
// that arrive afterwards are discarded.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.chars.Len()
	c.reset()
	c.gen = 0
	c.logger.WithField("characteristics", n).Debug("Attribute cache cleared")
}

func (c *Cache) reset() {
	c.services = orderedmap.New[string, *serviceEntry]()
	c.chars = orderedmap.New[string, *device.Characteristic]()
	c.enumerated = false
}

// Generation returns the bound connection generation, 0 when cleared
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Len returns the number of cached characteristics
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chars.Len()
}

// Find returns the first discovered characteristic with the given canonical
// UUID, in any service. Absent means not discovered yet, not absent on the device.
func (c *Cache) Find(uuid string) (*device.Characteristic, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pair := c.chars.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.UUID == uuid {
			return pair.Value, true
		}
	}
	return nil, false
}

// FindIn returns the cached characteristic uuid of service svc
func (c *Cache) FindIn(svc, uuid string) (*device.Characteristic, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chars.Get(device.CharacteristicKey(svc, uuid))
}

// Services returns the known services in discovery order
func (c *Cache) Services() []device.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]device.Service, 0, c.services.Len())
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.svc)
	}
	return out
}

// Characteristics returns the cached characteristics in discovery order
func (c *Cache) Characteristics() []*device.Characteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*device.Characteristic, 0, c.chars.Len())
	for pair := c.chars.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// snapshot returns the bound generation, or NotConnected when cleared
func (c *Cache) snapshot(op string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == 0 {
		return 0, device.Errorf(device.NotConnected, op, "attribute cache is not bound to a connection")
	}
	return c.gen, nil
}

// check fails with LinkLost when the connection gen was torn down after the
// operation was issued
func (c *Cache) check(op string, gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return device.Errorf(device.LinkLost, op, "connection closed during discovery")
	}
	return nil
}

// commit runs fn under the cache lock if gen is still bound
func (c *Cache) commit(op string, gen uint64, fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		c.logger.WithFields(logrus.Fields{
			"op":         op,
			"generation": gen,
		}).Warn("Dropping discovery result for a closed connection")
		return device.Errorf(device.LinkLost, op, "connection closed during discovery")
	}
	fn()
	return nil
}

// Discover returns characteristic uuid of service svc, running service and
// characteristic discovery when it is not cached yet. Both UUIDs must be canonical.
func (c *Cache) Discover(ctx context.Context, svc, uuid string) (*device.Characteristic, error) {
	if ch, ok := c.FindIn(svc, uuid); ok {
		return ch, nil
	}

	gen, err := c.snapshot("discover")
	if err != nil {
		return nil, err
	}

	c.discovery.Lock()
	defer c.discovery.Unlock()

	if err := c.check("discover", gen); err != nil {
		return nil, err
	}
	// another caller may have finished the same discovery while we waited
	if ch, ok := c.FindIn(svc, uuid); ok {
		return ch, nil
	}

	entry, err := c.service(ctx, gen, svc)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{svc}}
	}

	if !entry.resolved {
		if err := c.discoverCharacteristics(ctx, gen, entry); err != nil {
			return nil, err
		}
	}

	if ch, ok := c.FindIn(svc, uuid); ok {
		return ch, nil
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svc, uuid}}
}

// HasService reports whether the device exposes the primary service uuid.
// Under PolicyCached a service already known on this connection answers
// locally; anything else asks the device, whose negative answer is final.
func (c *Cache) HasService(ctx context.Context, uuid string) (bool, error) {
	gen, err := c.snapshot("has service")
	if err != nil {
		return false, err
	}

	if c.policy == PolicyCached {
		c.mu.Lock()
		_, known := c.services.Get(uuid)
		enumerated := c.enumerated
		c.mu.Unlock()
		if known {
			return true, nil
		}
		if enumerated {
			return false, nil
		}
	}

	c.discovery.Lock()
	defer c.discovery.Unlock()

	if err := c.check("has service", gen); err != nil {
		return false, err
	}
	svc, found, err := c.findService(ctx, uuid)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	err = c.commit("has service", gen, func() {
		if _, ok := c.services.Get(uuid); !ok {
			c.services.Set(uuid, &serviceEntry{svc: svc})
		}
	})
	return err == nil, err
}

// DiscoverServices enumerates every primary service on the device
func (c *Cache) DiscoverServices(ctx context.Context) ([]device.Service, error) {
	gen, err := c.snapshot("discover services")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	enumerated := c.enumerated
	c.mu.Unlock()
	if enumerated && c.policy == PolicyCached {
		return c.Services(), nil
	}

	c.discovery.Lock()
	defer c.discovery.Unlock()

	if err := c.check("discover services", gen); err != nil {
		return nil, err
	}
	found, err := c.enumerateServices(ctx)
	if err != nil {
		return nil, err
	}
	err = c.commit("discover services", gen, func() {
		for _, svc := range found {
			if _, ok := c.services.Get(svc.UUID); !ok {
				c.services.Set(svc.UUID, &serviceEntry{svc: svc})
			}
		}
		c.enumerated = true
	})
	if err != nil {
		return nil, err
	}
	return c.Services(), nil
}

// DiscoverAll enumerates services and the characteristics of every service
func (c *Cache) DiscoverAll(ctx context.Context) ([]*device.Characteristic, error) {
	gen, err := c.snapshot("discover all")
	if err != nil {
		return nil, err
	}
	services, err := c.DiscoverServices(ctx)
	if err != nil {
		return nil, err
	}

	c.discovery.Lock()
	defer c.discovery.Unlock()

	if err := c.check("discover all", gen); err != nil {
		return nil, err
	}
	for _, svc := range services {
		c.mu.Lock()
		entry, ok := c.services.Get(svc.UUID)
		c.mu.Unlock()
		if !ok || entry.resolved {
			continue
		}
		if err := c.discoverCharacteristics(ctx, gen, entry); err != nil {
			return nil, err
		}
	}
	return c.Characteristics(), nil
}

// service returns the cached entry for svc, asking the device when unknown.
// A nil entry means the device has no such service.
func (c *Cache) service(ctx context.Context, gen uint64, uuid string) (*serviceEntry, error) {
	c.mu.Lock()
	entry, ok := c.services.Get(uuid)
	enumerated := c.enumerated
	c.mu.Unlock()
	if ok {
		return entry, nil
	}
	if enumerated {
		return nil, nil
	}

	svc, found, err := c.findService(ctx, uuid)
	if err != nil || !found {
		return nil, err
	}
	err = c.commit("discover", gen, func() {
		existing, ok := c.services.Get(uuid)
		if ok {
			entry = existing
			return
		}
		entry = &serviceEntry{svc: svc}
		c.services.Set(uuid, entry)
	})
	return entry, err
}
