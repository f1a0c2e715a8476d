package transport

import (
	"sync"
	"sync/atomic"

	"github.com/srg/gattlink/internal/att"
	"github.com/srg/gattlink/internal/host"
	"github.com/srg/gattlink/internal/registry"
)

// session is the state of one established link. A new session is created
// for every successful connect and never reused.
type session struct {
	link host.Link
	gen  uint64
	mtu  atomic.Int32

	// sem admits one outstanding ATT request at a time
	sem chan struct{}

	inflightMu sync.Mutex
	inflight   *registry.Pending[[]byte]
	// stale is closed when the response owed to a timed-out request arrives
	stale chan struct{}

	closing     chan struct{}
	closingOnce sync.Once
	userClose   atomic.Bool

	teardownOnce sync.Once
	done         chan struct{}
}

func newSession(link host.Link, gen uint64) *session {
	s := &session{
		link:    link,
		gen:     gen,
		sem:     make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	mtu := link.MTU()
	if mtu < att.DefaultMTU {
		mtu = att.DefaultMTU
	}
	s.mtu.Store(int32(mtu))
	return s
}

// beginClose stops the session from accepting new requests
func (s *session) beginClose() {
	s.closingOnce.Do(func() { close(s.closing) })
}

func (s *session) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *session) setInflight(p *registry.Pending[[]byte]) {
	s.inflightMu.Lock()
	s.inflight = p
	s.inflightMu.Unlock()
}

// takeResponse claims an inbound response. It returns the in-flight request
// it answers, or reports that it is the late answer to a timed-out request.
func (s *session) takeResponse() (p *registry.Pending[[]byte], late bool) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.stale != nil {
		close(s.stale)
		s.stale = nil
		return nil, true
	}
	p = s.inflight
	s.inflight = nil
	return p, false
}

// expireInflight clears p after its timeout and marks the bearer as owing
// one response. The returned channel closes when that response arrives.
func (s *session) expireInflight(p *registry.Pending[[]byte]) (<-chan struct{}, bool) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight != p {
		return nil, false
	}
	s.inflight = nil
	s.stale = make(chan struct{})
	return s.stale, true
}

// releaseInflight clears p if it is still in flight and reports whether the
// caller now owns its completion
func (s *session) releaseInflight(p *registry.Pending[[]byte]) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight != p {
		return false
	}
	s.inflight = nil
	return true
}
