package attserver

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/att"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/host"
)

// LinkOptions tunes a Link
type LinkOptions struct {
	// InboundBuffer is the capacity of the inbound PDU channel
	InboundBuffer int
	// Filter, when set, sees every response before delivery and may delay,
	// replace or drop it (by returning nil). ctx ends when the link goes down.
	Filter func(ctx context.Context, req, rsp []byte) []byte
	// OnClose runs once when the link goes down
	OnClose func(reason int)
	Logger  *logrus.Logger
}

// Link is a host.Link that answers requests with a Server on its own
// goroutine, so Send never waits for the remote side.
type Link struct {
	server  *Server
	opts    LinkOptions
	logger  *logrus.Logger
	inbound chan []byte
	reqs    chan []byte
	down    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	reason  atomic.Int32
}

var _ host.Link = (*Link)(nil)

// NewLink starts the request worker of a link served by server
func NewLink(server *Server, opts LinkOptions) *Link {
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		server:  server,
		opts:    opts,
		logger:  logger,
		inbound: make(chan []byte, opts.InboundBuffer),
		reqs:    make(chan []byte, opts.InboundBuffer),
		down:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	groutine.Go(ctx, "attserver-link", l.serve)
	return l
}

func (l *Link) serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-l.reqs:
			rsp := l.server.Handle(req)
			if rsp == nil {
				continue
			}
			if l.opts.Filter != nil {
				rsp = l.opts.Filter(ctx, req, rsp)
				if rsp == nil {
					continue
				}
			}
			l.Push(rsp)
		}
	}
}

// Send queues one PDU for the server
func (l *Link) Send(pdu []byte) error {
	select {
	case <-l.down:
		return host.ErrLinkClosed
	default:
	}

	buf := make([]byte, len(pdu))
	copy(buf, pdu)
	select {
	case l.reqs <- buf:
		return nil
	case <-l.down:
		return host.ErrLinkClosed
	}
}

// Push delivers a server-originated PDU to the client. It returns false once
// the link is down.
func (l *Link) Push(pdu []byte) bool {
	select {
	case l.inbound <- pdu:
		return true
	case <-l.down:
		return false
	}
}

// Notify pushes a notification or indication for c when the client subscribed
func (l *Link) Notify(c *Char, value []byte) bool {
	pdu, ok := l.server.Notification(c, value)
	if !ok {
		return false
	}
	return l.Push(pdu)
}

func (l *Link) Inbound() <-chan []byte        { return l.inbound }
func (l *Link) Disconnected() <-chan struct{} { return l.down }
func (l *Link) Reason() int                   { return int(l.reason.Load()) }
func (l *Link) MTU() int                      { return att.DefaultMTU }

// Server returns the server answering this link
func (l *Link) Server() *Server {
	return l.server
}

// Close takes the link down locally
func (l *Link) Close() error {
	l.Drop(0)
	return nil
}

// Drop takes the link down with the given HCI reason. Only the first call has effect.
func (l *Link) Drop(reason int) {
	l.once.Do(func() {
		l.reason.Store(int32(reason))
		l.cancel()
		close(l.down)
		l.logger.WithField("reason", reason).Debug("ATT link down")
		if l.opts.OnClose != nil {
			l.opts.OnClose(reason)
		}
	})
}
