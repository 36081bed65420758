package router

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetkit/fleetd/middleware"
	"github.com/fleetkit/fleetd/transport"
)

type connState int

const (
	stateOpening connState = iota
	stateOpen
	stateClosing
	stateClosed
)

// outboundConn is a client connection to one peer address. While
// opening, requests queue (in arrival order) and flush once the dial
// completes; an outbound connection that reads no frame within
// SocketTimeout is torn down and marked closed.
type outboundConn struct {
	router *Router
	addr   string

	mu      sync.Mutex
	state   connState
	conn    *transport.Conn
	pending []pendingRequest
}

type pendingRequest struct {
	msg    Message
	result chan error
}

func newOutboundConn(r *Router, addr string) *outboundConn {
	return &outboundConn{router: r, addr: addr, state: stateOpening}
}

func (oc *outboundConn) getState() connState {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.state
}

func (oc *outboundConn) dial() {
	go func() {
		nc, err := net.DialTimeout("tcp", oc.addr, oc.router.cfg.SocketTimeout)
		if err != nil {
			oc.failPending(err)
			oc.router.logger.Warn("dial failed", zap.String("addr", oc.addr), zap.Error(err))
			oc.router.removeOutbound(oc.addr, oc)
			return
		}
		oc.onConnected(transport.NewConn(nc))
	}()
}

func (oc *outboundConn) onConnected(c *transport.Conn) {
	oc.mu.Lock()
	if oc.state != stateOpening {
		oc.mu.Unlock()
		c.Close()
		return
	}
	oc.conn = c
	oc.state = stateOpen
	queued := oc.pending
	oc.pending = nil
	oc.mu.Unlock()

	for _, p := range queued {
		err := oc.writeFrame(p.msg)
		p.result <- err
	}

	go oc.readLoop()
}

func (oc *outboundConn) send(msg Message, queueMax int) error {
	oc.mu.Lock()
	switch oc.state {
	case stateOpen:
		oc.mu.Unlock()
		return oc.writeFrame(msg)
	case stateOpening:
		if queueMax > 0 && len(oc.pending) >= queueMax {
			oc.mu.Unlock()
			return ErrQueueFull
		}
		result := make(chan error, 1)
		oc.pending = append(oc.pending, pendingRequest{msg: msg, result: result})
		oc.mu.Unlock()
		return <-result
	default:
		oc.mu.Unlock()
		return ErrClosed
	}
}

func (oc *outboundConn) writeFrame(msg Message) error {
	oc.mu.Lock()
	c := oc.conn
	oc.mu.Unlock()
	if c == nil {
		return ErrClosed
	}
	if oc.router.cfg.SocketTimeout > 0 {
		c.Underlying().SetWriteDeadline(time.Now().Add(oc.router.cfg.SocketTimeout))
	}
	return c.WriteFrame(msg)
}

func (oc *outboundConn) readLoop() {
	for {
		if oc.router.cfg.SocketTimeout > 0 {
			oc.conn.Underlying().SetReadDeadline(time.Now().Add(oc.router.cfg.SocketTimeout))
		}
		var msg Message
		if err := oc.conn.ReadFrame(&msg); err != nil {
			oc.teardown()
			return
		}
		if oc.router.handlers.OnResponse != nil {
			middleware.Guard(oc.router.logger, "onResponse", func() {
				oc.router.handlers.OnResponse(msg)
			})
		}
	}
}

func (oc *outboundConn) teardown() {
	oc.mu.Lock()
	if oc.state == stateClosed {
		oc.mu.Unlock()
		return
	}
	oc.state = stateClosed
	c := oc.conn
	oc.mu.Unlock()

	if c != nil {
		c.Close()
	}
	oc.router.removeOutbound(oc.addr, oc)
	oc.router.notifyDisconnect(oc.addr)
}

func (oc *outboundConn) failPending(err error) {
	oc.mu.Lock()
	oc.state = stateClosed
	queued := oc.pending
	oc.pending = nil
	oc.mu.Unlock()
	for _, p := range queued {
		p.result <- err
	}
}

func (oc *outboundConn) close() {
	oc.mu.Lock()
	if oc.state == stateClosed {
		oc.mu.Unlock()
		return
	}
	oc.state = stateClosing
	c := oc.conn
	pending := oc.pending
	oc.pending = nil
	oc.mu.Unlock()

	if len(pending) > 0 {
		oc.router.logger.Warn("closing outbound connection with pending requests", zap.String("addr", oc.addr), zap.Int("pending", len(pending)))
		for _, p := range pending {
			p.result <- ErrClosed
		}
	}

	if c != nil {
		c.Close()
	}

	oc.mu.Lock()
	oc.state = stateClosed
	oc.mu.Unlock()
}
