package router

import (
	"net"
	"sync"
	"time"

	"github.com/fleetkit/fleetd/middleware"
	"github.com/fleetkit/fleetd/transport"
)

// inboundConn is one accepted server-side connection, tagged with a
// monotonic requesterId so a later Respond call can route a reply back
// to the socket that carried the original request.
// Server-side idle timeout is twice the client-side value to avoid
// simultaneous-close races.
type inboundConn struct {
	router *Router
	id     uint64
	conn   *transport.Conn

	mu     sync.Mutex
	closed bool
}

func newInboundConn(r *Router, id uint64, nc net.Conn) *inboundConn {
	return &inboundConn{router: r, id: id, conn: transport.NewConn(nc)}
}

func (ic *inboundConn) start() {
	go ic.readLoop()
}

func (ic *inboundConn) timeout() time.Duration {
	if ic.router.cfg.SocketTimeout <= 0 {
		return 0
	}
	return 2 * ic.router.cfg.SocketTimeout
}

func (ic *inboundConn) readLoop() {
	for {
		if t := ic.timeout(); t > 0 {
			ic.conn.Underlying().SetReadDeadline(time.Now().Add(t))
		}
		var msg Message
		if err := ic.conn.ReadFrame(&msg); err != nil {
			ic.teardown()
			return
		}
		if ic.router.handlers.OnRequest != nil {
			middleware.Guard(ic.router.logger, "onRequest:"+msg.Wid, func() {
				ic.router.handlers.OnRequest(msg, ic.id)
			})
		}
	}
}

func (ic *inboundConn) write(msg Message) error {
	if t := ic.timeout(); t > 0 {
		ic.conn.Underlying().SetWriteDeadline(time.Now().Add(t))
	}
	return ic.conn.WriteFrame(msg)
}

func (ic *inboundConn) teardown() {
	ic.mu.Lock()
	if ic.closed {
		ic.mu.Unlock()
		return
	}
	ic.closed = true
	ic.mu.Unlock()

	addr := ic.conn.Underlying().RemoteAddr().String()
	ic.conn.Close()
	ic.router.removeInbound(ic.id)
	ic.router.notifyDisconnect(addr)
}

func (ic *inboundConn) close() {
	ic.teardown()
}
