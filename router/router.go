// Package router implements the peer-to-peer message layer: outbound-client and
// inbound-server sockets over transport.Conn, connection reuse, and
// request/response demultiplexing by a monotonic per-connection
// requester id. One goroutine per connection, callbacks fanned out to
// a single zap.Logger.
package router

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetkit/fleetd/common"
)

// Handlers are the router's three event callbacks; log output goes to
// the router's zap.Logger.
type Handlers struct {
	// OnRequest fires for every inbound request frame, tagged with the
	// requesterId of the inbound connection that carried it so a
	// response can be routed back with Respond.
	OnRequest func(msg Message, requesterID uint64)
	// OnResponse fires for every inbound response frame on an outbound
	// (client) connection.
	OnResponse func(msg Message)
	// OnDisconnect fires when any connection (inbound or outbound) is
	// torn down, naming the remote address.
	OnDisconnect func(remoteAddr string)
}

// Config bounds the router's connection lifecycle.
type Config struct {
	// SocketTimeout is the idle timeout for outbound (client)
	// connections. Inbound (server) connections use twice this value,
	// to avoid simultaneous-close races.
	SocketTimeout time.Duration
	// PendingQueueMax bounds how many requests may queue against a
	// connection that is still opening. Zero means unbounded, matching
	// an accepted implementation risk; a positive value rejects (does not silently drop) requests
	// once the queue is full.
	PendingQueueMax int
}

var ErrClosed = errors.New("router: closed")
var ErrQueueFull = errors.New("router: pending queue full")

// Router is a peer-to-peer message router: it dials outbound connections
// on demand, accepts inbound connections, and demultiplexes
// request/response traffic between them.
type Router struct {
	cfg      Config
	handlers Handlers
	logger   *zap.Logger

	mu       sync.Mutex
	closed   bool
	listener net.Listener
	outbound map[string]*outboundConn
	inbound  map[uint64]*inboundConn
	reqSeq   *common.Cyclic
}

// New returns an unstarted Router. Call Listen to begin accepting
// inbound connections; outbound connections are opened lazily by
// Request.
func New(cfg Config, handlers Handlers, logger *zap.Logger) *Router {
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = 30 * time.Second
	}
	return &Router{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger.Named("router"),
		outbound: make(map[string]*outboundConn),
		inbound:  make(map[uint64]*inboundConn),
		reqSeq:   common.NewCyclic(1),
	}
}

// Listen opens a server socket bound to host on an OS-assigned port and
// returns the effective port. Callers must compare
// the bound host against the host they asked for; a mismatch is the
// caller's failure to react to, not the router's.
func (r *Router) Listen(host string) (port int, err error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("router: listen: %w", err)
	}

	r.mu.Lock()
	r.listener = ln
	r.mu.Unlock()

	addr := ln.Addr().(*net.TCPAddr)
	go r.acceptLoop(ln)
	return addr.Port, nil
}

func (r *Router) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if !closed {
				r.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		id := r.reqSeq.Next()
		ic := newInboundConn(r, id, nc)
		r.mu.Lock()
		r.inbound[id] = ic
		r.mu.Unlock()
		ic.start()
	}
}

// Request sends payload to the peer at address (host:port), opening a
// connection if none exists, or reopening one if the existing
// connection is closing/closed. It resolves once the frame has been
// written to the socket, not once the peer has read it.
func (r *Router) Request(address string, msg Message) error {
	oc, err := r.obtainOutbound(address)
	if err != nil {
		return err
	}
	return oc.send(msg, r.cfg.PendingQueueMax)
}

func (r *Router) obtainOutbound(address string) (*outboundConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	oc, ok := r.outbound[address]
	if ok {
		switch oc.getState() {
		case stateClosing, stateClosed:
			delete(r.outbound, address)
			ok = false
		}
	}
	if !ok {
		oc = newOutboundConn(r, address)
		r.outbound[address] = oc
		oc.dial()
	}
	return oc, nil
}

// Respond writes payload on the inbound connection that carried
// requesterId's request. A missing connection is dropped silently
// (logged).
func (r *Router) Respond(requesterID uint64, msg Message) {
	r.mu.Lock()
	ic, ok := r.inbound[requesterID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("dropping response for unknown requester", zap.Uint64("requester_id", requesterID))
		return
	}
	if err := ic.write(msg); err != nil {
		r.logger.Warn("failed to write response", zap.Uint64("requester_id", requesterID), zap.Error(err))
	}
}

// Close tears down every connection (inbound and outbound) and stops
// accepting new ones.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ln := r.listener
	outs := make([]*outboundConn, 0, len(r.outbound))
	for _, oc := range r.outbound {
		outs = append(outs, oc)
	}
	ins := make([]*inboundConn, 0, len(r.inbound))
	for _, ic := range r.inbound {
		ins = append(ins, ic)
	}
	r.outbound = make(map[string]*outboundConn)
	r.inbound = make(map[uint64]*inboundConn)
	r.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, oc := range outs {
		oc.close()
	}
	for _, ic := range ins {
		ic.close()
	}
	return nil
}

func (r *Router) removeOutbound(address string, oc *outboundConn) {
	r.mu.Lock()
	if cur, ok := r.outbound[address]; ok && cur == oc {
		delete(r.outbound, address)
	}
	r.mu.Unlock()
}

func (r *Router) removeInbound(id uint64) {
	r.mu.Lock()
	delete(r.inbound, id)
	r.mu.Unlock()
}

func (r *Router) notifyDisconnect(addr string) {
	if r.handlers.OnDisconnect != nil {
		r.handlers.OnDisconnect(addr)
	}
}
