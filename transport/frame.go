// Package transport implements a symmetric, length-prefixed frame
// codec: each message is a JSON-encoded payload prefixed by a
// big-endian uint16 byte count. A small type wrapping one connection,
// plain error returns, no reflection.
package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// MaxFrameSize is the largest payload a frame may carry. A uint16 length
// prefix caps this at 65535 bytes, the wire format's own ceiling.
const MaxFrameSize = 65535

// ErrFrameTooLarge is returned by WriteFrame when the encoded payload
// does not fit in the uint16 length prefix.
var ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")

// Conn wraps a net.Conn with framed read/write. A decode or frame-level
// parse failure is fatal to the connection: callers
// must close the underlying connection on any error from ReadFrame or
// WriteFrame and let the other side observe it via its own close path.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader
	w  io.Writer

	wmu sync.Mutex
}

// NewConn wraps nc for framed use. The caller retains ownership of nc
// (Conn.Close closes it).
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc), w: nc}
}

// Underlying returns the wrapped net.Conn, e.g. for RemoteAddr() or
// SetDeadline calls.
func (c *Conn) Underlying() net.Conn { return c.nc }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// WriteFrame encodes v as JSON and writes it as a single length-prefixed
// frame. It is safe to call concurrently with ReadFrame and with other
// WriteFrame calls on the same Conn: a per-Conn mutex keeps each
// frame's header and body together on the wire.
func (c *Conn) WriteFrame(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(body)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("transport: write frame header: %w", err)
	}
	if _, err := c.w.Write(body); err != nil {
		return fmt.Errorf("transport: write frame body: %w", err)
	}
	return nil
}

// ReadFrame blocks until one full frame is available, reassembling
// across partial reads, and decodes its JSON body into v.
func (c *Conn) ReadFrame(v any) error {
	var hdr [2]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return fmt.Errorf("transport: read frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("transport: decode frame: %w", err)
	}
	return nil
}
