package sshconn

import (
	"net"
	"sync/atomic"
	"time"
)

// timeoutConn applies a stall deadline to every Read and Write while a
// timeout is set. Zero means no deadline.
type timeoutConn struct {
	net.Conn
	timeout atomic.Int64
}

func newTimeoutConn(c net.Conn) *timeoutConn {
	return &timeoutConn{Conn: c}
}

// SetTimeout changes the stall timeout. It also re-arms the deadline of any
// Read or Write already blocked on the connection.
func (c *timeoutConn) SetTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.timeout.Store(int64(d))
	if d > 0 {
		c.Conn.SetDeadline(time.Now().Add(d))
	} else {
		c.Conn.SetDeadline(time.Time{})
	}
}

func (c *timeoutConn) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

func (c *timeoutConn) Read(b []byte) (int, error) {
	if d := c.Timeout(); d > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(d))
	}
	return c.Conn.Read(b)
}

func (c *timeoutConn) Write(b []byte) (int, error) {
	if d := c.Timeout(); d > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(d))
	}
	return c.Conn.Write(b)
}
