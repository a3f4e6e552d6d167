package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
	"github.com/google/uuid"
)

// Client issues framed calls over a single lazily dialed connection. Calls
// are serialized; a failed call drops the connection and the next call
// redials. Calls are never retried.
type Client struct {
	address     string
	coder       Coder
	dialTimeout time.Duration

	lock   sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

func NewClient(address string) *Client {
	return &Client{
		address:     address,
		coder:       DefaultCoder{},
		dialTimeout: 5 * time.Second,
	}
}

func (c *Client) Address() string {
	return c.address
}

// Call sends req and waits for its response. A deadline or cancellation on
// ctx interrupts the call. req.ID is assigned when empty.
func (c *Client) Call(ctx context.Context, req *Message) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	resp, err := c.roundTrip(conn, req)
	if err != nil {
		c.reset()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s %s: %w", c.address, req.Method, ctxErr)
		}
		return nil, fmt.Errorf("%s %s: %w", c.address, req.Method, err)
	}
	return resp, nil
}

func (c *Client) roundTrip(conn net.Conn, req *Message) (*Message, error) {
	data, err := c.coder.Encode(req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}
	resp, err := c.coder.Decode(c.reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %q does not match request id %q", resp.ID, req.ID)
	}
	return resp, nil
}

// caller holds the lock
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.address, err)
	}
	logs.Debugf("Client(%s): connected", c.address)
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return conn, nil
}

// caller holds the lock
func (c *Client) reset() {
	if c.conn == nil {
		return
	}
	c.conn.Close()
	c.conn = nil
	c.reader = nil
}

func (c *Client) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
