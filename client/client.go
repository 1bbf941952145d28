// Package client publishes rows to a bulkload server.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/philpearl/bulkload/protocol"
)

var (
	// ErrClosed is returned by Publish once the client is closed.
	ErrClosed = errors.New("client closed")
	// ErrConnectionLost is returned when a connection ends before the row
	// was acknowledged. The row may or may not have been loaded.
	ErrConnectionLost = errors.New("connection closed before row was acknowledged")
)

// RowError is returned when the server rejects a row.
type RowError struct {
	Seq    uint32
	Reason string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d rejected: %s", e.Seq, e.Reason)
}

// defaultMaxConnRows is how many rows are sent on a connection before it is
// retired.
const defaultMaxConnRows = 1_000_000

// Client publishes rows for a single table and column list. It is safe for
// concurrent use. Concurrent publishers share a pool of connections.
type Client struct {
	pool hostPool
}

// New creates a client for the server at addr. Connections are made as they
// are needed.
func New(addr string, desc *protocol.ConnectionDescriptor) (*Client, error) {
	data, err := protocol.AppendDescriptor(nil, desc)
	if err != nil {
		return nil, fmt.Errorf("marshalling descriptor: %w", err)
	}
	c := &Client{}
	c.pool.init(addr, protocol.AppendMessage(nil, data), defaultMaxConnRows)
	return c, nil
}

// Publish sends one row and waits for the server to acknowledge it. An ack
// means the row is in the loader's buffer, not that it has been loaded.
func (c *Client) Publish(ctx context.Context, row []any) error {
	// grab a connection from the pool
	conn, err := c.pool.get(ctx)
	if err != nil {
		return fmt.Errorf("getting connection: %w", err)
	}

	// Send the data. The connection returns itself to the pool
	return conn.publish(ctx, row)
}

// Close closes every connection once its outstanding rows are acknowledged.
func (c *Client) Close() error {
	return c.pool.close()
}

type hostPool struct {
	addr string
	// desc is the framed descriptor message sent at the start of each
	// connection.
	desc    []byte
	maxRows uint32

	mu     sync.Mutex
	idle   []*connection
	all    map[*connection]struct{}
	closed bool
}

func (p *hostPool) init(addr string, desc []byte, maxRows uint32) {
	p.addr = addr
	p.desc = desc
	p.maxRows = maxRows
	p.all = make(map[*connection]struct{})
}

// get returns a connection for the caller's exclusive write-side use.
func (p *hostPool) get(ctx context.Context) (*connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if c.usable() {
			p.mu.Unlock()
			return c, nil
		}
	}
	p.mu.Unlock()

	c, err := p.newConnection(ctx, p.addr)
	if err != nil {
		return nil, fmt.Errorf("creating connection: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		go c.close()
		return nil, ErrClosed
	}
	p.all[c] = struct{}{}
	return c, nil
}

func (p *hostPool) release(c *connection) {
	// This goroutine has exclusive write-side access to the connection at this
	// point.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if c.count >= p.maxRows {
		// Retire the connection. Its outstanding rows are still acknowledged.
		go c.close()
		return
	}
	if !c.usable() {
		return
	}
	p.idle = append(p.idle, c)
}

// forget is called once a connection's read loop has finished.
func (p *hostPool) forget(c *connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.all, c)
}

func (p *hostPool) close() error {
	p.mu.Lock()
	p.closed = true
	p.idle = nil
	conns := make([]*connection, 0, len(p.all))
	for c := range p.all {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	var errs *multierror.Error
	for _, c := range conns {
		if err := c.close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
