package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/philpearl/bulkload/protocol"
)

// maxAckSize bounds an ack message, including any error text.
const maxAckSize = 64 << 10

type connection struct {
	pool *hostPool

	sendBuf []byte
	rowBuf  []byte
	conn    *net.TCPConn

	cond       sync.Cond
	m          sync.Mutex
	wg         sync.WaitGroup
	err        error
	terminated bool
	readDone   bool

	count  uint32
	acked  uint32
	failed map[uint32]string
}

func (p *hostPool) newConnection(ctx context.Context, addr string) (*connection, error) {
	// Looks like a dialer is the modern way to do this
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing: %w", err)
	}

	c := &connection{
		pool:   p,
		conn:   conn.(*net.TCPConn),
		failed: make(map[uint32]string),
	}
	c.cond.L = &c.m

	// We send the descriptor at the start of each connection. This names the
	// table and the columns.
	if err := c.send(ctx, p.desc); err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("sending descriptor: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.readLoop()
		c.finishReading(err)
		c.conn.Close()
		p.forget(c)
	}()
	return c, nil
}

// close stops sending and waits for acks of the rows already sent.
func (c *connection) close() error {
	c.terminate(nil)
	c.wg.Wait()
	c.m.Lock()
	defer c.m.Unlock()
	return c.err
}

func (c *connection) usable() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return !c.terminated && !c.readDone
}

func (c *connection) publish(ctx context.Context, row []any) error {
	// We have exclusive write-side access to this connection.
	var err error
	c.rowBuf, err = protocol.AppendRow(c.rowBuf[:0], row)
	if err != nil {
		c.pool.release(c)
		return fmt.Errorf("marshalling: %w", err)
	}
	c.sendBuf = protocol.AppendMessage(c.sendBuf[:0], c.rowBuf)
	if err := c.send(ctx, c.sendBuf); err != nil {
		c.terminate(err)
		c.pool.release(c)
		return err
	}

	c.count++
	seqNo := c.count

	// At this point we can release the connection back to the pool. From this
	// point forward we don't have exclusive write-side access to the
	// connection.
	c.pool.release(c)

	return c.waitFor(ctx, seqNo)
}

func (c *connection) send(ctx context.Context, data []byte) error {
	// A zero deadline clears any deadline left by an earlier publish.
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("setting deadline: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("writing: %w", err)
	}
	return nil
}

func (c *connection) waitFor(ctx context.Context, seqNo uint32) error {
	// This should wake up the loop below if the context times out
	stop := context.AfterFunc(ctx, func() {
		c.m.Lock()
		defer c.m.Unlock()
		c.cond.Broadcast()
	})
	defer stop()

	c.m.Lock()
	defer c.m.Unlock()
	for c.acked < seqNo && !c.readDone {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}

	if c.acked < seqNo {
		if c.err != nil {
			return c.err
		}
		return ErrConnectionLost
	}
	if reason, ok := c.failed[seqNo]; ok {
		delete(c.failed, seqNo)
		return &RowError{Seq: seqNo, Reason: reason}
	}
	return nil
}

func (c *connection) ack(a protocol.Ack) {
	c.m.Lock()
	defer c.m.Unlock()

	if a.Err != "" {
		c.failed[a.Seq] = a.Err
	}
	if c.acked < a.Seq {
		c.acked = a.Seq
		c.cond.Broadcast()
	}
}

func (c *connection) terminate(err error) {
	c.m.Lock()
	defer c.m.Unlock()

	if c.err == nil {
		c.err = err
	}
	if c.terminated {
		return
	}
	c.terminated = true

	// We close the write-side of the connection to signal to the server that it
	// should close the read-side. We don't close the read-side here as we want
	// to read any acks that the server sends back to us.
	if cerr := c.conn.CloseWrite(); cerr != nil && c.err == nil && !c.readDone {
		c.err = fmt.Errorf("closing: %w", cerr)
	}
	c.cond.Broadcast()
}

func (c *connection) finishReading(err error) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.err == nil {
		c.err = err
	}
	c.readDone = true
	c.cond.Broadcast()
}

func (c *connection) readLoop() error {
	// Each ack carries its sequence number, which increases by one each time.
	// Rejected rows carry the reason as well.
	buf := make([]byte, maxAckSize)
	r := bufio.NewReader(c.conn)
	for {
		msg, err := protocol.ReadMessage(r, buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading ack: %w", err)
		}
		a, err := protocol.ParseAck(msg)
		if err != nil {
			return err
		}
		if a.Seq == 0 {
			// The server could not serve this connection at all.
			return fmt.Errorf("server refused connection: %s", a.Err)
		}
		c.ack(a)
	}
}
