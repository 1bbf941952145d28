package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/philpearl/bulkload/loader"
	"github.com/philpearl/bulkload/protocol"
	"go.opentelemetry.io/otel/metric"
)

type connMetrics struct {
	rowsReceived metric.Int64Counter
	rowsRejected metric.Int64Counter
}

func (m *connMetrics) init(meter metric.Meter) (err error) {
	m.rowsReceived, err = meter.Int64Counter("bulkload.server.rows_received",
		metric.WithDescription("number of rows received"),
		metric.WithUnit("{row}"))
	if err != nil {
		return fmt.Errorf("creating rows_received counter: %w", err)
	}
	m.rowsRejected, err = meter.Int64Counter("bulkload.server.rows_rejected",
		metric.WithDescription("number of rows that could not be decoded or inserted"),
		metric.WithUnit("{row}"))
	if err != nil {
		return fmt.Errorf("creating rows_rejected counter: %w", err)
	}
	return nil
}

type conn struct {
	*net.TCPConn
	log     *slog.Logger
	loaders LoaderSource
	metrics *connMetrics

	r   *bufio.Reader
	w   *bufio.Writer
	buf []byte
	ack []byte
	out []byte
}

func (s *Server) newConn(c *net.TCPConn) *conn {
	return &conn{
		TCPConn: c,
		log:     s.log,
		loaders: s.loaders,
		metrics: &s.connMetrics,
		r:       bufio.NewReader(c),
		w:       bufio.NewWriter(c),
		buf:     make([]byte, protocol.MaxMessageSize),
	}
}

func (c *conn) do(ctx context.Context) error {
	// Stop reading when the server shuts down. Acks for rows already read
	// are still written.
	stop := context.AfterFunc(ctx, func() {
		_ = c.CloseRead()
	})
	defer stop()

	// First we read the connection descriptor. This names the table and the
	// columns every row on this connection fills.
	msg, err := protocol.ReadMessage(c.r, c.buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("reading descriptor: %w", err)
	}
	desc, err := protocol.ParseDescriptor(msg)
	if err != nil {
		return c.refuse(err)
	}
	l, err := c.loaders.Get(ctx, desc.Table, desc.Fields)
	if err != nil {
		return c.refuse(fmt.Errorf("finding loader: %w", err))
	}
	c.log.LogAttrs(ctx, slog.LevelDebug, "connection described", slog.String("table", desc.Table), slog.Any("fields", desc.Fields))

	// Then we read rows. Each row is acknowledged with its sequence number
	// once it is in the loader's buffer, or with an error if it could not be
	// decoded or inserted. Acks are batched while more rows are waiting.
	for seq := uint32(1); ; seq++ {
		msg, err := protocol.ReadMessage(c.r, c.buf)
		if err != nil {
			if ferr := c.w.Flush(); ferr != nil {
				return fmt.Errorf("writing acks: %w", ferr)
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading row %d: %w", seq, err)
		}

		err = c.insert(l, msg)
		c.metrics.rowsReceived.Add(ctx, 1)
		if err != nil {
			c.metrics.rowsRejected.Add(ctx, 1)
			c.log.LogAttrs(ctx, slog.LevelDebug, "row rejected", slog.String("table", desc.Table), slog.Any("error", err))
		}

		c.ack = protocol.AppendAck(c.ack[:0], seq, err)
		c.out = protocol.AppendMessage(c.out[:0], c.ack)
		if _, err := c.w.Write(c.out); err != nil {
			return fmt.Errorf("writing ack: %w", err)
		}
		if c.r.Buffered() == 0 {
			if err := c.w.Flush(); err != nil {
				return fmt.Errorf("writing acks: %w", err)
			}
		}
	}
}

func (c *conn) insert(l *loader.Loader, msg []byte) error {
	row, err := protocol.ReadRow(msg)
	if err != nil {
		return err
	}
	_, err = l.Insert(loader.Row(row))
	return err
}

// refuse sends the reason a connection cannot be served as the ack for
// sequence number 0.
func (c *conn) refuse(reason error) error {
	_, err := c.w.Write(protocol.AppendMessage(nil, protocol.AppendAck(nil, 0, reason)))
	if err == nil {
		err = c.w.Flush()
	}
	if err != nil {
		return fmt.Errorf("refusing connection (%v): %w", reason, err)
	}
	return reason
}
