// Package protocol is the wire format between ingest clients and the server.
//
// Every message is a uvarint length followed by that many bytes. The first
// message a client sends is a ConnectionDescriptor naming the table and
// columns; each message after that is one row. The server answers every row
// with an ack message carrying the row's sequence number, starting at 1.
package protocol

import (
	"encoding/binary"
	"io"
)

// MaxMessageSize bounds a single message.
const MaxMessageSize = 1 << 20

func AppendMessage(buf []byte, toSend []byte) []byte {
	// Write the length then the message.
	l := len(toSend)
	buf = binary.AppendUvarint(buf, uint64(l))
	buf = append(buf, toSend...)
	return buf
}

type reader interface {
	io.ByteReader
	io.Reader
}

// ReadMessage reads one message into dest, which must have enough capacity.
// A zero length message reads as io.EOF.
func ReadMessage(from reader, dest []byte) ([]byte, error) {
	l, err := binary.ReadUvarint(from)
	if err != nil {
		return nil, err
	}
	if l == 0 {
		return nil, io.EOF
	}
	if l > uint64(cap(dest)) {
		return nil, io.ErrShortBuffer
	}
	dest = dest[:l]

	if _, err := io.ReadFull(from, dest); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return dest, nil
}
