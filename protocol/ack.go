package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	ackOK    byte = 0
	ackError byte = 1
)

// Ack answers one row. Err is empty when the row was accepted.
type Ack struct {
	Seq uint32
	Err string
}

// AppendAck encodes an ack as a status byte, the big-endian sequence number
// and, for failures, the error text.
func AppendAck(buf []byte, seq uint32, err error) []byte {
	if err == nil {
		buf = append(buf, ackOK)
		return binary.BigEndian.AppendUint32(buf, seq)
	}
	buf = append(buf, ackError)
	buf = binary.BigEndian.AppendUint32(buf, seq)
	return append(buf, err.Error()...)
}

func ParseAck(data []byte) (Ack, error) {
	if len(data) < 5 {
		return Ack{}, fmt.Errorf("ack too short: %d bytes", len(data))
	}
	a := Ack{Seq: binary.BigEndian.Uint32(data[1:])}
	switch data[0] {
	case ackOK:
	case ackError:
		a.Err = string(data[5:])
		if a.Err == "" {
			a.Err = "unknown error"
		}
	default:
		return Ack{}, fmt.Errorf("unknown ack status %d", data[0])
	}
	return a, nil
}
