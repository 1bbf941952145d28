package protocol

import (
	"errors"
	"fmt"

	"github.com/philpearl/plenc"
)

// ConnectionDescriptor is the first message on a connection. It names the
// target of every row that follows. Fields may be empty, in which case the
// column list is left to the table.
type ConnectionDescriptor struct {
	Table  string   `plenc:"1"`
	Fields []string `plenc:"2"`
}

func AppendDescriptor(buf []byte, desc *ConnectionDescriptor) ([]byte, error) {
	if desc.Table == "" {
		return nil, errors.New("descriptor has no table")
	}
	return plenc.Marshal(buf, desc)
}

func ParseDescriptor(data []byte) (*ConnectionDescriptor, error) {
	var desc ConnectionDescriptor
	if err := plenc.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("unmarshalling descriptor: %w", err)
	}
	if desc.Table == "" {
		return nil, errors.New("descriptor has no table")
	}
	return &desc, nil
}
