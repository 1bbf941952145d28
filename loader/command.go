package loader

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Commands runs single statements against a Datastore without buffering.
// Values are rendered the same way an InsertSink renders them.
type Commands struct {
	Datastore      Datastore
	Quoting        Quoting
	ArrayDelimiter string
}

func (c *Commands) format() SQLFormat {
	return SQLFormat{Quoting: c.Quoting, ArrayDelimiter: c.ArrayDelimiter}
}

func (c *Commands) literal(v any) (string, error) {
	arrayDelim := c.ArrayDelimiter
	if arrayDelim == "" {
		arrayDelim = DefaultArrayDelimiter
	}
	return EscapeSQL(v, c.Quoting, arrayDelim)
}

// InsertCommand inserts one row per Execute. Without a field list the first
// row sets the field count for every later row.
type InsertCommand struct {
	c      *Commands
	prefix string

	mu         sync.Mutex
	fieldCount int
}

// NewInsert prepares an InsertCommand for table. fields may be nil, but not
// empty.
func (c *Commands) NewInsert(table string, fields []string) (*InsertCommand, error) {
	if c.Datastore == nil {
		return nil, fmt.Errorf("%w: datastore", ErrMissingParameter)
	}
	if table == "" {
		return nil, fmt.Errorf("%w: table", ErrMissingParameter)
	}
	if fields != nil && len(fields) == 0 {
		return nil, fmt.Errorf("%w: fields may be nil but not empty", ErrInvalidConfiguration)
	}
	var sb strings.Builder
	writeInsertPrefix(&sb, table, fields)
	return &InsertCommand{c: c, prefix: sb.String(), fieldCount: len(fields)}, nil
}

// Execute inserts row and returns what the datastore returned.
func (ic *InsertCommand) Execute(ctx context.Context, row Row) (any, error) {
	if len(row) == 0 {
		return nil, fmt.Errorf("%w: row has no values", ErrFieldCountMismatch)
	}
	ic.mu.Lock()
	if ic.fieldCount == 0 {
		ic.fieldCount = len(row)
	}
	n := ic.fieldCount
	ic.mu.Unlock()
	if len(row) != n {
		return nil, fmt.Errorf("%w: row has %d values, expected %d", ErrFieldCountMismatch, len(row), n)
	}

	stmt, err := ic.c.format().AppendRow([]byte(ic.prefix), row)
	if err != nil {
		return nil, err
	}
	return ic.c.Datastore.Query(ctx, string(stmt))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Insert inserts a single record whose keys name the columns. Columns are
// written in key order.
func (c *Commands) Insert(ctx context.Context, table string, record map[string]any) (any, error) {
	if len(record) == 0 {
		return nil, fmt.Errorf("%w: record has no values", ErrFieldCountMismatch)
	}
	fields := sortedKeys(record)
	row := make(Row, len(fields))
	for i, f := range fields {
		row[i] = record[f]
	}
	ic, err := c.NewInsert(table, fields)
	if err != nil {
		return nil, err
	}
	return ic.Execute(ctx, row)
}

// Update sets the columns in set on every row of table matching all of
// where. A nil value in where matches null. An empty where updates every
// row.
func (c *Commands) Update(ctx context.Context, table string, set, where map[string]any) (any, error) {
	if c.Datastore == nil {
		return nil, fmt.Errorf("%w: datastore", ErrMissingParameter)
	}
	if table == "" {
		return nil, fmt.Errorf("%w: table", ErrMissingParameter)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: nothing to set", ErrMissingParameter)
	}

	var sb strings.Builder
	sb.WriteString("update ")
	sb.WriteString(table)
	sb.WriteString(" set ")
	for i, f := range sortedKeys(set) {
		lit, err := c.literal(set[f])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f, err)
		}
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(formatField(f))
		sb.WriteByte('=')
		sb.WriteString(lit)
	}

	for i, f := range sortedKeys(where) {
		lit, err := c.literal(where[f])
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", f, err)
		}
		if i == 0 {
			sb.WriteString(" where ")
		} else {
			sb.WriteString(" and ")
		}
		sb.WriteString(formatField(f))
		if lit == SQLNull {
			sb.WriteString(" is null")
			continue
		}
		sb.WriteByte('=')
		sb.WriteString(lit)
	}

	return c.Datastore.Query(ctx, sb.String())
}
