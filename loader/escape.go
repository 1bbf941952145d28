package loader

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/unravelin/null"
)

const (
	// TextNull is the NULL token in delimited text.
	TextNull = `\N`
	// SQLNull is the NULL literal in SQL statements.
	SQLNull = "null"

	DefaultDelimiter      = '|'
	DefaultArrayDelimiter = ","

	timeLayout = "2006-01-02 15:04:05.999999Z07:00"
)

// Quoting selects how strings are quoted in SQL statements.
type Quoting int

const (
	// QuoteDoubling wraps strings in single quotes, doubling embedded quotes.
	// Strings containing backslashes become E'' literals.
	QuoteDoubling Quoting = iota
	// QuoteDollar uses PostgreSQL dollar quoting with a random tag that does
	// not occur in the value.
	QuoteDollar
	// QuoteBackslash wraps strings in single quotes and escapes special
	// characters with backslashes, as MySQL expects.
	QuoteBackslash
)

// Row is a single record. Values are nil, numbers, strings or one of the
// other types listed on EscapeText.
type Row []any

// EscapeText renders v for a delimited text file. nil and invalid nullable
// values become \N. Backslashes, the delimiter, newlines and carriage returns
// inside strings are prefixed with a backslash. Supported types are nil, the
// integer and float kinds, bool, string, []byte, time.Time, the null package
// types and slices of scalars, which are joined with arrayDelim.
func EscapeText(v any, delim byte, arrayDelim string) (string, error) {
	s, isNull, err := scalarText(v, arrayDelim)
	if err != nil {
		return "", err
	}
	if isNull {
		return TextNull, nil
	}
	if !isStringish(v) {
		// numbers and bools never need escaping
		return s, nil
	}
	return escapeTextString(s, delim), nil
}

func escapeTextString(s string, delim byte) string {
	if !strings.ContainsAny(s, "\\\n\r"+string(delim)) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\', delim, '\n', '\r':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// EscapeSQL renders v as a SQL literal. nil and invalid nullable values become
// null, numbers are unquoted and strings are quoted according to q.
func EscapeSQL(v any, q Quoting, arrayDelim string) (string, error) {
	s, isNull, err := scalarText(v, arrayDelim)
	if err != nil {
		return "", err
	}
	if isNull {
		return SQLNull, nil
	}
	if !isStringish(v) {
		return s, nil
	}
	switch q {
	case QuoteDollar:
		return dollarQuote(s), nil
	case QuoteBackslash:
		return backslashQuote(s), nil
	default:
		return strings.TrimPrefix(pq.QuoteLiteral(s), " "), nil
	}
}

// isStringish reports whether the textual form of v must be quoted or
// escaped.
func isStringish(v any) bool {
	switch v.(type) {
	case string, []byte, time.Time, null.String, null.Time,
		[]string, []int, []int64, []float64, []any:
		return true
	}
	return false
}

// scalarText returns the unescaped textual form of v.
func scalarText(v any, arrayDelim string) (s string, isNull bool, err error) {
	switch v := v.(type) {
	case nil:
		return "", true, nil
	case string:
		return v, false, nil
	case []byte:
		return string(v), false, nil
	case int:
		return strconv.Itoa(v), false, nil
	case int8:
		return strconv.FormatInt(int64(v), 10), false, nil
	case int16:
		return strconv.FormatInt(int64(v), 10), false, nil
	case int32:
		return strconv.FormatInt(int64(v), 10), false, nil
	case int64:
		return strconv.FormatInt(v, 10), false, nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), false, nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), false, nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), false, nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), false, nil
	case uint64:
		return strconv.FormatUint(v, 10), false, nil
	case float32:
		return formatFloat(float64(v), 32)
	case float64:
		return formatFloat(v, 64)
	case bool:
		return strconv.FormatBool(v), false, nil
	case time.Time:
		return v.Format(timeLayout), false, nil
	case null.String:
		return v.String, !v.Valid, nil
	case null.Int:
		return strconv.FormatInt(v.Int64, 10), !v.Valid, nil
	case null.Float:
		if !v.Valid {
			return "", true, nil
		}
		return formatFloat(v.Float64, 64)
	case null.Bool:
		return strconv.FormatBool(v.Bool), !v.Valid, nil
	case null.Time:
		if !v.Valid {
			return "", true, nil
		}
		return v.Time.Format(timeLayout), false, nil
	case []string:
		return strings.Join(v, arrayDelim), false, nil
	case []int:
		return joinScalars(v, arrayDelim)
	case []int64:
		return joinScalars(v, arrayDelim)
	case []float64:
		return joinScalars(v, arrayDelim)
	case []any:
		return joinScalars(v, arrayDelim)
	default:
		return "", false, fmt.Errorf("%w: %T", ErrUnsupportedValueType, v)
	}
}

func joinScalars[T any](vals []T, arrayDelim string) (string, bool, error) {
	var b strings.Builder
	for i, v := range vals {
		if i > 0 {
			b.WriteString(arrayDelim)
		}
		switch any(v).(type) {
		case []string, []int, []int64, []float64, []any:
			return "", false, fmt.Errorf("%w: nested array %T", ErrUnsupportedValueType, v)
		}
		s, _, err := scalarText(v, arrayDelim)
		if err != nil {
			return "", false, err
		}
		b.WriteString(s)
	}
	return b.String(), false, nil
}

func formatFloat(f float64, bitSize int) (string, bool, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false, fmt.Errorf("%w: non-finite float %v", ErrUnsupportedValueType, f)
	}
	return strconv.FormatFloat(f, 'f', -1, bitSize), false, nil
}

const tagLetters = "abcdefghijklmnopqrstuvwxyz"

var backslashEscaper = strings.NewReplacer(
	"\x00", `\0`,
	"\b", `\b`,
	"\t", `\t`,
	"\n", `\n`,
	"\r", `\r`,
	"\x1a", `\Z`,
	`"`, `\"`,
	`'`, `\'`,
	`\`, `\\`,
)

func backslashQuote(s string) string {
	return "'" + backslashEscaper.Replace(s) + "'"
}

// dollarQuote wraps s in $tag$ quotes. The tag is lengthened until its first
// occurrence in s+tag is the closing quote.
func dollarQuote(s string) string {
	for n := 1; ; n++ {
		for attempt := 0; attempt < 4; attempt++ {
			tag := randomTag(n)
			if strings.Index(s+tag, tag) == len(s) {
				return tag + s + tag
			}
		}
	}
}

func randomTag(n int) string {
	b := make([]byte, n+2)
	b[0], b[n+1] = '$', '$'
	for i := 1; i <= n; i++ {
		b[i] = tagLetters[rand.Intn(len(tagLetters))]
	}
	return string(b)
}

// Format renders rows into the bytes a sink consumes.
type Format interface {
	// AppendRow appends the rendered form of row to dst.
	AppendRow(dst []byte, row Row) ([]byte, error)
	// Join combines rendered rows into a single payload.
	Join(rows [][]byte) []byte
}

// TextFormat renders one line per row with fields separated by Delimiter.
type TextFormat struct {
	Delimiter      byte
	ArrayDelimiter string
}

func (f TextFormat) AppendRow(dst []byte, row Row) ([]byte, error) {
	delim := f.Delimiter
	if delim == 0 {
		delim = DefaultDelimiter
	}
	arrayDelim := f.ArrayDelimiter
	if arrayDelim == "" {
		arrayDelim = DefaultArrayDelimiter
	}
	for i, v := range row {
		if i > 0 {
			dst = append(dst, delim)
		}
		s, err := EscapeText(v, delim, arrayDelim)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		dst = append(dst, s...)
	}
	return append(dst, '\n'), nil
}

func (f TextFormat) Join(rows [][]byte) []byte {
	var l int
	for _, r := range rows {
		l += len(r)
	}
	out := make([]byte, 0, l)
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

// SQLFormat renders each row as a parenthesised tuple of SQL literals.
type SQLFormat struct {
	Quoting        Quoting
	ArrayDelimiter string
}

func (f SQLFormat) AppendRow(dst []byte, row Row) ([]byte, error) {
	arrayDelim := f.ArrayDelimiter
	if arrayDelim == "" {
		arrayDelim = DefaultArrayDelimiter
	}
	dst = append(dst, '(')
	for i, v := range row {
		if i > 0 {
			dst = append(dst, ',')
		}
		s, err := EscapeSQL(v, f.Quoting, arrayDelim)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		dst = append(dst, s...)
	}
	return append(dst, ')'), nil
}

func (f SQLFormat) Join(rows [][]byte) []byte {
	var l int
	for _, r := range rows {
		l += len(r) + 1
	}
	out := make([]byte, 0, l)
	for i, r := range rows {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, r...)
	}
	return out
}
