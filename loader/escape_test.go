package loader

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/unravelin/null"
)

func TestEscapeText(t *testing.T) {
	tests := []struct {
		name string
		in   any
		exp  string
	}{
		{name: "nil", in: nil, exp: `\N`},
		{name: "null string", in: null.String{}, exp: `\N`},
		{name: "valid null string", in: null.StringFrom("a|b"), exp: `a\|b`},
		{name: "null int", in: null.Int{}, exp: `\N`},
		{name: "int", in: 42, exp: "42"},
		{name: "negative int64", in: int64(-7), exp: "-7"},
		{name: "uint8", in: uint8(200), exp: "200"},
		{name: "float", in: 1.5, exp: "1.5"},
		{name: "bool", in: true, exp: "true"},
		{name: "plain string", in: "hello", exp: "hello"},
		{name: "empty string", in: "", exp: ""},
		{name: "delimiter", in: "a|b", exp: `a\|b`},
		{name: "backslash", in: `a\b`, exp: `a\\b`},
		{name: "newline", in: "a\nb", exp: "a\\\nb"},
		{name: "carriage return", in: "a\rb", exp: "a\\\rb"},
		{name: "bytes", in: []byte("x|y"), exp: `x\|y`},
		{name: "string array", in: []string{"a", "b|c"}, exp: `a,b\|c`},
		{name: "int array", in: []int{1, 2, 3}, exp: "1,2,3"},
		{name: "time", in: time.Date(2023, 4, 5, 6, 7, 8, 0, time.UTC), exp: "2023-04-05 06:07:08Z"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := EscapeText(test.in, '|', ",")
			if err != nil {
				t.Fatal(err)
			}
			if got != test.exp {
				t.Errorf("got %q, want %q", got, test.exp)
			}
		})
	}
}

// unescapeText reverses escapeTextString for a single field.
func unescapeText(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func TestEscapeTextRoundTrip(t *testing.T) {
	values := []string{
		"",
		"plain",
		`back\slash`,
		`\\`,
		"pipe|pipe",
		"multi\nline\r\n",
		`trailing\`,
		"|\\|\n",
	}
	for _, v := range values {
		got, err := EscapeText(v, '|', ",")
		if err != nil {
			t.Fatal(err)
		}
		if back := unescapeText(got); back != v {
			t.Errorf("%q escaped to %q which reads back as %q", v, got, back)
		}
		// No unescaped delimiter may remain.
		for i := 0; i < len(got); i++ {
			if got[i] == '\\' {
				i++
				continue
			}
			if got[i] == '|' || got[i] == '\n' {
				t.Errorf("%q escaped to %q which has a bare %q at %d", v, got, got[i], i)
			}
		}
	}
}

func TestEscapeSQL(t *testing.T) {
	tests := []struct {
		name string
		in   any
		exp  string
	}{
		{name: "nil", in: nil, exp: "null"},
		{name: "null bool", in: null.Bool{}, exp: "null"},
		{name: "int", in: 1, exp: "1"},
		{name: "float", in: 2.25, exp: "2.25"},
		{name: "bool", in: false, exp: "false"},
		{name: "string", in: "x", exp: "'x'"},
		{name: "quote", in: "it's", exp: "'it''s'"},
		{name: "backslash", in: `a\b`, exp: `E'a\\b'`},
		{name: "array", in: []string{"a", "b"}, exp: "'a,b'"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := EscapeSQL(test.in, QuoteDoubling, ",")
			if err != nil {
				t.Fatal(err)
			}
			if got != test.exp {
				t.Errorf("got %q, want %q", got, test.exp)
			}
		})
	}
}

func TestEscapeSQLBackslash(t *testing.T) {
	tests := []struct {
		in  any
		exp string
	}{
		{in: "x", exp: "'x'"},
		{in: "it's", exp: `'it\'s'`},
		{in: `say "hi"`, exp: `'say \"hi\"'`},
		{in: `a\b`, exp: `'a\\b'`},
		{in: "a\tb\nc\r\x00\x1a", exp: `'a\tb\nc\r\0\Z'`},
		{in: 3, exp: "3"},
		{in: nil, exp: "null"},
	}
	for _, test := range tests {
		got, err := EscapeSQL(test.in, QuoteBackslash, ",")
		if err != nil {
			t.Fatal(err)
		}
		if got != test.exp {
			t.Errorf("%q: got %q, want %q", test.in, got, test.exp)
		}
	}
}

func TestEscapeSQLDollarQuote(t *testing.T) {
	values := []string{"", "x", "$a$", "$$", "it's $b$ and $c$", strings.Repeat("$z$", 50)}
	for _, v := range values {
		for i := 0; i < 20; i++ {
			got, err := EscapeSQL(v, QuoteDollar, ",")
			if err != nil {
				t.Fatal(err)
			}
			end := strings.Index(got[1:], "$") + 2
			tag := got[:end]
			if !strings.HasPrefix(got, tag) || !strings.HasSuffix(got, tag) {
				t.Fatalf("%q is not wrapped in %q", got, tag)
			}
			body := got[len(tag) : len(got)-len(tag)]
			if body != v {
				t.Errorf("body %q, want %q", body, v)
			}
			if strings.Index(body+tag, tag) != len(body) {
				t.Errorf("tag %q closes early in %q", tag, got)
			}
		}
	}
}

func TestEscapeUnsupported(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{name: "struct", in: struct{}{}},
		{name: "map", in: map[string]int{}},
		{name: "nested array", in: []any{[]int{1}}},
		{name: "NaN", in: math.NaN()},
		{name: "infinity", in: math.Inf(1)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := EscapeText(test.in, '|', ","); !errors.Is(err, ErrUnsupportedValueType) {
				t.Errorf("text: got error %v", err)
			}
			if _, err := EscapeSQL(test.in, QuoteDoubling, ","); !errors.Is(err, ErrUnsupportedValueType) {
				t.Errorf("sql: got error %v", err)
			}
		})
	}
}

func TestFormats(t *testing.T) {
	rows := []Row{{1, "x"}, {2, nil}, {3, "a|b"}}

	t.Run("text", func(t *testing.T) {
		var f TextFormat
		var rendered [][]byte
		for _, r := range rows {
			b, err := f.AppendRow(nil, r)
			if err != nil {
				t.Fatal(err)
			}
			rendered = append(rendered, b)
		}
		if diff := cmp.Diff("1|x\n2|\\N\n3|a\\|b\n", string(f.Join(rendered))); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("sql", func(t *testing.T) {
		var f SQLFormat
		var rendered [][]byte
		for _, r := range rows {
			b, err := f.AppendRow(nil, r)
			if err != nil {
				t.Fatal(err)
			}
			rendered = append(rendered, b)
		}
		if diff := cmp.Diff("(1,'x'),(2,null),(3,'a|b')", string(f.Join(rendered))); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("custom delimiter", func(t *testing.T) {
		f := TextFormat{Delimiter: '\t', ArrayDelimiter: ";"}
		b, err := f.AppendRow(nil, Row{"a\tb", []int{1, 2}})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff("a\\\tb\t1;2\n", string(b)); diff != "" {
			t.Fatal(diff)
		}
	})
}
