package config

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Delimiter is a single byte field separator. In configuration it is written
// as a one character string, or as "tab".
type Delimiter byte

// DelimiterHookFunc decodes strings into Delimiters.
func DelimiterHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(Delimiter(0)) {
			return data, nil
		}
		return ParseDelimiter(data.(string))
	}
}

func ParseDelimiter(s string) (Delimiter, error) {
	switch s {
	case "tab", `\t`:
		return '\t', nil
	case "":
		return 0, nil
	}
	if len(s) != 1 {
		return 0, fmt.Errorf("delimiter %q must be a single byte", s)
	}
	return Delimiter(s[0]), nil
}
