package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID correlates a Request with its Response. It is either a string or an
// integer; the zero value is "no id" (notifications, or a response to a
// request whose id could not be read).
//
// ID is comparable and can be used directly as a map key.
type ID struct {
	str   string
	num   int64
	isStr bool
	valid bool
}

// NewIntID returns an integer ID.
func NewIntID(n int64) ID {
	return ID{num: n, valid: true}
}

// NewStringID returns a string ID.
func NewStringID(s string) ID {
	return ID{str: s, isStr: true, valid: true}
}

// IsValid reports whether id is set.
func (id ID) IsValid() bool { return id.valid }

// IsString reports whether id holds a string.
func (id ID) IsString() bool { return id.valid && id.isStr }

// Int returns the integer value and whether id holds one.
func (id ID) Int() (int64, bool) {
	return id.num, id.valid && !id.isStr
}

// Str returns the string value and whether id holds one.
func (id ID) Str() (string, bool) {
	return id.str, id.valid && id.isStr
}

func (id ID) String() string {
	switch {
	case !id.valid:
		return "<none>"
	case id.isStr:
		return strconv.Quote(id.str)
	default:
		return strconv.FormatInt(id.num, 10)
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.valid:
		return []byte("null"), nil
	case id.isStr:
		return json.Marshal(id.str)
	default:
		return strconv.AppendInt(nil, id.num, 10), nil
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = NewStringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("id must be a string or an integer, got %s", data)
	}
	*id = NewIntID(n)
	return nil
}
