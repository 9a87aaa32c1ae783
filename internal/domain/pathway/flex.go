package pathway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexString decodes a JSON string, number, or boolean into its text form.
// The engine is not consistent about scalar types across endpoints.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	if data[0] == '{' || data[0] == '[' {
		return fmt.Errorf("cannot decode %s into a scalar", data)
	}
	*f = FlexString(data)
	return nil
}

// String returns the text form.
func (f FlexString) String() string { return string(f) }

// FlexBool decodes a JSON boolean, or the strings "true"/"false"/"1"/"0".
type FlexBool bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexBool) UnmarshalJSON(data []byte) error {
	var s FlexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	if s == "" {
		*f = false
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(string(s)))
	if err != nil {
		return fmt.Errorf("cannot decode %q as bool", string(s))
	}
	*f = FlexBool(b)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f FlexBool) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(f))
}
