package homeassistant

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// StateKind tags the dynamic type held by a [StateValue].
type StateKind uint8

// State kinds.
const (
	StateAbsent StateKind = iota
	StateString
	StateNumber
	StateBool
)

func (k StateKind) String() string {
	switch k {
	case StateString:
		return "string"
	case StateNumber:
		return "number"
	case StateBool:
		return "bool"
	default:
		return "absent"
	}
}

// StateValue is an entity's state: a string, a number, a boolean, or
// absent (JSON null or missing). The hub almost always sends strings;
// fixtures and templates may not.
type StateValue struct {
	kind StateKind
	s    string
	n    float64
	b    bool
}

// StringState returns a string-valued state.
func StringState(s string) StateValue { return StateValue{kind: StateString, s: s} }

// NumberState returns a numeric state.
func NumberState(n float64) StateValue { return StateValue{kind: StateNumber, n: n} }

// BoolState returns a boolean state.
func BoolState(b bool) StateValue { return StateValue{kind: StateBool, b: b} }

// Kind returns the dynamic type of v.
func (v StateValue) Kind() StateKind { return v.kind }

// IsAbsent reports whether the state carries no value.
func (v StateValue) IsAbsent() bool { return v.kind == StateAbsent }

// String renders the state the way the hub would display it. Absent
// renders as the empty string.
func (v StateValue) String() string {
	switch v.kind {
	case StateString:
		return v.s
	case StateNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case StateBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// Float returns the numeric value of v. String states are parsed; ok is
// false when v is not numeric.
func (v StateValue) Float() (f float64, ok bool) {
	switch v.kind {
	case StateNumber:
		return v.n, true
	case StateString:
		f, err := strconv.ParseFloat(v.s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Bool returns the boolean value of v; ok is false for other kinds.
func (v StateValue) Bool() (b bool, ok bool) {
	if v.kind != StateBool {
		return false, false
	}
	return v.b, true
}

// Equal reports whether v and o hold the same kind and value.
func (v StateValue) Equal(o StateValue) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case StateString:
		return v.s == o.s
	case StateNumber:
		return v.n == o.n
	case StateBool:
		return v.b == o.b
	default:
		return true
	}
}

// MarshalJSON implements json.Marshaler.
func (v StateValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case StateString:
		return json.Marshal(v.s)
	case StateNumber:
		return json.Marshal(v.n)
	case StateBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *StateValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = StateValue{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringState(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolState(b)
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("state value: %w", err)
		}
		*v = NumberState(n)
	}
	return nil
}
