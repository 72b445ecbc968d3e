// Package values implements the register value sum type. The original
// connector lets a register value be str | int | float | bool | Button |
// Switch | DateTime | None; Go has no union type, so Value is a small
// tagged struct with one constructor and one accessor per alternative,
// and total wire<->value conversion functions keyed by DataType.
package values

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// DataType is a register's declared value type. Unknown means "not yet
// enumerated": a register in this state is ineligible for publish but
// still counts toward pairing progress.
type DataType byte

const (
	Unknown DataType = iota
	Bool
	U8
	U16
	U32
	I8
	I16
	I32
	Float
	String
	Enum
	Button
	Switch
	DateTime
)

func (d DataType) String() string {
	switch d {
	case Unknown:
		return "unknown"
	case Bool:
		return "bool"
	case U8:
		return "u8"
	case U16:
		return "u16"
	case U32:
		return "u32"
	case I8:
		return "i8"
	case I16:
		return "i16"
	case I32:
		return "i32"
	case Float:
		return "float"
	case String:
		return "string"
	case Enum:
		return "enum"
	case Button:
		return "button"
	case Switch:
		return "switch"
	case DateTime:
		return "datetime"
	default:
		return fmt.Sprintf("datatype(%d)", byte(d))
	}
}

// ButtonAction is the momentary-press action carried by a Button value.
type ButtonAction byte

const (
	ButtonNone ButtonAction = iota
	ButtonPressed
	ButtonReleased
	ButtonClicked
)

// SwitchAction is the toggle action carried by a Switch value.
type SwitchAction byte

const (
	SwitchOff SwitchAction = iota
	SwitchOn
	SwitchToggle
)

// kind tags which field of Value is populated.
type kind byte

const (
	kindNone kind = iota
	kindString
	kindInt
	kindFloat
	kindBool
	kindButton
	kindSwitch
	kindDateTime
)

// Value is the tagged union every register's actual/expected value is
// stored as. The zero Value is None.
type Value struct {
	k      kind
	str    string
	i      int64
	f      float64
	b      bool
	button ButtonAction
	sw     SwitchAction
	t      time.Time
}

func None() Value                      { return Value{k: kindNone} }
func NewString(s string) Value         { return Value{k: kindString, str: s} }
func NewInt(v int64) Value             { return Value{k: kindInt, i: v} }
func NewFloat(v float64) Value         { return Value{k: kindFloat, f: v} }
func NewBool(v bool) Value             { return Value{k: kindBool, b: v} }
func NewButton(a ButtonAction) Value   { return Value{k: kindButton, button: a} }
func NewSwitch(a SwitchAction) Value   { return Value{k: kindSwitch, sw: a} }
func NewDateTime(t time.Time) Value    { return Value{k: kindDateTime, t: t} }

func (v Value) IsNone() bool { return v.k == kindNone }

func (v Value) AsString() (string, bool)       { return v.str, v.k == kindString }
func (v Value) AsInt() (int64, bool)           { return v.i, v.k == kindInt }
func (v Value) AsFloat() (float64, bool)       { return v.f, v.k == kindFloat }
func (v Value) AsBool() (bool, bool)           { return v.b, v.k == kindBool }
func (v Value) AsButton() (ButtonAction, bool) { return v.button, v.k == kindButton }
func (v Value) AsSwitch() (SwitchAction, bool) { return v.sw, v.k == kindSwitch }
func (v Value) AsDateTime() (time.Time, bool)  { return v.t, v.k == kindDateTime }

// Equal reports whether two values carry the same alternative and the
// same content. None is only ever equal to None.
func (v Value) Equal(o Value) bool {
	if v.k != o.k {
		return false
	}
	switch v.k {
	case kindNone:
		return true
	case kindString:
		return v.str == o.str
	case kindInt:
		return v.i == o.i
	case kindFloat:
		return v.f == o.f
	case kindBool:
		return v.b == o.b
	case kindButton:
		return v.button == o.button
	case kindSwitch:
		return v.sw == o.sw
	case kindDateTime:
		return v.t.Equal(o.t)
	default:
		return false
	}
}

// Width returns the fixed on-wire byte width of dt, and false for the
// variable-width (String) or not-yet-typed (Unknown) data types. Multi-
// register reads only work over fixed-width data types, since nothing
// short of a length prefix per value would let the reader find where one
// value ends and the next begins.
func Width(dt DataType) (int, bool) {
	switch dt {
	case Bool, U8, I8, Enum, Button, Switch:
		return 1, true
	case U16, I16:
		return 2, true
	case U32, I32, Float, DateTime:
		return 4, true
	default:
		return 0, false
	}
}

// Decode is the total wire->value conversion for a register's data type.
// raw is the register's on-wire byte representation, already stripped of
// any surrounding frame/kind/address header.
func Decode(dt DataType, raw []byte) (Value, error) {
	switch dt {
	case Unknown:
		return None(), nil
	case Bool:
		if len(raw) < 1 {
			return Value{}, fmt.Errorf("values: bool needs 1 byte, got %d", len(raw))
		}
		return NewBool(raw[0] != 0), nil
	case U8, Enum:
		if len(raw) < 1 {
			return Value{}, fmt.Errorf("values: %s needs 1 byte, got %d", dt, len(raw))
		}
		return NewInt(int64(raw[0])), nil
	case U16:
		if len(raw) < 2 {
			return Value{}, fmt.Errorf("values: u16 needs 2 bytes, got %d", len(raw))
		}
		return NewInt(int64(binary.BigEndian.Uint16(raw))), nil
	case U32:
		if len(raw) < 4 {
			return Value{}, fmt.Errorf("values: u32 needs 4 bytes, got %d", len(raw))
		}
		return NewInt(int64(binary.BigEndian.Uint32(raw))), nil
	case I8:
		if len(raw) < 1 {
			return Value{}, fmt.Errorf("values: i8 needs 1 byte, got %d", len(raw))
		}
		return NewInt(int64(int8(raw[0]))), nil
	case I16:
		if len(raw) < 2 {
			return Value{}, fmt.Errorf("values: i16 needs 2 bytes, got %d", len(raw))
		}
		return NewInt(int64(int16(binary.BigEndian.Uint16(raw)))), nil
	case I32:
		if len(raw) < 4 {
			return Value{}, fmt.Errorf("values: i32 needs 4 bytes, got %d", len(raw))
		}
		return NewInt(int64(int32(binary.BigEndian.Uint32(raw)))), nil
	case Float:
		if len(raw) < 4 {
			return Value{}, fmt.Errorf("values: float needs 4 bytes, got %d", len(raw))
		}
		bits := binary.BigEndian.Uint32(raw)
		return NewFloat(float64(math.Float32frombits(bits))), nil
	case String:
		return NewString(string(raw)), nil
	case Button:
		if len(raw) < 1 {
			return Value{}, fmt.Errorf("values: button needs 1 byte, got %d", len(raw))
		}
		return NewButton(ButtonAction(raw[0])), nil
	case Switch:
		if len(raw) < 1 {
			return Value{}, fmt.Errorf("values: switch needs 1 byte, got %d", len(raw))
		}
		return NewSwitch(SwitchAction(raw[0])), nil
	case DateTime:
		if len(raw) < 4 {
			return Value{}, fmt.Errorf("values: datetime needs 4 bytes, got %d", len(raw))
		}
		sec := binary.BigEndian.Uint32(raw)
		return NewDateTime(time.Unix(int64(sec), 0).UTC()), nil
	default:
		return Value{}, fmt.Errorf("values: unrecognized data type %s", dt)
	}
}

// ForDataType coerces a host-supplied raw value (as arrives over the
// runtime API: JSON numbers decode to float64, JSON strings to string,
// JSON booleans to bool) into the Value alternative dt expects. This is
// the data-type transform write_register_value/broadcast_value run
// their input through before it ever reaches the registry, so a caller
// can pass a plain Go value without knowing Value's internal shape.
func ForDataType(dt DataType, raw any) (Value, error) {
	switch dt {
	case Unknown:
		return Value{}, fmt.Errorf("values: cannot set a value for a register of unknown type")
	case Bool:
		switch x := raw.(type) {
		case bool:
			return NewBool(x), nil
		case float64:
			return NewBool(x != 0), nil
		}
	case U8, U16, U32, I8, I16, I32, Enum:
		switch x := raw.(type) {
		case int:
			return NewInt(int64(x)), nil
		case int64:
			return NewInt(x), nil
		case float64:
			return NewInt(int64(x)), nil
		}
	case Float:
		switch x := raw.(type) {
		case float64:
			return NewFloat(x), nil
		case int:
			return NewFloat(float64(x)), nil
		}
	case String:
		if s, ok := raw.(string); ok {
			return NewString(s), nil
		}
	case Button:
		if n, ok := raw.(float64); ok {
			return NewButton(ButtonAction(n)), nil
		}
		if s, ok := raw.(string); ok {
			switch s {
			case "pressed":
				return NewButton(ButtonPressed), nil
			case "released":
				return NewButton(ButtonReleased), nil
			case "clicked":
				return NewButton(ButtonClicked), nil
			}
		}
	case Switch:
		if n, ok := raw.(float64); ok {
			return NewSwitch(SwitchAction(n)), nil
		}
		if s, ok := raw.(string); ok {
			switch s {
			case "on":
				return NewSwitch(SwitchOn), nil
			case "off":
				return NewSwitch(SwitchOff), nil
			case "toggle":
				return NewSwitch(SwitchToggle), nil
			}
		}
	case DateTime:
		if t, ok := raw.(time.Time); ok {
			return NewDateTime(t), nil
		}
		if s, ok := raw.(string); ok {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return Value{}, fmt.Errorf("values: invalid datetime %q: %w", s, err)
			}
			return NewDateTime(t), nil
		}
	}
	return Value{}, fmt.Errorf("values: cannot interpret %T as %s", raw, dt)
}

// Encode is the total value->wire conversion, the inverse of Decode.
func Encode(dt DataType, v Value) ([]byte, error) {
	switch dt {
	case Unknown:
		return nil, fmt.Errorf("values: cannot encode a value for an unknown data type")
	case Bool:
		b, ok := v.AsBool()
		if !ok {
			return nil, fmt.Errorf("values: expected bool value for %s", dt)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case U8, Enum:
		n, ok := v.AsInt()
		if !ok {
			return nil, fmt.Errorf("values: expected int value for %s", dt)
		}
		return []byte{byte(n)}, nil
	case U16:
		n, ok := v.AsInt()
		if !ok {
			return nil, fmt.Errorf("values: expected int value for %s", dt)
		}
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, uint16(n))
		return out, nil
	case U32:
		n, ok := v.AsInt()
		if !ok {
			return nil, fmt.Errorf("values: expected int value for %s", dt)
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(n))
		return out, nil
	case I8:
		n, ok := v.AsInt()
		if !ok {
			return nil, fmt.Errorf("values: expected int value for %s", dt)
		}
		return []byte{byte(int8(n))}, nil
	case I16:
		n, ok := v.AsInt()
		if !ok {
			return nil, fmt.Errorf("values: expected int value for %s", dt)
		}
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, uint16(int16(n)))
		return out, nil
	case I32:
		n, ok := v.AsInt()
		if !ok {
			return nil, fmt.Errorf("values: expected int value for %s", dt)
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(int32(n)))
		return out, nil
	case Float:
		f, ok := v.AsFloat()
		if !ok {
			return nil, fmt.Errorf("values: expected float value for %s", dt)
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, math.Float32bits(float32(f)))
		return out, nil
	case String:
		s, ok := v.AsString()
		if !ok {
			return nil, fmt.Errorf("values: expected string value for %s", dt)
		}
		return []byte(s), nil
	case Button:
		a, ok := v.AsButton()
		if !ok {
			return nil, fmt.Errorf("values: expected button value for %s", dt)
		}
		return []byte{byte(a)}, nil
	case Switch:
		a, ok := v.AsSwitch()
		if !ok {
			return nil, fmt.Errorf("values: expected switch value for %s", dt)
		}
		return []byte{byte(a)}, nil
	case DateTime:
		t, ok := v.AsDateTime()
		if !ok {
			return nil, fmt.Errorf("values: expected datetime value for %s", dt)
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(t.Unix()))
		return out, nil
	default:
		return nil, fmt.Errorf("values: unrecognized data type %s", dt)
	}
}
