package models

import (
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// MetaKind identifies which scalar a MetaValue holds.
type MetaKind int

const (
	MetaString MetaKind = iota
	MetaNumber
	MetaBool
)

// MetaValue is a metadata scalar: a string, a number or a bool.
type MetaValue struct {
	kind MetaKind
	s    string
	n    float64
	b    bool
}

func StringValue(s string) MetaValue  { return MetaValue{kind: MetaString, s: s} }
func NumberValue(n float64) MetaValue { return MetaValue{kind: MetaNumber, n: n} }
func BoolValue(b bool) MetaValue      { return MetaValue{kind: MetaBool, b: b} }

func (v MetaValue) Kind() MetaKind { return v.kind }

// Str returns the string value and whether v holds a string.
func (v MetaValue) Str() (string, bool) { return v.s, v.kind == MetaString }

// Num returns the numeric value and whether v holds a number.
func (v MetaValue) Num() (float64, bool) { return v.n, v.kind == MetaNumber }

// Bool returns the bool value and whether v holds a bool.
func (v MetaValue) Bool() (bool, bool) { return v.b, v.kind == MetaBool }

func (v MetaValue) String() string {
	switch v.kind {
	case MetaNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case MetaBool:
		return strconv.FormatBool(v.b)
	default:
		return v.s
	}
}

func (v MetaValue) native() any {
	switch v.kind {
	case MetaNumber:
		return v.n
	case MetaBool:
		return v.b
	default:
		return v.s
	}
}

func (v MetaValue) MarshalYAML() (any, error) {
	return v.native(), nil
}

func (v *MetaValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: metadata value must be a scalar", node.Line)
	}
	switch node.ShortTag() {
	case "!!str":
		*v = StringValue(node.Value)
	case "!!int", "!!float":
		var n float64
		if err := node.Decode(&n); err != nil {
			return err
		}
		*v = NumberValue(n)
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		*v = BoolValue(b)
	default:
		return fmt.Errorf("line %d: unsupported metadata type %s", node.Line, node.ShortTag())
	}
	return nil
}

func (v MetaValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.native())
}

func (v *MetaValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case string:
		*v = StringValue(x)
	case float64:
		*v = NumberValue(x)
	case bool:
		*v = BoolValue(x)
	default:
		return fmt.Errorf("unsupported metadata value %s", data)
	}
	return nil
}
