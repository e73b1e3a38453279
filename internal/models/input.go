// -----------------------------------------------------------------------
// Input Value - typed variant for normalized pipeline inputs
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// InputKind discriminates the InputValue variant. The kinds mirror the
// input types a pipeline spec can declare.
type InputKind string

const (
	InputText   InputKind = "text"
	InputNumber InputKind = "number"
	InputBool   InputKind = "boolean"
	InputSelect InputKind = "select"
	InputFile   InputKind = "file"
	InputArray  InputKind = "array"
)

// ValidInputKind reports whether k is one of the declared kinds.
func ValidInputKind(k InputKind) bool {
	switch k {
	case InputText, InputNumber, InputBool, InputSelect, InputFile, InputArray:
		return true
	}
	return false
}

// InputValue is the tagged variant produced by the validator. The validator
// is the only producer; downstream stages consume the variant directly and
// never re-interpret raw values. Exactly one payload field is meaningful,
// selected by Kind.
type InputValue struct {
	Kind   InputKind `json:"-"`
	Text   string    `json:"-"`
	Number float64   `json:"-"`
	Bool   bool      `json:"-"`
	File   string    `json:"-"`
	List   []string  `json:"-"`
}

func TextValue(s string) InputValue { return InputValue{Kind: InputText, Text: s} }

func NumberValue(f float64) InputValue { return InputValue{Kind: InputNumber, Number: f} }

func BoolValue(b bool) InputValue { return InputValue{Kind: InputBool, Bool: b} }

func SelectValue(s string) InputValue { return InputValue{Kind: InputSelect, Text: s} }

func FileValue(path string) InputValue { return InputValue{Kind: InputFile, File: path} }

func ListValue(items []string) InputValue { return InputValue{Kind: InputArray, List: items} }

// Native returns the plain Go value for template contexts and processor
// calls.
func (v InputValue) Native() any {
	switch v.Kind {
	case InputNumber:
		return v.Number
	case InputBool:
		return v.Bool
	case InputFile:
		return v.File
	case InputArray:
		return v.List
	default:
		return v.Text
	}
}

// IsZero reports whether the value carries no usable content.
func (v InputValue) IsZero() bool {
	switch v.Kind {
	case "":
		return true
	case InputText, InputSelect:
		return strings.TrimSpace(v.Text) == ""
	case InputFile:
		return v.File == ""
	case InputArray:
		return len(v.List) == 0
	default:
		return false
	}
}

func (v InputValue) String() string {
	switch v.Kind {
	case InputNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case InputBool:
		return strconv.FormatBool(v.Bool)
	case InputFile:
		return v.File
	case InputArray:
		return strings.Join(v.List, ", ")
	default:
		return v.Text
	}
}

// MarshalJSON writes the native value, so stored records and queue
// envelopes read back as ordinary JSON.
func (v InputValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

// UnmarshalJSON restores a value from its native JSON form. String values
// decode as text and arrays as string lists; the validator re-derives the
// precise kind (select, file) from the pipeline spec when the value flows
// through normalization again.
func (v *InputValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case nil:
		*v = InputValue{}
	case bool:
		*v = BoolValue(t)
	case float64:
		*v = NumberValue(t)
	case string:
		*v = TextValue(t)
	case []any:
		items := make([]string, 0, len(t))
		for _, item := range t {
			items = append(items, fmt.Sprintf("%v", item))
		}
		*v = ListValue(items)
	default:
		return fmt.Errorf("unsupported input value type %T", raw)
	}
	return nil
}

// NativeInputs converts a normalized input map to plain values keyed by
// input name.
func NativeInputs(inputs map[string]InputValue) map[string]any {
	out := make(map[string]any, len(inputs))
	for name, v := range inputs {
		out[name] = v.Native()
	}
	return out
}

// InputValueFromAny converts one raw value (JSON body, CLI flag, spec
// default) to an input value. The mapping is permissive; the validator
// enforces the declared types afterwards.
func InputValueFromAny(value any) InputValue {
	switch t := value.(type) {
	case nil:
		return InputValue{}
	case bool:
		return BoolValue(t)
	case float64:
		return NumberValue(t)
	case int:
		return NumberValue(float64(t))
	case int64:
		return NumberValue(float64(t))
	case string:
		return TextValue(t)
	case []string:
		return ListValue(t)
	case []any:
		items := make([]string, 0, len(t))
		for _, item := range t {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return ListValue(items)
	default:
		return TextValue(fmt.Sprintf("%v", t))
	}
}

// InputValuesFromAny converts a raw request map to input values.
func InputValuesFromAny(raw map[string]any) map[string]InputValue {
	out := make(map[string]InputValue, len(raw))
	for name, value := range raw {
		out[name] = InputValueFromAny(value)
	}
	return out
}
