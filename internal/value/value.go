// Package value implements the dynamically-typed tree shared by the
// Sanitiser, the diff algorithm, and the HCL emitters: Terraform plan JSON,
// claim variables, and HCL literals all flow through the same tagged union
// so that none of those three needs its own ad-hoc `interface{}` walk.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
)

// Kind tags the shape held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// ObjectField is one key/value pair of an Object, kept in a slice rather
// than a map so that insertion order survives a decode/encode round-trip.
type ObjectField struct {
	Key   string
	Value Value
}

// Value is a closed sum type over the shapes Terraform plan JSON and HCL
// literals can take. The zero Value is KindNull.
type Value struct {
	kind   Kind
	b      bool
	num    json.Number
	str    string
	arr    []Value
	fields []ObjectField
}

func Null() Value                 { return Value{kind: KindNull} }
func Bool(b bool) Value           { return Value{kind: KindBool, b: b} }
func String(s string) Value       { return Value{kind: KindString, str: s} }
func Number(n json.Number) Value  { return Value{kind: KindNumber, num: n} }
func NumberFromInt(i int64) Value { return Number(json.Number(fmt.Sprintf("%d", i))) }
func Array(items []Value) Value   { return Value{kind: KindArray, arr: items} }
func Object(fields []ObjectField) Value {
	return Value{kind: KindObject, fields: fields}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)          { return v.b, v.kind == KindBool }
func (v Value) AsString() (string, bool)      { return v.str, v.kind == KindString }
func (v Value) AsNumber() (json.Number, bool) { return v.num, v.kind == KindNumber }
func (v Value) AsArray() ([]Value, bool)      { return v.arr, v.kind == KindArray }
func (v Value) AsObject() ([]ObjectField, bool) {
	return v.fields, v.kind == KindObject
}

// Field looks up a key in an Object, preserving the "not present" /
// "present and null" distinction callers of the sanitiser need.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	for _, f := range v.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Index looks up a position in an Array.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindArray || i < 0 || i >= len(v.arr) {
		return Value{}, false
	}
	return v.arr[i], true
}

// Equal performs a structural comparison, ignoring object key order (two
// objects with the same fields in different order are equal) but not array
// order.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return numbersEqual(v.num, o.num)
	case KindString:
		return v.str == o.str
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.fields) != len(o.fields) {
			return false
		}
		om := map[string]Value{}
		for _, f := range o.fields {
			om[f.Key] = f.Value
		}
		for _, f := range v.fields {
			ov, ok := om[f.Key]
			if !ok || !f.Value.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

func numbersEqual(a, b json.Number) bool {
	if a.String() == b.String() {
		return true
	}
	af, aerr := a.Float64()
	bf, berr := b.Float64()
	return aerr == nil && berr == nil && af == bf
}

// FromAny converts a decoded `interface{}` tree (as produced by
// encoding/json when unmarshalling into `any`) into a Value. Because the
// standard decoder discards object key order when targeting a map, callers
// that need order preservation must use Decode instead.
func FromAny(a any) Value {
	switch t := a.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case json.Number:
		return Number(t)
	case float64:
		return Number(json.Number(fmt.Sprintf("%g", t)))
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = FromAny(e)
		}
		return Array(items)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]ObjectField, len(keys))
		for i, k := range keys {
			fields[i] = ObjectField{Key: k, Value: FromAny(t[k])}
		}
		return Object(fields)
	default:
		return Null()
	}
}

// ToAny converts a Value back into a plain `interface{}` tree suitable for
// json.Marshal, using a regular map for objects (order is not preserved by
// this conversion — use MarshalJSON to round-trip order).
func (v Value) ToAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.ToAny()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.fields))
		for _, f := range v.fields {
			out[f.Key] = f.Value.ToAny()
		}
		return out
	}
	return nil
}

// Decode parses raw JSON into a Value while preserving object key order,
// using json.Decoder token-by-token since encoding/json offers no ordered
// map target.
func Decode(raw []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, errors.Wrap(err, "cannot decode value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, v)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return Value{}, err
			}
			return Array(items), nil
		case '{':
			fields := []ObjectField{}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, _ := kt.(string)
				v, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				fields = append(fields, ObjectField{Key: key, Value: v})
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return Value{}, err
			}
			return Object(fields), nil
		}
	}
	return Value{}, errors.Errorf("unexpected token %v", tok)
}

// MarshalJSON emits the Value preserving object field order.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		buf.WriteString(v.num.String())
	case KindString:
		b, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindArray:
		buf.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, f := range v.fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(f.Key)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := f.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

func (v *Value) UnmarshalJSON(raw []byte) error {
	dv, err := Decode(raw)
	if err != nil {
		return err
	}
	*v = dv
	return nil
}

// ToCty converts a Value into a cty.Value for HCL literal emission. Objects
// become cty object types (not maps) so that heterogeneous field types are
// preserved, matching how hclwrite renders attribute literals.
func (v Value) ToCty() (cty.Value, error) {
	switch v.kind {
	case KindNull:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case KindBool:
		return cty.BoolVal(v.b), nil
	case KindString:
		return cty.StringVal(v.str), nil
	case KindNumber:
		f, err := v.num.Float64()
		if err != nil {
			return cty.NilVal, errors.Wrapf(err, "invalid number %q", v.num.String())
		}
		return cty.NumberFloatVal(f), nil
	case KindArray:
		if len(v.arr) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, len(v.arr))
		for i, e := range v.arr {
			cv, err := e.ToCty()
			if err != nil {
				return cty.NilVal, err
			}
			elems[i] = cv
		}
		return cty.TupleVal(elems), nil
	case KindObject:
		if len(v.fields) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(v.fields))
		for _, f := range v.fields {
			cv, err := f.Value.ToCty()
			if err != nil {
				return cty.NilVal, err
			}
			attrs[f.Key] = cv
		}
		return cty.ObjectVal(attrs), nil
	}
	return cty.NilVal, errors.Errorf("unhandled value kind %d", v.kind)
}

// Redacted returns the literal string Value used whenever the sanitiser
// substitutes a sensitive leaf.
func Redacted() Value { return String("[REDACTED]") }
