package token

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/go-viper/mapstructure/v2"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a single claim value. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  json.Number
	b    bool
	list []Value
	m    *Claims
}

func String(s string) Value { return Value{kind: KindString, str: s} }
func Number(n json.Number) Value { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Null() Value { return Value{} }
func List(values ...Value) Value { return Value{kind: KindList, list: values} }
func Map(claims *Claims) Value { return Value{kind: KindMap, m: claims} }
func Int(i int64) Value { return Number(json.Number(strconv.FormatInt(i, 10))) }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) List() []Value { return v.list }
func (v Value) Map() *Claims { return v.m }
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := v.num.Float64()

	return f, err == nil
}

// Interface converts the value into plain Go values: string, int64 or
// float64, bool, nil, []any and map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		if i, err := v.num.Int64(); err == nil {
			return i
		}
		f, _ := v.num.Float64()
		return f
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, 0, len(v.list))
		for _, item := range v.list {
			out = append(out, item.Interface())
		}
		return out
	case KindMap:
		if v.m == nil {
			return map[string]any{}
		}
		return v.m.AsMap()
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return []byte(v.num.String()), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return v.m.MarshalJSON()
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	parsed, err := parseValue(dec)
	if err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after claim value")
	}
	*v = parsed

	return nil
}

// Claims is a JSON object that keeps the order of its members. The zero
// value is an empty object ready to use.
type Claims struct {
	keys   []string
	values map[string]Value
}

func (c *Claims) Len() int {
	return len(c.keys)
}

// Keys returns the member names in document order.
func (c *Claims) Keys() []string {
	return append([]string(nil), c.keys...)
}

func (c *Claims) Get(key string) (Value, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Set adds or replaces a member. A replaced member keeps its position.
func (c *Claims) Set(key string, v Value) {
	if c.values == nil {
		c.values = make(map[string]Value)
	}
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = v
}

// GetString returns the string member key or "".
func (c *Claims) GetString(key string) string {
	v, _ := c.Get(key)
	s, _ := v.AsString()

	return s
}

func (c *Claims) AsMap() map[string]any {
	out := make(map[string]any, len(c.keys))
	for _, k := range c.keys {
		out[k] = c.values[k].Interface()
	}

	return out
}

// Decode copies the claims into an application struct using its json tags.
func (c *Claims) Decode(into any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           into,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc("2006-01-02T15:04:05Z07:00"),
	})
	if err != nil {
		return fmt.Errorf("creating claims decoder: %w", err)
	}

	if err := dec.Decode(c.AsMap()); err != nil {
		return fmt.Errorf("decoding claims: %w", err)
	}

	return nil
}

func (c Claims) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range c.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := c.values[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

func (c *Claims) UnmarshalJSON(data []byte) error {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	if v.kind != KindMap {
		return fmt.Errorf("claims must be a JSON object, got %s", v.kind)
	}
	*c = *v.m

	return nil
}

func parseValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return parseObject(dec)
		case '[':
			return parseArray(dec)
		default:
			return Value{}, fmt.Errorf("unexpected delimiter %q", t)
		}
	case string:
		return String(t), nil
	case json.Number:
		return Number(t), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null(), nil
	default:
		return Value{}, fmt.Errorf("unexpected token %v", t)
	}
}

func parseObject(dec *json.Decoder) (Value, error) {
	claims := &Claims{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Value{}, err
		}
		key, ok := tok.(string)
		if !ok {
			return Value{}, fmt.Errorf("unexpected object key %v", tok)
		}
		v, err := parseValue(dec)
		if err != nil {
			return Value{}, err
		}
		claims.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return Value{}, err
	}

	return Map(claims), nil
}

func parseArray(dec *json.Decoder) (Value, error) {
	list := []Value{}
	for dec.More() {
		v, err := parseValue(dec)
		if err != nil {
			return Value{}, err
		}
		list = append(list, v)
	}
	if _, err := dec.Token(); err != nil {
		return Value{}, err
	}

	return List(list...), nil
}
