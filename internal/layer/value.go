package layer

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	ValueLiteral ValueKind = iota + 1
	ValueConstructed
	ValueComputed
	ValueSerialized
	// ValueInvalid marks an attribute whose declaration could not be understood.
	// It keeps the node parseable; resolving it always fails.
	ValueInvalid
)

func (k ValueKind) String() string {
	switch k {
	case ValueLiteral:
		return "literal"
	case ValueConstructed:
		return "constructed"
	case ValueComputed:
		return "computed"
	case ValueSerialized:
		return "serialized"
	case ValueInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// LiteralType is the scalar type of a literal value.
type LiteralType uint8

const (
	LiteralString LiteralType = iota + 1
	LiteralBool
	LiteralInt
	LiteralFloat
	LiteralURL
	LiteralBytes
)

func (t LiteralType) String() string {
	switch t {
	case LiteralString:
		return "string"
	case LiteralBool:
		return "bool"
	case LiteralInt:
		return "int"
	case LiteralFloat:
		return "float"
	case LiteralURL:
		return "url"
	case LiteralBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Value is an attribute declaration as written in a layer, before resolution.
//
// Field use per kind:
//
//	Literal      Type, Text (canonical text) or Blob (bytes)
//	Constructed  Text (type name), Args
//	Computed     Text (target type), Method, Args
//	Serialized   Blob
//	Invalid      Text (reason)
type Value struct {
	Kind   ValueKind
	Type   LiteralType
	Text   string
	Method string
	Args   []Value
	Blob   []byte
}

func String(s string) Value { return Value{Kind: ValueLiteral, Type: LiteralString, Text: s} }

func Bool(b bool) Value {
	return Value{Kind: ValueLiteral, Type: LiteralBool, Text: strconv.FormatBool(b)}
}

func Int(i int64) Value {
	return Value{Kind: ValueLiteral, Type: LiteralInt, Text: strconv.FormatInt(i, 10)}
}

func Float(f float64) Value {
	return Value{Kind: ValueLiteral, Type: LiteralFloat, Text: strconv.FormatFloat(f, 'g', -1, 64)}
}

func URL(u string) Value { return Value{Kind: ValueLiteral, Type: LiteralURL, Text: u} }

func Bytes(b []byte) Value {
	return Value{Kind: ValueLiteral, Type: LiteralBytes, Blob: append([]byte(nil), b...)}
}

// Constructed declares a value obtained by instantiating the named type.
func Constructed(typeName string, args ...Value) Value {
	return Value{Kind: ValueConstructed, Text: typeName, Args: args}
}

// Computed declares a value obtained by invoking target.method.
func Computed(target, method string, args ...Value) Value {
	return Value{Kind: ValueComputed, Text: target, Method: method, Args: args}
}

// BundleFunc is the registry name that resolves localized bundle references.
// The callable receives the bundle name and the key as arguments.
const BundleFunc = "bundle"

// Bundle declares a localized value looked up as key in the named bundle.
func Bundle(bundle, key string) Value {
	return Computed(BundleFunc, "", String(bundle), String(key))
}

func Serialized(blob []byte) Value {
	return Value{Kind: ValueSerialized, Blob: append([]byte(nil), blob...)}
}

func Invalid(reason string) Value { return Value{Kind: ValueInvalid, Text: reason} }

// FuncName is the registry key of a constructed or computed value.
func (v Value) FuncName() string {
	if v.Kind == ValueComputed && v.Method != "" {
		return v.Text + "." + v.Method
	}
	return v.Text
}

// Literal decodes a literal value into its Go representation:
// string, bool, int64, float64, *url.URL or []byte.
func (v Value) Literal() (any, error) {
	if v.Kind != ValueLiteral {
		return nil, fmt.Errorf("%s value is not a literal", v.Kind)
	}
	switch v.Type {
	case LiteralString:
		return v.Text, nil
	case LiteralBool:
		return strconv.ParseBool(v.Text)
	case LiteralInt:
		return strconv.ParseInt(v.Text, 10, 64)
	case LiteralFloat:
		return strconv.ParseFloat(v.Text, 64)
	case LiteralURL:
		return url.Parse(v.Text)
	case LiteralBytes:
		return append([]byte(nil), v.Blob...), nil
	default:
		return nil, fmt.Errorf("unknown literal type %d", v.Type)
	}
}

// Equal reports whether two declarations are identical.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind || v.Type != o.Type || v.Text != o.Text || v.Method != o.Method {
		return false
	}
	if !bytes.Equal(v.Blob, o.Blob) || len(v.Args) != len(o.Args) {
		return false
	}
	for i := range v.Args {
		if !v.Args[i].Equal(o.Args[i]) {
			return false
		}
	}
	return true
}

func (v Value) String() string {
	switch v.Kind {
	case ValueLiteral:
		if v.Type == LiteralBytes {
			return fmt.Sprintf("bytes(%x)", v.Blob)
		}
		return fmt.Sprintf("%s(%s)", v.Type, v.Text)
	case ValueConstructed:
		return fmt.Sprintf("new(%s)", v.Text)
	case ValueComputed:
		return fmt.Sprintf("method(%s)", v.FuncName())
	case ValueSerialized:
		return fmt.Sprintf("serial(%d bytes)", len(v.Blob))
	case ValueInvalid:
		return fmt.Sprintf("invalid(%s)", v.Text)
	default:
		return "unknown"
	}
}
