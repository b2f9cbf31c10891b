package types

import (
	"fmt"
	"strconv"
)

// ValueKind tags the variants of Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindInteger
	KindReal
	KindText
	KindBlob
)

// Value is the parameter and result cell type shared with backends.
// Exactly one variant is populated; Kind selects it.
type Value struct {
	Kind    ValueKind
	Integer int64
	Real    float64
	Text    string
	Blob    []byte
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// Integer wraps an int64.
func Integer(v int64) Value { return Value{Kind: KindInteger, Integer: v} }

// Real wraps a float64.
func Real(v float64) Value { return Value{Kind: KindReal, Real: v} }

// Text wraps a string.
func Text(v string) Value { return Value{Kind: KindText, Text: v} }

// Blob wraps a byte slice. The slice is not copied.
func Blob(v []byte) Value { return Value{Kind: KindBlob, Blob: v} }

// TextOrNull wraps a *string, mapping nil to Null.
func TextOrNull(v *string) Value {
	if v == nil {
		return Null()
	}
	return Text(*v)
}

// IsNull reports whether the value is the null variant.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// AsText returns the text form of the value. Integers and reals are
// formatted, blobs are converted byte-for-byte, null yields "".
func (v Value) AsText() string {
	switch v.Kind {
	case KindText:
		return v.Text
	case KindInteger:
		return strconv.FormatInt(v.Integer, 10)
	case KindReal:
		return strconv.FormatFloat(v.Real, 'g', -1, 64)
	case KindBlob:
		return string(v.Blob)
	default:
		return ""
	}
}

// AsTextPtr returns the text form, or nil for null.
func (v Value) AsTextPtr() *string {
	if v.IsNull() {
		return nil
	}
	s := v.AsText()
	return &s
}

// AsInt returns the integer form of the value, coercing text and reals.
func (v Value) AsInt() int64 {
	switch v.Kind {
	case KindInteger:
		return v.Integer
	case KindReal:
		return int64(v.Real)
	case KindText:
		n, _ := strconv.ParseInt(v.Text, 10, 64)
		return n
	default:
		return 0
	}
}

// ToDriver converts the value to something database/sql can bind.
func (v Value) ToDriver() any {
	switch v.Kind {
	case KindInteger:
		return v.Integer
	case KindReal:
		return v.Real
	case KindText:
		return v.Text
	case KindBlob:
		return v.Blob
	default:
		return nil
	}
}

// FromDriver converts a scanned database/sql value into a Value.
func FromDriver(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case int64:
		return Integer(t)
	case int:
		return Integer(int64(t))
	case float64:
		return Real(t)
	case bool:
		if t {
			return Integer(1)
		}
		return Integer(0)
	case string:
		return Text(t)
	case []byte:
		// Drivers hand TEXT back as []byte; treat it as text so JSON
		// snapshots survive the round trip.
		return Text(string(t))
	default:
		return Text(fmt.Sprint(t))
	}
}

// DriverParams converts a Value slice for ExecContext/QueryContext.
func DriverParams(params []Value) []any {
	out := make([]any, len(params))
	for i, p := range params {
		out[i] = p.ToDriver()
	}
	return out
}
