package protocol

import (
	"bytes"
	"math"
	"strconv"
	"strings"
)

// Kind discriminates the shapes a Value can take.
//
// The numeric order of the kinds is the order used by Compare.
type Kind uint8

const (
	KindNil Kind = iota
	KindInteger
	KindBulk
	KindStatus
	KindArray
	KindError
	KindDouble
	KindBoolean
	KindBigNumber
	KindVerbatim
	KindMap
	KindSet
	KindPush
)

var kindNames = [...]string{
	KindNil:       "nil",
	KindInteger:   "integer",
	KindBulk:      "bulk",
	KindStatus:    "status",
	KindArray:     "array",
	KindError:     "error",
	KindDouble:    "double",
	KindBoolean:   "boolean",
	KindBigNumber: "bignumber",
	KindVerbatim:  "verbatim",
	KindMap:       "map",
	KindSet:       "set",
	KindPush:      "push",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a single decoded reply.
//
// Only the fields relevant to Kind are populated:
//
//   - Int for KindInteger
//   - Float for KindDouble
//   - Bool for KindBoolean
//   - Str for KindBulk, KindStatus, KindBigNumber (the decimal digits), KindVerbatim (the content)
//     and KindError (the message)
//   - Tag for KindError (the error kind, e.g. "WRONGTYPE"), KindVerbatim (the format, e.g. "txt")
//     and KindPush (the push kind, e.g. "message")
//   - Elems for KindArray, KindSet, KindPush (the payload after the kind) and KindMap, where keys and
//     values alternate
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Bool  bool
	Str   []byte
	Tag   string
	Elems []Value
}

// Pair is a single map entry.
type Pair struct {
	Key   Value
	Value Value
}

func Nil() Value { return Value{Kind: KindNil} }

func Int(n int64) Value { return Value{Kind: KindInteger, Int: n} }

func Bulk(b []byte) Value { return Value{Kind: KindBulk, Str: b} }

func BulkString(s string) Value { return Value{Kind: KindBulk, Str: []byte(s)} }

func Status(s string) Value { return Value{Kind: KindStatus, Str: []byte(s)} }

func Array(elems ...Value) Value { return Value{Kind: KindArray, Elems: elems} }

// ErrorReply builds an error value from its kind tag and message.
func ErrorReply(kind, msg string) Value { return Value{Kind: KindError, Tag: kind, Str: []byte(msg)} }

func Double(f float64) Value { return Value{Kind: KindDouble, Float: f} }

func Bool(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }

// BigNumber wraps the decimal representation of an arbitrary precision integer.
// The digits are not validated.
func BigNumber(digits string) Value { return Value{Kind: KindBigNumber, Str: []byte(digits)} }

func Verbatim(format, content string) Value {
	return Value{Kind: KindVerbatim, Tag: format, Str: []byte(content)}
}

func Map(pairs ...Pair) Value {
	elems := make([]Value, 0, len(pairs)*2)
	for _, p := range pairs {
		elems = append(elems, p.Key, p.Value)
	}

	return Value{Kind: KindMap, Elems: elems}
}

func Set(elems ...Value) Value { return Value{Kind: KindSet, Elems: elems} }

func Push(kind string, payload ...Value) Value {
	return Value{Kind: KindPush, Tag: kind, Elems: payload}
}

// IsNil reports whether v is the nil reply.
func (v Value) IsNil() bool {
	return v.Kind == KindNil
}

// IsError reports whether v is an error reply.
func (v Value) IsError() bool {
	return v.Kind == KindError
}

// Err returns the reply as a *ServerError if it is an error reply, otherwise nil.
func (v Value) Err() error {
	if v.Kind != KindError {
		return nil
	}

	return &ServerError{Kind: v.Tag, Message: string(v.Str)}
}

// Pairs returns the entries of a map value, in wire order.
func (v Value) Pairs() []Pair {
	if v.Kind != KindMap {
		return nil
	}

	pairs := make([]Pair, 0, len(v.Elems)/2)
	for i := 0; i+1 < len(v.Elems); i += 2 {
		pairs = append(pairs, Pair{Key: v.Elems[i], Value: v.Elems[i+1]})
	}

	return pairs
}

// isAggregate reports whether the kind holds child values.
func (k Kind) isAggregate() bool {
	switch k {
	case KindArray, KindMap, KindSet, KindPush:
		return true
	}

	return false
}

// Equal reports whether a and b have the same shape and content.
//
// Doubles compare bitwise so that NaN equals NaN.
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}

// Compare orders values first by Kind and then by content. It is a total order
// intended for tests and debugging; the protocol defines no ordering.
func Compare(a, b Value) int {
	if a.Kind != b.Kind {
		if a.Kind < b.Kind {
			return -1
		}
		return 1
	}

	switch a.Kind {
	case KindNil:
		return 0

	case KindInteger:
		return compareInt(a.Int, b.Int)

	case KindDouble:
		if math.Float64bits(a.Float) == math.Float64bits(b.Float) {
			return 0
		}
		switch {
		case math.IsNaN(a.Float) && math.IsNaN(b.Float):
			return compareUint(math.Float64bits(a.Float), math.Float64bits(b.Float))
		case math.IsNaN(a.Float):
			return -1
		case math.IsNaN(b.Float):
			return 1
		case a.Float < b.Float:
			return -1
		case a.Float > b.Float:
			return 1
		}
		// -0 and +0
		return compareInt(int64(math.Float64bits(a.Float)), int64(math.Float64bits(b.Float)))

	case KindBoolean:
		switch {
		case a.Bool == b.Bool:
			return 0
		case !a.Bool:
			return -1
		default:
			return 1
		}

	case KindBulk, KindStatus, KindBigNumber:
		return bytes.Compare(a.Str, b.Str)

	case KindError, KindVerbatim:
		if c := strings.Compare(a.Tag, b.Tag); c != 0 {
			return c
		}
		return bytes.Compare(a.Str, b.Str)

	case KindPush:
		if c := strings.Compare(a.Tag, b.Tag); c != 0 {
			return c
		}
	}

	if a.Kind.isAggregate() {
		n := len(a.Elems)
		if len(b.Elems) < n {
			n = len(b.Elems)
		}

		for i := 0; i < n; i++ {
			if c := Compare(a.Elems[i], b.Elems[i]); c != 0 {
				return c
			}
		}

		return compareInt(int64(len(a.Elems)), int64(len(b.Elems)))
	}

	return 0
}

func compareUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// String renders the value roughly the way redis-cli would.
func (v Value) String() string {
	var sb strings.Builder
	v.format(&sb)
	return sb.String()
}

func (v Value) format(sb *strings.Builder) {
	switch v.Kind {
	case KindNil:
		sb.WriteString("(nil)")

	case KindInteger:
		sb.WriteString("(integer) ")
		sb.WriteString(strconv.FormatInt(v.Int, 10))

	case KindDouble:
		sb.WriteString("(double) ")
		sb.WriteString(formatDouble(v.Float))

	case KindBoolean:
		if v.Bool {
			sb.WriteString("(true)")
		} else {
			sb.WriteString("(false)")
		}

	case KindBulk:
		sb.WriteString(strconv.Quote(string(v.Str)))

	case KindStatus:
		sb.Write(v.Str)

	case KindBigNumber:
		sb.WriteString("(big number) ")
		sb.Write(v.Str)

	case KindVerbatim:
		sb.WriteString(v.Tag)
		sb.WriteByte(':')
		sb.Write(v.Str)

	case KindError:
		sb.WriteString("(error) ")
		sb.WriteString(v.Tag)
		if len(v.Str) > 0 {
			sb.WriteByte(' ')
			sb.Write(v.Str)
		}

	case KindArray, KindSet, KindMap, KindPush:
		switch v.Kind {
		case KindSet:
			sb.WriteString("set")
		case KindMap:
			sb.WriteString("map")
		case KindPush:
			sb.WriteString("push ")
			sb.WriteString(v.Tag)
		}
		sb.WriteByte('[')
		for i, e := range v.Elems {
			if i > 0 {
				if v.Kind == KindMap && i%2 == 1 {
					sb.WriteString(": ")
				} else {
					sb.WriteString(", ")
				}
			}
			e.format(sb)
		}
		sb.WriteByte(']')

	default:
		sb.WriteString(v.Kind.String())
	}
}
