package convert

import (
	"math/big"
	"reflect"
	"strconv"

	"github.com/luma/respite/protocol"
)

// ValueScanner is implemented by types that decode a reply themselves.
type ValueScanner interface {
	ScanValue(v protocol.Value) error
}

type discard struct{}

// Discard can be passed as a destination to drop any reply that is not an
// error.
var Discard interface{} = discard{}

var (
	valueType   = reflect.TypeOf(protocol.Value{})
	bigIntType  = reflect.TypeOf(big.Int{})
	scannerType = reflect.TypeOf((*ValueScanner)(nil)).Elem()
)

// Scan converts v into the value pointed to by dst.
//
// An error reply always fails with its *protocol.ServerError, whatever dst is.
// A nil reply only converts into pointers, which are set to nil, and into
// slices and maps, which are emptied. Integer and status replies are never
// treated as booleans; use ScanCommand for that.
func Scan(v protocol.Value, dst interface{}) error {
	return ScanCommand("", v, dst)
}

// ScanCommand is like Scan but converts booleans following the conventions
// of the named command, e.g. EXISTS replies 1 or 0 and SET NX replies OK or nil.
func ScanCommand(cmd string, v protocol.Value, dst interface{}) error {
	if err := v.Err(); err != nil {
		return err
	}

	s := scanner{info: protocol.LookupCommand(cmd)}
	return s.scan(v, dst)
}

type scanner struct {
	info protocol.CommandInfo
}

func (s scanner) scan(v protocol.Value, dst interface{}) error {
	switch dst := dst.(type) {
	case nil, discard, *discard:
		return nil
	case ValueScanner:
		return dst.ScanValue(v)
	case *protocol.Value:
		*dst = v
		return nil
	case *interface{}:
		n, err := natural(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	case *big.Int:
		return scanBigInt(v, dst)
	}

	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return &protocol.TypeMismatchError{Kind: v.Kind, Target: rv.Type().String(), Detail: "destination must be a non-nil pointer"}
	}

	return s.scanValue(v, rv.Elem())
}

func (s scanner) scanValue(v protocol.Value, dst reflect.Value) error {
	if err := v.Err(); err != nil {
		return err
	}

	if dst.CanAddr() && dst.Addr().Type().Implements(scannerType) {
		return dst.Addr().Interface().(ValueScanner).ScanValue(v)
	}

	switch dst.Type() {
	case valueType:
		dst.Set(reflect.ValueOf(v))
		return nil
	case bigIntType:
		return scanBigInt(v, dst.Addr().Interface().(*big.Int))
	}

	switch dst.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}

		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return s.scanValue(v, dst.Elem())

	case reflect.Interface:
		if dst.NumMethod() != 0 {
			break
		}

		n, err := natural(v)
		if err != nil {
			return err
		}
		if n == nil {
			dst.Set(reflect.Zero(dst.Type()))
		} else {
			dst.Set(reflect.ValueOf(n))
		}
		return nil

	case reflect.String:
		b, err := toBytes(v, dst.Type())
		if err != nil {
			return err
		}
		dst.SetString(string(b))
		return nil

	case reflect.Bool:
		b, err := s.toBool(v)
		if err != nil {
			return err
		}
		dst.SetBool(b)
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt64(v, dst.Type())
		if err != nil {
			return err
		}
		if dst.OverflowInt(n) {
			return mismatch(v, dst.Type(), strconv.FormatInt(n, 10)+" overflows")
		}
		dst.SetInt(n)
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := toUint64(v, dst.Type())
		if err != nil {
			return err
		}
		if dst.OverflowUint(n) {
			return mismatch(v, dst.Type(), strconv.FormatUint(n, 10)+" overflows")
		}
		dst.SetUint(n)
		return nil

	case reflect.Float32, reflect.Float64:
		f, err := toFloat64(v, dst.Type())
		if err != nil {
			return err
		}
		dst.SetFloat(f)
		return nil

	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			b, err := toBytes(v, dst.Type())
			if err != nil {
				return err
			}
			dst.SetBytes(append([]byte(nil), b...))
			return nil
		}
		return s.scanSlice(v, dst)

	case reflect.Array:
		elems, ok := sequence(v)
		if !ok || len(elems) != dst.Len() {
			return mismatch(v, dst.Type(), "length differs")
		}
		for i, e := range elems {
			if err := s.scanValue(e, dst.Index(i)); err != nil {
				return err
			}
		}
		return nil

	case reflect.Map:
		return s.scanMap(v, dst)
	}

	return mismatch(v, dst.Type(), "")
}

func (s scanner) scanSlice(v protocol.Value, dst reflect.Value) error {
	elems, ok := sequence(v)
	if !ok {
		return mismatch(v, dst.Type(), "")
	}

	out := reflect.MakeSlice(dst.Type(), len(elems), len(elems))
	for i, e := range elems {
		if err := s.scanValue(e, out.Index(i)); err != nil {
			return err
		}
	}

	dst.Set(out)
	return nil
}

func (s scanner) scanMap(v protocol.Value, dst reflect.Value) error {
	var elems []protocol.Value
	switch v.Kind {
	case protocol.KindNil:
	case protocol.KindMap:
		elems = v.Elems
	case protocol.KindArray:
		if len(v.Elems)%2 != 0 {
			return mismatch(v, dst.Type(), "odd number of elements")
		}
		elems = v.Elems
	default:
		return mismatch(v, dst.Type(), "")
	}

	typ := dst.Type()
	out := reflect.MakeMapWithSize(typ, len(elems)/2)

	for i := 0; i+1 < len(elems); i += 2 {
		key := reflect.New(typ.Key()).Elem()
		if err := s.scanValue(elems[i], key); err != nil {
			return err
		}

		val := reflect.New(typ.Elem()).Elem()
		if err := s.scanValue(elems[i+1], val); err != nil {
			return err
		}

		out.SetMapIndex(key, val)
	}

	dst.Set(out)
	return nil
}

func (s scanner) toBool(v protocol.Value) (bool, error) {
	if v.Kind == protocol.KindBoolean {
		return v.Bool, nil
	}

	switch s.info.Bool {
	case protocol.BoolNonZero:
		switch v.Kind {
		case protocol.KindInteger:
			return v.Int != 0, nil
		case protocol.KindBulk, protocol.KindStatus:
			switch string(v.Str) {
			case "1":
				return true, nil
			case "0":
				return false, nil
			}
		}

	case protocol.BoolOK:
		switch v.Kind {
		case protocol.KindNil:
			return false, nil
		case protocol.KindStatus:
			return string(v.Str) == "OK", nil
		}
	}

	return false, mismatch(v, reflect.TypeOf(false), s.info.Name)
}

// sequence returns the elements of any reply that converts into a slice.
func sequence(v protocol.Value) ([]protocol.Value, bool) {
	switch v.Kind {
	case protocol.KindNil:
		return nil, true
	case protocol.KindArray, protocol.KindSet, protocol.KindMap, protocol.KindPush:
		return v.Elems, true
	}

	return nil, false
}

func toBytes(v protocol.Value, typ reflect.Type) ([]byte, error) {
	switch v.Kind {
	case protocol.KindBulk, protocol.KindStatus, protocol.KindVerbatim, protocol.KindBigNumber:
		return v.Str, nil
	}

	return nil, mismatch(v, typ, "")
}

func toInt64(v protocol.Value, typ reflect.Type) (int64, error) {
	switch v.Kind {
	case protocol.KindInteger:
		return v.Int, nil

	case protocol.KindBulk, protocol.KindStatus:
		n, err := strconv.ParseInt(string(v.Str), 10, 64)
		if err != nil {
			return 0, mismatch(v, typ, strconv.Quote(string(v.Str)))
		}
		return n, nil

	case protocol.KindBigNumber:
		n, ok := new(big.Int).SetString(string(v.Str), 10)
		if !ok || !n.IsInt64() {
			return 0, mismatch(v, typ, string(v.Str)+" does not fit")
		}
		return n.Int64(), nil
	}

	return 0, mismatch(v, typ, "")
}

func toUint64(v protocol.Value, typ reflect.Type) (uint64, error) {
	switch v.Kind {
	case protocol.KindInteger:
		if v.Int < 0 {
			return 0, mismatch(v, typ, strconv.FormatInt(v.Int, 10)+" is negative")
		}
		return uint64(v.Int), nil

	case protocol.KindBulk, protocol.KindStatus, protocol.KindBigNumber:
		n, err := strconv.ParseUint(string(v.Str), 10, 64)
		if err != nil {
			return 0, mismatch(v, typ, strconv.Quote(string(v.Str)))
		}
		return n, nil
	}

	return 0, mismatch(v, typ, "")
}

func toFloat64(v protocol.Value, typ reflect.Type) (float64, error) {
	switch v.Kind {
	case protocol.KindDouble:
		return v.Float, nil

	case protocol.KindInteger:
		return float64(v.Int), nil

	case protocol.KindBulk, protocol.KindStatus, protocol.KindBigNumber:
		f, err := strconv.ParseFloat(string(v.Str), 64)
		if err != nil {
			return 0, mismatch(v, typ, strconv.Quote(string(v.Str)))
		}
		return f, nil
	}

	return 0, mismatch(v, typ, "")
}

func scanBigInt(v protocol.Value, dst *big.Int) error {
	if err := v.Err(); err != nil {
		return err
	}

	switch v.Kind {
	case protocol.KindInteger:
		dst.SetInt64(v.Int)
		return nil

	case protocol.KindBigNumber, protocol.KindBulk, protocol.KindStatus:
		if _, ok := dst.SetString(string(v.Str), 10); ok {
			return nil
		}
		return mismatch(v, bigIntType, strconv.Quote(string(v.Str)))
	}

	return mismatch(v, bigIntType, "")
}

// natural converts v into the Go value a caller without a specific type in
// mind would expect.
func natural(v protocol.Value) (interface{}, error) {
	switch v.Kind {
	case protocol.KindNil:
		return nil, nil
	case protocol.KindError:
		return nil, v.Err()
	case protocol.KindInteger:
		return v.Int, nil
	case protocol.KindDouble:
		return v.Float, nil
	case protocol.KindBoolean:
		return v.Bool, nil
	case protocol.KindBulk, protocol.KindStatus, protocol.KindVerbatim:
		return string(v.Str), nil
	case protocol.KindBigNumber:
		if n, ok := new(big.Int).SetString(string(v.Str), 10); ok {
			return n, nil
		}
		return string(v.Str), nil

	case protocol.KindMap:
		m := make(map[string]interface{}, len(v.Elems)/2)
		for _, p := range v.Pairs() {
			val, err := natural(p.Value)
			if err != nil {
				return nil, err
			}
			m[mapKey(p.Key)] = val
		}
		return m, nil
	}

	out := make([]interface{}, len(v.Elems))
	for i, e := range v.Elems {
		n, err := natural(e)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}

	return out, nil
}

func mapKey(v protocol.Value) string {
	switch v.Kind {
	case protocol.KindBulk, protocol.KindStatus, protocol.KindVerbatim, protocol.KindBigNumber:
		return string(v.Str)
	case protocol.KindInteger:
		return strconv.FormatInt(v.Int, 10)
	}

	return v.String()
}

func mismatch(v protocol.Value, typ reflect.Type, detail string) error {
	return &protocol.TypeMismatchError{Kind: v.Kind, Target: typ.String(), Detail: detail}
}

// Int64 converts an integer reply.
func Int64(v protocol.Value) (int64, error) {
	var n int64
	err := Scan(v, &n)
	return n, err
}

// Float64 converts a double, integer or numeric string reply.
func Float64(v protocol.Value) (float64, error) {
	var f float64
	err := Scan(v, &f)
	return f, err
}

// String converts any string-like reply.
func String(v protocol.Value) (string, error) {
	var s string
	err := Scan(v, &s)
	return s, err
}

// Bytes converts any string-like reply.
func Bytes(v protocol.Value) ([]byte, error) {
	var b []byte
	err := Scan(v, &b)
	return b, err
}

// Bool converts a boolean reply, or an integer or status reply when cmd says
// how to read it.
func Bool(cmd string, v protocol.Value) (bool, error) {
	var b bool
	err := ScanCommand(cmd, v, &b)
	return b, err
}

// Strings converts a sequence of string-like replies.
func Strings(v protocol.Value) ([]string, error) {
	var ss []string
	err := Scan(v, &ss)
	return ss, err
}

// StringMap converts a map reply, or the flat field/value array RESP2 servers
// send for HGETALL.
func StringMap(v protocol.Value) (map[string]string, error) {
	var m map[string]string
	err := Scan(v, &m)
	return m, err
}
