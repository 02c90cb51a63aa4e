package convert

import (
	"bytes"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/luma/respite/protocol"
)

// ArgAppender is implemented by types that expand into command arguments on
// their own.
type ArgAppender interface {
	AppendArgs(args [][]byte) ([][]byte, error)
}

// Args turns Go values into command arguments.
//
// Primitives become one argument each. nil, nil pointers and empty slices
// become no arguments at all, which is how optional parameters are left out.
// Slices and arrays are flattened in order. Maps are flattened into
// alternating keys and values, sorted by the encoded key. A []byte is always
// exactly one argument, even when empty.
func Args(values ...interface{}) ([][]byte, error) {
	return AppendArgs(nil, values...)
}

// AppendArgs is like Args but appends to args.
func AppendArgs(args [][]byte, values ...interface{}) ([][]byte, error) {
	var err error
	for _, v := range values {
		if args, err = appendArg(args, v); err != nil {
			return args, err
		}
	}

	return args, nil
}

// Command builds a command from its name and Go valued arguments.
func Command(name string, values ...interface{}) (protocol.Command, error) {
	args, err := AppendArgs([][]byte{[]byte(name)}, values...)
	if err != nil {
		return protocol.Command{}, err
	}

	return protocol.CommandFromArgs(args), nil
}

func appendArg(args [][]byte, v interface{}) ([][]byte, error) {
	switch v := v.(type) {
	case nil:
		return args, nil
	case ArgAppender:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Ptr && rv.IsNil() {
			return args, nil
		}
		return v.AppendArgs(args)
	case string:
		return append(args, []byte(v)), nil
	case []byte:
		return append(args, append([]byte(nil), v...)), nil
	case int:
		return append(args, strconv.AppendInt(nil, int64(v), 10)), nil
	case int64:
		return append(args, strconv.AppendInt(nil, v, 10)), nil
	case uint64:
		return append(args, strconv.AppendUint(nil, v, 10)), nil
	case bool:
		return append(args, formatBool(v)), nil
	case float64:
		b, err := formatFloat(v, 64)
		if err != nil {
			return args, err
		}
		return append(args, b), nil
	}

	return appendReflect(args, reflect.ValueOf(v))
}

func appendReflect(args [][]byte, rv reflect.Value) ([][]byte, error) {
	if rv.CanInterface() {
		if a, ok := rv.Interface().(ArgAppender); ok {
			if rv.Kind() == reflect.Ptr && rv.IsNil() {
				return args, nil
			}
			return a.AppendArgs(args)
		}
	}

	switch rv.Kind() {
	case reflect.Invalid:
		return args, nil

	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return args, nil
		}
		return appendReflect(args, rv.Elem())

	case reflect.String:
		return append(args, []byte(rv.String())), nil

	case reflect.Bool:
		return append(args, formatBool(rv.Bool())), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return append(args, strconv.AppendInt(nil, rv.Int(), 10)), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return append(args, strconv.AppendUint(nil, rv.Uint(), 10)), nil

	case reflect.Float32, reflect.Float64:
		bits := 64
		if rv.Kind() == reflect.Float32 {
			bits = 32
		}
		b, err := formatFloat(rv.Float(), bits)
		if err != nil {
			return args, err
		}
		return append(args, b), nil

	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			for i := range b {
				b[i] = byte(rv.Index(i).Uint())
			}
			return append(args, b), nil
		}

		var err error
		for i := 0; i < rv.Len(); i++ {
			if args, err = appendReflect(args, rv.Index(i)); err != nil {
				return args, err
			}
		}
		return args, nil

	case reflect.Map:
		return appendMap(args, rv)
	}

	return args, &protocol.TypeMismatchError{From: rv.Type().String(), Target: "command arguments"}
}

type mapEntry struct {
	key   [][]byte
	value reflect.Value
}

func appendMap(args [][]byte, rv reflect.Value) ([][]byte, error) {
	entries := make([]mapEntry, 0, rv.Len())

	iter := rv.MapRange()
	for iter.Next() {
		key, err := appendReflect(nil, iter.Key())
		if err != nil {
			return args, err
		}
		entries = append(entries, mapEntry{key: key, value: iter.Value()})
	}

	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(bytes.Join(entries[i].key, nil), bytes.Join(entries[j].key, nil)) < 0
	})

	var err error
	for _, e := range entries {
		args = append(args, e.key...)
		if args, err = appendReflect(args, e.value); err != nil {
			return args, err
		}
	}

	return args, nil
}

func formatBool(b bool) []byte {
	if b {
		return []byte("1")
	}

	return []byte("0")
}

func formatFloat(f float64, bits int) ([]byte, error) {
	switch {
	case math.IsInf(f, 1):
		return []byte("+inf"), nil
	case math.IsInf(f, -1):
		return []byte("-inf"), nil
	case math.IsNaN(f):
		return nil, &protocol.TypeMismatchError{From: "float NaN", Target: "command arguments"}
	}

	return strconv.AppendFloat(nil, f, 'g', -1, bits), nil
}
