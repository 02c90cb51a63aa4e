package gateway

import (
	"math"
	"strconv"

	"github.com/tidwall/sjson"

	"github.com/luma/respite/client"
	"github.com/luma/respite/protocol"
)

// renderResults encodes results as {"results":[...]}, adding "error" when
// the batch as a whole failed.
func renderResults(results []client.Result, batchErr error) ([]byte, error) {
	out := []byte(`{"results":[]}`)

	var err error
	for i, res := range results {
		path := "results." + strconv.Itoa(i)

		if res.Err != nil && !res.Value.IsError() {
			if out, err = renderError(out, path, "", res.Err.Error()); err != nil {
				return nil, err
			}
			continue
		}

		if out, err = renderValue(out, path, res.Value); err != nil {
			return nil, err
		}
	}

	if batchErr != nil {
		if out, err = sjson.SetBytes(out, "error", batchErr.Error()); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// renderValue sets path to {"type":kind,"value":...}. Aggregates nest, map
// entries become {"key":...,"value":...} pairs to keep non-string keys.
func renderValue(out []byte, path string, v protocol.Value) ([]byte, error) {
	if v.Kind == protocol.KindError {
		return renderError(out, path, v.Tag, string(v.Str))
	}

	out, err := sjson.SetBytes(out, path+".type", v.Kind.String())
	if err != nil {
		return nil, err
	}

	value := path + ".value"

	switch v.Kind {
	case protocol.KindNil:
		return sjson.SetRawBytes(out, value, []byte("null"))

	case protocol.KindInteger:
		return sjson.SetBytes(out, value, v.Int)

	case protocol.KindDouble:
		if math.IsInf(v.Float, 0) || math.IsNaN(v.Float) {
			return sjson.SetBytes(out, value, strconv.FormatFloat(v.Float, 'g', -1, 64))
		}
		return sjson.SetBytes(out, value, v.Float)

	case protocol.KindBoolean:
		return sjson.SetBytes(out, value, v.Bool)

	case protocol.KindVerbatim:
		if out, err = sjson.SetBytes(out, path+".format", v.Tag); err != nil {
			return nil, err
		}
		return sjson.SetBytes(out, value, string(v.Str))

	case protocol.KindArray, protocol.KindSet, protocol.KindPush:
		if v.Kind == protocol.KindPush {
			if out, err = sjson.SetBytes(out, path+".kind", v.Tag); err != nil {
				return nil, err
			}
		}
		return renderElems(out, value, v.Elems)

	case protocol.KindMap:
		if out, err = sjson.SetRawBytes(out, value, []byte("[]")); err != nil {
			return nil, err
		}
		for i, pair := range v.Pairs() {
			entry := value + "." + strconv.Itoa(i)
			if out, err = renderValue(out, entry+".key", pair.Key); err != nil {
				return nil, err
			}
			if out, err = renderValue(out, entry+".value", pair.Value); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	// Status, bulk and big numbers are strings.
	return sjson.SetBytes(out, value, string(v.Str))
}

func renderElems(out []byte, path string, elems []protocol.Value) ([]byte, error) {
	out, err := sjson.SetRawBytes(out, path, []byte("[]"))
	if err != nil {
		return nil, err
	}

	for i, e := range elems {
		if out, err = renderValue(out, path+"."+strconv.Itoa(i), e); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func renderError(out []byte, path, kind, msg string) ([]byte, error) {
	out, err := sjson.SetBytes(out, path+".type", "error")
	if err != nil {
		return nil, err
	}

	if kind != "" {
		if out, err = sjson.SetBytes(out, path+".kind", kind); err != nil {
			return nil, err
		}
	}

	return sjson.SetBytes(out, path+".message", msg)
}
