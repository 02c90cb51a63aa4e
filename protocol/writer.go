package protocol

import (
	"bytes"
	"io"
	"math"
	"strconv"
)

// Version selects the reply dialect used when encoding values.
type Version int

const (
	RESP2 Version = 2
	RESP3 Version = 3
)

var crlf = []byte("\r\n")

// maxRetainedBuffer bounds the scratch buffer a Writer keeps between writes.
const maxRetainedBuffer = 64 * 1024

// AppendCommand appends the wire form of cmd to buf: an array header followed
// by one bulk string per argument.
func AppendCommand(buf []byte, cmd Command) ([]byte, error) {
	if cmd.Len() == 0 {
		return buf, NewProtocolError(ErrEmptyCommand, "can not encode command")
	}

	buf = appendHeader(buf, '*', int64(cmd.Len()))
	for _, arg := range cmd.Args() {
		buf = appendBulk(buf, '$', arg)
	}

	return buf, nil
}

// AppendValue appends the wire form of v to buf. RESP3 only shapes are folded
// into their RESP2 equivalents when ver is RESP2.
func AppendValue(buf []byte, v Value, ver Version) []byte {
	resp2 := ver < RESP3

	switch v.Kind {
	case KindNil:
		if resp2 {
			return append(buf, "$-1\r\n"...)
		}
		return append(buf, "_\r\n"...)

	case KindInteger:
		return appendHeader(buf, ':', v.Int)

	case KindBulk:
		return appendBulk(buf, '$', v.Str)

	case KindStatus:
		buf = append(buf, '+')
		buf = append(buf, oneLine(v.Str)...)
		return append(buf, crlf...)

	case KindError:
		line := []byte(v.Tag)
		if len(v.Str) > 0 {
			line = append(line, ' ')
			line = append(line, v.Str...)
		}

		if !resp2 && bytes.ContainsAny(line, "\r\n") {
			return appendBulk(buf, '!', line)
		}

		buf = append(buf, '-')
		buf = append(buf, oneLine(line)...)
		return append(buf, crlf...)

	case KindDouble:
		if resp2 {
			return appendBulk(buf, '$', []byte(formatDouble(v.Float)))
		}
		buf = append(buf, ',')
		buf = append(buf, formatDouble(v.Float)...)
		return append(buf, crlf...)

	case KindBoolean:
		switch {
		case resp2 && v.Bool:
			return append(buf, ":1\r\n"...)
		case resp2:
			return append(buf, ":0\r\n"...)
		case v.Bool:
			return append(buf, "#t\r\n"...)
		default:
			return append(buf, "#f\r\n"...)
		}

	case KindBigNumber:
		if resp2 {
			return appendBulk(buf, '$', v.Str)
		}
		buf = append(buf, '(')
		buf = append(buf, v.Str...)
		return append(buf, crlf...)

	case KindVerbatim:
		if resp2 {
			return appendBulk(buf, '$', v.Str)
		}
		payload := make([]byte, 0, len(v.Str)+4)
		payload = append(payload, verbatimFormat(v.Tag)...)
		payload = append(payload, ':')
		payload = append(payload, v.Str...)
		return appendBulk(buf, '=', payload)

	case KindArray, KindSet, KindMap:
		tag := byte('*')
		n := int64(len(v.Elems))
		switch {
		case resp2:
		case v.Kind == KindSet:
			tag = '~'
		case v.Kind == KindMap:
			tag = '%'
			n /= 2
		}

		buf = appendHeader(buf, tag, n)
		for _, e := range v.Elems {
			buf = AppendValue(buf, e, ver)
		}
		return buf

	case KindPush:
		tag := byte('>')
		if resp2 {
			tag = '*'
		}

		buf = appendHeader(buf, tag, int64(len(v.Elems)+1))
		buf = appendBulk(buf, '$', []byte(v.Tag))
		for _, e := range v.Elems {
			buf = AppendValue(buf, e, ver)
		}
		return buf
	}

	return buf
}

func appendHeader(buf []byte, tag byte, n int64) []byte {
	buf = append(buf, tag)
	buf = strconv.AppendInt(buf, n, 10)
	return append(buf, crlf...)
}

func appendBulk(buf []byte, tag byte, b []byte) []byte {
	buf = appendHeader(buf, tag, int64(len(b)))
	buf = append(buf, b...)
	return append(buf, crlf...)
}

// oneLine replaces line breaks so the content fits a simple string.
func oneLine(b []byte) []byte {
	if !bytes.ContainsAny(b, "\r\n") {
		return b
	}

	out := make([]byte, len(b))
	for i, c := range b {
		if c == '\r' || c == '\n' {
			c = ' '
		}
		out[i] = c
	}

	return out
}

func verbatimFormat(tag string) string {
	switch {
	case len(tag) == 3:
		return tag
	case len(tag) > 3:
		return tag[:3]
	default:
		return (tag + "txt")[:3]
	}
}

func formatDouble(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}

	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Writer encodes commands or replies onto an io.Writer. Each call issues a
// single Write. A Writer is not safe for concurrent use.
type Writer struct {
	w       io.Writer
	buf     []byte
	version Version
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, version: RESP2}
}

// SetVersion changes the dialect used by WriteValues.
func (w *Writer) SetVersion(ver Version) {
	w.version = ver
}

func (w *Writer) Version() Version {
	return w.version
}

// WriteCommands encodes every command and writes them with one Write. Nothing
// is written if any command is empty.
func (w *Writer) WriteCommands(cmds ...Command) error {
	buf := w.buf[:0]

	var err error
	for _, cmd := range cmds {
		if buf, err = AppendCommand(buf, cmd); err != nil {
			return err
		}
	}

	return w.flush(buf)
}

// WriteValues encodes every value in the writer's dialect with one Write.
func (w *Writer) WriteValues(vs ...Value) error {
	buf := w.buf[:0]
	for _, v := range vs {
		buf = AppendValue(buf, v, w.version)
	}

	return w.flush(buf)
}

func (w *Writer) flush(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	_, err := w.w.Write(buf)

	if cap(buf) <= maxRetainedBuffer {
		w.buf = buf[:0]
	} else {
		w.buf = nil
	}

	return err
}
