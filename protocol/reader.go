package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

// Limits bound the resources a single reply may claim.
type Limits struct {
	// MaxDepth is the maximum number of nested aggregates.
	MaxDepth int

	// MaxBulkLength is the maximum length of a bulk payload or of a single line.
	MaxBulkLength int64

	// MaxAggregateLength is the maximum number of elements in one aggregate.
	MaxAggregateLength int64
}

func DefaultLimits() Limits {
	return Limits{
		MaxDepth:           512,
		MaxBulkLength:      512 << 20,
		MaxAggregateLength: 1 << 24,
	}
}

// preallocCap caps the up front allocation for an aggregate; the remainder
// grows as elements actually arrive.
const preallocCap = 1024

// Reader decodes RESP2 and RESP3 replies from a buffered stream.
//
// Once a read fails the Reader is broken: every later call returns the same
// error and no further bytes are consumed.
type Reader struct {
	br          *bufio.Reader
	limits      Limits
	pushAllowed func() bool
	err         error
}

func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}

	return &Reader{br: br, limits: DefaultLimits()}
}

// SetLimits replaces the limits. Zero fields keep their defaults.
func (r *Reader) SetLimits(l Limits) {
	def := DefaultLimits()
	if l.MaxDepth <= 0 {
		l.MaxDepth = def.MaxDepth
	}
	if l.MaxBulkLength <= 0 {
		l.MaxBulkLength = def.MaxBulkLength
	}
	if l.MaxAggregateLength <= 0 {
		l.MaxAggregateLength = def.MaxAggregateLength
	}

	r.limits = l
}

// SetPushAllowed installs the predicate consulted whenever a top level push
// reply is read. Without one, push replies are rejected.
func (r *Reader) SetPushAllowed(fn func() bool) {
	r.pushAllowed = fn
}

// Err returns the error that broke the reader, if any.
func (r *Reader) Err() error {
	return r.err
}

// ReadValue reads exactly one reply.
func (r *Reader) ReadValue() (Value, error) {
	if r.err != nil {
		return Value{}, r.err
	}

	v, err := r.readValue()
	if err != nil {
		r.err = err
		return Value{}, err
	}

	return v, nil
}

// ReadCommand reads one command as a client sends it: either an array of bulk
// strings or an inline line of space separated words. Blank inline lines are
// skipped.
func (r *Reader) ReadCommand() (Command, error) {
	for {
		if r.err != nil {
			return Command{}, r.err
		}

		tag, err := r.br.Peek(1)
		if err != nil {
			r.err = err
			return Command{}, err
		}

		if tag[0] != '*' {
			line, err := r.readLine()
			if err != nil {
				r.err = err
				return Command{}, err
			}

			words := bytes.Fields(line)
			if len(words) == 0 {
				continue
			}

			return CommandFromArgs(words), nil
		}

		v, err := r.ReadValue()
		if err != nil {
			return Command{}, err
		}

		if v.Kind != KindArray || len(v.Elems) == 0 {
			r.err = NewProtocolError(ErrEmptyCommand, "expected a non-empty array of bulk strings, got %s", v.Kind)
			return Command{}, r.err
		}

		args := make([][]byte, len(v.Elems))
		for i, e := range v.Elems {
			if e.Kind != KindBulk {
				r.err = NewProtocolError(ErrUnknownType, "command argument %d is a %s", i, e.Kind)
				return Command{}, r.err
			}
			args[i] = e.Str
		}

		return Command{args: args}, nil
	}
}

type frame struct {
	kind  Kind
	want  int
	elems []Value
}

func (f *frame) finish() (Value, error) {
	if f.kind != KindPush {
		return Value{Kind: f.kind, Elems: f.elems}, nil
	}

	kind := f.elems[0]
	if kind.Kind != KindBulk && kind.Kind != KindStatus {
		return Value{}, NewProtocolError(ErrUnknownType, "push kind is a %s", kind.Kind)
	}

	return Value{Kind: KindPush, Tag: string(kind.Str), Elems: f.elems[1:]}, nil
}

// readValue decodes with an explicit stack so hostile nesting can not exhaust
// the goroutine stack.
func (r *Reader) readValue() (Value, error) {
	var stack []frame

	for {
		v, f, err := r.readHeader(len(stack) == 0)
		if err != nil {
			return Value{}, err
		}

		if f != nil {
			if len(stack) >= r.limits.MaxDepth {
				return Value{}, NewProtocolError(ErrTooDeep, "more than %d nested aggregates", r.limits.MaxDepth)
			}

			if f.want > 0 {
				stack = append(stack, *f)
				continue
			}

			if v, err = f.finish(); err != nil {
				return Value{}, err
			}
		}

		for {
			if len(stack) == 0 {
				return v, nil
			}

			top := &stack[len(stack)-1]
			top.elems = append(top.elems, v)
			if len(top.elems) < top.want {
				break
			}

			if v, err = top.finish(); err != nil {
				return Value{}, err
			}
			stack = stack[:len(stack)-1]
		}
	}
}

// readHeader reads one type line. Scalars are returned complete; aggregates
// are returned as a frame still waiting for their elements.
func (r *Reader) readHeader(topLevel bool) (Value, *frame, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, nil, err
	}

	if len(line) == 0 {
		return Value{}, nil, NewProtocolError(ErrUnknownType, "empty line")
	}

	tag, rest := line[0], line[1:]

	switch tag {
	case '+':
		return Status(string(rest)), nil, nil

	case '-':
		return errorValue(rest), nil, nil

	case ':':
		n, err := parseInt(rest)
		if err != nil {
			return Value{}, nil, err
		}
		return Int(n), nil, nil

	case '_':
		if len(rest) != 0 {
			return Value{}, nil, NewProtocolError(ErrUnknownType, "null carries data %q", rest)
		}
		return Nil(), nil, nil

	case '#':
		switch string(rest) {
		case "t":
			return Bool(true), nil, nil
		case "f":
			return Bool(false), nil, nil
		}
		return Value{}, nil, NewProtocolError(ErrInvalidBoolean, "%q", rest)

	case ',':
		if !isDouble(rest) {
			return Value{}, nil, NewProtocolError(ErrInvalidDouble, "%q", rest)
		}
		f, err := strconv.ParseFloat(string(rest), 64)
		if err != nil {
			return Value{}, nil, NewProtocolError(ErrInvalidDouble, "%q", rest)
		}
		return Double(f), nil, nil

	case '(':
		if !isBigNumber(rest) {
			return Value{}, nil, NewProtocolError(ErrInvalidInteger, "big number %q", rest)
		}
		return BigNumber(string(rest)), nil, nil

	case '$', '!', '=':
		n, err := parseInt(rest)
		if err != nil {
			return Value{}, nil, err
		}

		if n == -1 && tag == '$' {
			return Nil(), nil, nil
		}

		payload, err := r.readBulk(n)
		if err != nil {
			return Value{}, nil, err
		}

		switch tag {
		case '!':
			return errorValue(payload), nil, nil
		case '=':
			if len(payload) < 4 || payload[3] != ':' {
				return Value{}, nil, NewProtocolError(ErrInvalidLength, "verbatim string without format prefix")
			}
			return Value{Kind: KindVerbatim, Tag: string(payload[:3]), Str: payload[4:]}, nil, nil
		}
		return Bulk(payload), nil, nil

	case '*', '~', '%', '>':
		n, err := parseInt(rest)
		if err != nil {
			return Value{}, nil, err
		}

		if n == -1 && tag == '*' {
			return Nil(), nil, nil
		}

		kind := KindArray
		switch tag {
		case '~':
			kind = KindSet
		case '%':
			kind = KindMap
			if n > 0 && n <= r.limits.MaxAggregateLength {
				n *= 2
			}
		case '>':
			kind = KindPush
			if !topLevel || r.pushAllowed == nil || !r.pushAllowed() {
				return Value{}, nil, NewProtocolError(ErrUnexpectedPush, "push reply of %d elements", n)
			}
			if n < 1 {
				return Value{}, nil, NewProtocolError(ErrInvalidLength, "push reply without a kind")
			}
		}

		if n < 0 {
			return Value{}, nil, NewProtocolError(ErrInvalidLength, "aggregate length %d", n)
		}
		if n > r.limits.MaxAggregateLength {
			return Value{}, nil, NewProtocolError(ErrTooLarge, "aggregate of %d elements", n)
		}

		size := n
		if size > preallocCap {
			size = preallocCap
		}

		return Value{}, &frame{kind: kind, want: int(n), elems: make([]Value, 0, size)}, nil
	}

	return Value{}, nil, NewProtocolError(ErrUnknownType, "tag %q", tag)
}

// readLine returns the next line without its CRLF. The result is only valid
// until the next read.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		buf := append([]byte(nil), line...)
		for errors.Is(err, bufio.ErrBufferFull) {
			if int64(len(buf)) > r.limits.MaxBulkLength {
				return nil, NewProtocolError(ErrTooLarge, "line longer than %d bytes", r.limits.MaxBulkLength)
			}
			line, err = r.br.ReadSlice('\n')
			buf = append(buf, line...)
		}
		line = buf
	}

	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, NewProtocolError(ErrMissingCRLF, "line %q", line)
	}

	return line[:len(line)-2], nil
}

func (r *Reader) readBulk(n int64) ([]byte, error) {
	if n < 0 {
		return nil, NewProtocolError(ErrInvalidLength, "bulk length %d", n)
	}
	if n > r.limits.MaxBulkLength {
		return nil, NewProtocolError(ErrTooLarge, "bulk of %d bytes", n)
	}

	buf := make([]byte, n+2)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if buf[n] != '\r' || buf[n+1] != '\n' {
		return nil, NewProtocolError(ErrMissingCRLF, "bulk of %d bytes", n)
	}

	return buf[:n:n], nil
}

func parseInt(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, NewProtocolError(ErrInvalidInteger, "%q", b)
	}

	return n, nil
}

func isBigNumber(b []byte) bool {
	if len(b) > 0 && (b[0] == '-' || b[0] == '+') {
		b = b[1:]
	}

	if len(b) == 0 {
		return false
	}

	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}

	return true
}

// isDouble accepts inf, -inf, nan and [sign][digits][.digits][e[sign]digits]
// with at least one mantissa digit. ParseFloat alone would also take hex
// floats, underscores and spelled out infinities.
func isDouble(b []byte) bool {
	switch string(b) {
	case "inf", "-inf", "nan":
		return true
	}

	if len(b) > 0 && (b[0] == '-' || b[0] == '+') {
		b = b[1:]
	}

	digits := func() int {
		n := 0
		for n < len(b) && b[n] >= '0' && b[n] <= '9' {
			n++
		}
		b = b[n:]
		return n
	}

	mantissa := digits()
	if len(b) > 0 && b[0] == '.' {
		b = b[1:]
		mantissa += digits()
	}
	if mantissa == 0 {
		return false
	}

	if len(b) > 0 && (b[0] == 'e' || b[0] == 'E') {
		b = b[1:]
		if len(b) > 0 && (b[0] == '-' || b[0] == '+') {
			b = b[1:]
		}
		if digits() == 0 {
			return false
		}
	}

	return len(b) == 0
}

func errorValue(line []byte) Value {
	serr := ParseServerError(string(line))
	return ErrorReply(serr.Kind, serr.Message)
}
