package transport

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/luma/respite/protocol"
	"github.com/luma/respite/storage"
)

// command is a data command: one that may be queued in a transaction and
// called from a script.
type command struct {
	// arity counts the command name. Negative means at least -arity.
	arity int
	run   func(t *TCP, args [][]byte) protocol.Value
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"PING":     {-1, cmdPing},
		"ECHO":     {2, cmdEcho},
		"GET":      {2, cmdGet},
		"MGET":     {-2, cmdMGet},
		"SET":      {-3, cmdSet},
		"SETNX":    {3, cmdSetNX},
		"MSET":     {-3, cmdMSet},
		"DEL":      {-2, cmdDel},
		"EXISTS":   {-2, cmdExists},
		"INCR":     {2, incrBy(1)},
		"DECR":     {2, incrBy(-1)},
		"INCRBY":   {3, cmdIncrBy(1)},
		"DECRBY":   {3, cmdIncrBy(-1)},
		"EXPIRE":   {-3, cmdExpire},
		"PEXPIRE":  {-3, cmdExpire},
		"PERSIST":  {2, cmdExpire},
		"DBSIZE":   {1, cmdDBSize},
		"FLUSHALL": {-1, cmdFlush},
		"FLUSHDB":  {-1, cmdFlush},
		"PUBLISH":  {3, cmdPublish},
		"EVAL":     {-3, cmdEval},
		"EVALSHA":  {-3, cmdEvalSHA},
		"SCRIPT":   {-2, cmdScript},
	}
}

func okReply() protocol.Value {
	return protocol.Status("OK")
}

func errorf(format string, args ...interface{}) protocol.Value {
	return protocol.ErrorReply("ERR", fmt.Sprintf(format, args...))
}

func syntaxError() protocol.Value {
	return errorf("syntax error")
}

func notInteger() protocol.Value {
	return errorf("value is not an integer or out of range")
}

func wrongArity(name string) protocol.Value {
	return errorf("wrong number of arguments for '%s' command", strings.ToLower(name))
}

func arityOK(arity, n int) bool {
	if arity >= 0 {
		return n == arity
	}

	return n >= -arity
}

func boolInt(b bool) protocol.Value {
	if b {
		return protocol.Int(1)
	}

	return protocol.Int(0)
}

func cmdPing(t *TCP, args [][]byte) protocol.Value {
	switch len(args) {
	case 1:
		return protocol.Status("PONG")
	case 2:
		return protocol.Bulk(args[1])
	default:
		return wrongArity("ping")
	}
}

func cmdEcho(t *TCP, args [][]byte) protocol.Value {
	return protocol.Bulk(args[1])
}

func cmdGet(t *TCP, args [][]byte) protocol.Value {
	value, ok := t.store.Get(args[1])
	if !ok {
		return protocol.Nil()
	}

	return protocol.Bulk(value)
}

func cmdMGet(t *TCP, args [][]byte) protocol.Value {
	values := make([]protocol.Value, 0, len(args)-1)
	for _, key := range args[1:] {
		values = append(values, cmdGet(t, [][]byte{nil, key}))
	}

	return protocol.Array(values...)
}

// SET key value [NX | XX] [GET] [EX seconds | PX milliseconds | KEEPTTL]
func cmdSet(t *TCP, args [][]byte) protocol.Value {
	var (
		cond    = storage.SetAlways
		get     bool
		expires bool
	)

	for i := 3; i < len(args); i++ {
		switch opt := strings.ToUpper(string(args[i])); opt {
		case "NX", "XX":
			if cond != storage.SetAlways {
				return syntaxError()
			}
			cond = storage.SetIfAbsent
			if opt == "XX" {
				cond = storage.SetIfPresent
			}

		case "GET":
			get = true

		case "KEEPTTL":
			if expires {
				return syntaxError()
			}
			expires = true

		case "EX", "PX", "EXAT", "PXAT":
			if expires || i+1 >= len(args) {
				return syntaxError()
			}
			expires = true
			i++

			n, err := strconv.ParseInt(string(args[i]), 10, 64)
			if err != nil {
				return notInteger()
			}
			if n <= 0 {
				return errorf("invalid expire time in 'set' command")
			}

		default:
			return syntaxError()
		}
	}

	old := protocol.Nil()
	if get {
		old = cmdGet(t, args[:2])
	}

	ok := t.store.Set(args[1], args[2], cond)

	switch {
	case get:
		return old
	case ok:
		return okReply()
	default:
		return protocol.Nil()
	}
}

func cmdSetNX(t *TCP, args [][]byte) protocol.Value {
	return boolInt(t.store.Set(args[1], args[2], storage.SetIfAbsent))
}

func cmdMSet(t *TCP, args [][]byte) protocol.Value {
	if len(args)%2 != 1 {
		return wrongArity("mset")
	}

	for i := 1; i < len(args); i += 2 {
		t.store.Set(args[i], args[i+1], storage.SetAlways)
	}

	return okReply()
}

func cmdDel(t *TCP, args [][]byte) protocol.Value {
	return protocol.Int(int64(t.store.Delete(args[1:]...)))
}

func cmdExists(t *TCP, args [][]byte) protocol.Value {
	return protocol.Int(int64(t.store.Exists(args[1:]...)))
}

func incrBy(delta int64) func(t *TCP, args [][]byte) protocol.Value {
	return func(t *TCP, args [][]byte) protocol.Value {
		return applyIncr(t, args[1], delta)
	}
}

func cmdIncrBy(sign int64) func(t *TCP, args [][]byte) protocol.Value {
	return func(t *TCP, args [][]byte) protocol.Value {
		delta, err := strconv.ParseInt(string(args[2]), 10, 64)
		if err != nil {
			return notInteger()
		}

		return applyIncr(t, args[1], sign*delta)
	}
}

func applyIncr(t *TCP, key []byte, delta int64) protocol.Value {
	n, err := t.store.IncrBy(key, delta)
	switch {
	case errors.Is(err, storage.ErrOverflow):
		return errorf("increment or decrement would overflow")
	case err != nil:
		return notInteger()
	}

	return protocol.Int(n)
}

// Keys never expire; EXPIRE only reports whether the key exists.
func cmdExpire(t *TCP, args [][]byte) protocol.Value {
	if len(args) > 2 {
		if _, err := strconv.ParseInt(string(args[2]), 10, 64); err != nil {
			return notInteger()
		}
	}

	return boolInt(t.store.Exists(args[1]) == 1)
}

func cmdDBSize(t *TCP, args [][]byte) protocol.Value {
	return protocol.Int(int64(t.store.Len()))
}

func cmdFlush(t *TCP, args [][]byte) protocol.Value {
	if len(args) > 2 {
		return syntaxError()
	}
	if len(args) == 2 && !bytes.EqualFold(args[1], []byte("SYNC")) && !bytes.EqualFold(args[1], []byte("ASYNC")) {
		return syntaxError()
	}

	t.store.Flush()
	return okReply()
}

func cmdPublish(t *TCP, args [][]byte) protocol.Value {
	n, _ := t.broker.Publish(string(args[1]), args[2])
	return protocol.Int(int64(n))
}
