package transport

import (
	"strconv"
	"strings"

	"github.com/luma/respite/protocol"
)

// splitKeys parses the numkeys argument of EVAL and EVALSHA.
func splitKeys(args [][]byte) (keys, argv [][]byte, reply protocol.Value, ok bool) {
	n, err := strconv.Atoi(string(args[2]))
	switch {
	case err != nil:
		return nil, nil, notInteger(), false
	case n < 0:
		return nil, nil, errorf("Number of keys can't be negative"), false
	case n > len(args)-3:
		return nil, nil, errorf("Number of keys can't be greater than number of args"), false
	}

	return args[3 : 3+n], args[3+n:], protocol.Value{}, true
}

func cmdEval(t *TCP, args [][]byte) protocol.Value {
	keys, argv, reply, ok := splitKeys(args)
	if !ok {
		return reply
	}

	return t.scripts.Eval(string(args[1]), keys, argv)
}

func cmdEvalSHA(t *TCP, args [][]byte) protocol.Value {
	keys, argv, reply, ok := splitKeys(args)
	if !ok {
		return reply
	}

	return t.scripts.EvalSHA(string(args[1]), keys, argv)
}

// SCRIPT LOAD body | EXISTS sha... | FLUSH [ASYNC|SYNC]
func cmdScript(t *TCP, args [][]byte) protocol.Value {
	sub := strings.ToUpper(string(args[1]))

	switch {
	case sub == "LOAD" && len(args) == 3:
		return protocol.BulkString(t.scripts.Load(string(args[2])))

	case sub == "EXISTS" && len(args) >= 3:
		hashes := make([]string, len(args)-2)
		for i, a := range args[2:] {
			hashes[i] = string(a)
		}

		found := t.scripts.Exists(hashes...)
		replies := make([]protocol.Value, len(found))
		for i, ok := range found {
			replies[i] = boolInt(ok)
		}
		return protocol.Array(replies...)

	case sub == "FLUSH" && len(args) <= 3:
		t.scripts.Flush()
		return okReply()
	}

	return errorf("unknown subcommand or wrong number of arguments for '%s'. Try SCRIPT HELP.", strings.ToLower(sub))
}
