package transport

import (
	"strconv"
	"strings"

	"github.com/luma/respite/internal/meta"
	"github.com/luma/respite/protocol"
)

// Commands a RESP2 client may send while subscribed.
var subscribedCommands = map[string]bool{
	"SUBSCRIBE":    true,
	"UNSUBSCRIBE":  true,
	"PSUBSCRIBE":   true,
	"PUNSUBSCRIBE": true,
	"PING":         true,
	"QUIT":         true,
	"RESET":        true,
}

// Commands that act on the connection and are never queued.
var connectionCommands = map[string]int{
	"HELLO":        -1,
	"CLIENT":       -2,
	"SELECT":       2,
	"QUIT":         -1,
	"RESET":        1,
	"MULTI":        1,
	"EXEC":         1,
	"DISCARD":      1,
	"WATCH":        -2,
	"UNWATCH":      1,
	"SUBSCRIBE":    -2,
	"PSUBSCRIBE":   -2,
	"UNSUBSCRIBE":  -1,
	"PUNSUBSCRIBE": -1,
}

func one(v protocol.Value) []protocol.Value {
	return []protocol.Value{v}
}

// handle executes cmd and returns its replies. quit asks the read loop to
// stop once the replies are written.
func (t *TCPConn) handle(cmd protocol.Command) (replies []protocol.Value, quit bool) {
	name := cmd.Name()
	args := cmd.Args()

	if t.session.subscribed() && t.version() < protocol.RESP3 && !subscribedCommands[name] {
		return one(errorf("Can't execute '%s': only (P|S)SUBSCRIBE / (P|S)UNSUBSCRIBE / PING / QUIT / RESET are allowed in this context", strings.ToLower(name))), false
	}

	if arity, ok := connectionCommands[name]; ok {
		if !arityOK(arity, len(args)) {
			return one(wrongArity(name)), false
		}

		return t.handleConnection(name, args)
	}

	data, ok := commands[name]
	if !ok {
		return t.refuse(errorf("unknown command '%s'", strings.ToLower(string(args[0])))), false
	}

	if !arityOK(data.arity, len(args)) {
		return t.refuse(wrongArity(name)), false
	}

	if t.session.multi {
		t.session.queued = append(t.session.queued, cmd)
		return one(protocol.Status("QUEUED")), false
	}

	if name == "PING" && t.session.subscribed() && t.version() < protocol.RESP3 {
		msg := protocol.BulkString("")
		if len(args) > 1 {
			msg = protocol.Bulk(args[1])
		}
		return one(protocol.Array(protocol.BulkString("pong"), msg)), false
	}

	return one(t.server.run(name, args)), false
}

// refuse answers a command that could not be run; inside MULTI it also dooms
// the transaction.
func (t *TCPConn) refuse(reply protocol.Value) []protocol.Value {
	if t.session.multi {
		t.session.aborted = true
	}

	return one(reply)
}

// run executes a data command. Scripts run alone.
func (t *TCP) run(name string, args [][]byte) protocol.Value {
	if name == "EVAL" || name == "EVALSHA" {
		t.exclusive.Lock()
		defer t.exclusive.Unlock()
	} else {
		t.exclusive.RLock()
		defer t.exclusive.RUnlock()
	}

	return commands[name].run(t, args)
}

func (t *TCPConn) handleConnection(name string, args [][]byte) ([]protocol.Value, bool) {
	s := t.session

	if s.multi {
		switch name {
		case "EXEC", "DISCARD", "MULTI", "WATCH", "QUIT", "RESET":
		default:
			return t.refuse(errorf("Command not allowed inside a transaction")), false
		}
	}

	switch name {
	case "QUIT":
		return one(okReply()), true

	case "RESET":
		t.reset()
		return one(protocol.Status("RESET")), false

	case "HELLO":
		return one(t.hello(args)), false

	case "CLIENT":
		return one(t.client(args)), false

	case "SELECT":
		if string(args[1]) != "0" {
			return one(errorf("DB index is out of range")), false
		}
		return one(okReply()), false

	case "MULTI":
		if s.multi {
			return one(errorf("MULTI calls can not be nested")), false
		}
		s.multi = true
		return one(okReply()), false

	case "EXEC":
		return one(t.exec()), false

	case "DISCARD":
		if !s.multi {
			return one(errorf("DISCARD without MULTI")), false
		}
		s.discard()
		return one(okReply()), false

	case "WATCH":
		if s.multi {
			return one(errorf("WATCH inside MULTI is not allowed")), false
		}
		for _, key := range args[1:] {
			if _, ok := s.watched[string(key)]; !ok {
				s.watched[string(key)] = t.server.store.Version(key)
			}
		}
		return one(okReply()), false

	case "UNWATCH":
		s.unwatch()
		return one(okReply()), false

	case "SUBSCRIBE":
		return t.subscribe(false, args[1:]), false

	case "PSUBSCRIBE":
		return t.subscribe(true, args[1:]), false

	case "UNSUBSCRIBE":
		return t.unsubscribe(false, args[1:]), false

	case "PUNSUBSCRIBE":
		return t.unsubscribe(true, args[1:]), false
	}

	return one(errorf("unknown command '%s'", strings.ToLower(name))), false
}

func (t *TCPConn) exec() protocol.Value {
	s := t.session
	if !s.multi {
		return errorf("EXEC without MULTI")
	}

	queued, aborted, watched := s.queued, s.aborted, s.watched
	s.discard()

	if aborted {
		return protocol.ErrorReply("EXECABORT", "Transaction discarded because of previous errors.")
	}

	t.server.exclusive.Lock()
	defer t.server.exclusive.Unlock()

	for key, version := range watched {
		if t.server.store.Version([]byte(key)) != version {
			return protocol.Nil()
		}
	}

	replies := make([]protocol.Value, len(queued))
	for i, cmd := range queued {
		replies[i] = commands[cmd.Name()].run(t.server, cmd.Args())
	}

	return protocol.Array(replies...)
}

// HELLO [protover [AUTH username password] [SETNAME clientname]]
func (t *TCPConn) hello(args [][]byte) protocol.Value {
	version := t.version()

	if len(args) > 1 {
		n, err := strconv.Atoi(string(args[1]))
		if err != nil {
			return errorf("Protocol version is not an integer or out of range")
		}
		if n != int(protocol.RESP2) && n != int(protocol.RESP3) {
			return protocol.ErrorReply("NOPROTO", "unsupported protocol version")
		}
		version = protocol.Version(n)

		for i := 2; i < len(args); i++ {
			switch opt := strings.ToUpper(string(args[i])); {
			case opt == "AUTH" && i+2 < len(args):
				// The endpoint has no users; any credentials are accepted.
				i += 2
			case opt == "SETNAME" && i+1 < len(args):
				t.session.name = string(args[i+1])
				i++
			default:
				return errorf("Syntax error in HELLO option '%s'", strings.ToLower(opt))
			}
		}
	}

	t.setVersion(version)

	return protocol.Map(
		protocol.Pair{Key: protocol.BulkString("server"), Value: protocol.BulkString("respite")},
		protocol.Pair{Key: protocol.BulkString("version"), Value: protocol.BulkString(meta.CurrentVersion())},
		protocol.Pair{Key: protocol.BulkString("proto"), Value: protocol.Int(int64(version))},
		protocol.Pair{Key: protocol.BulkString("id"), Value: protocol.Int(t.id)},
		protocol.Pair{Key: protocol.BulkString("mode"), Value: protocol.BulkString("standalone")},
		protocol.Pair{Key: protocol.BulkString("role"), Value: protocol.BulkString("master")},
		protocol.Pair{Key: protocol.BulkString("modules"), Value: protocol.Array()},
	)
}

func (t *TCPConn) client(args [][]byte) protocol.Value {
	switch sub := strings.ToUpper(string(args[1])); {
	case sub == "SETINFO" && len(args) == 4:
		return okReply()

	case sub == "SETNAME" && len(args) == 3:
		t.session.name = string(args[2])
		return okReply()

	case sub == "GETNAME" && len(args) == 2:
		if t.session.name == "" {
			return protocol.Nil()
		}
		return protocol.BulkString(t.session.name)

	case sub == "ID" && len(args) == 2:
		return protocol.Int(t.id)

	default:
		return errorf("unknown subcommand or wrong number of arguments for '%s'. Try CLIENT HELP.", strings.ToLower(sub))
	}
}

func (t *TCPConn) subscribe(pattern bool, names [][]byte) []protocol.Value {
	kind, set := "subscribe", t.session.channels
	if pattern {
		kind, set = "psubscribe", t.session.patterns
	}

	replies := make([]protocol.Value, 0, len(names))
	for _, name := range names {
		set[string(name)] = struct{}{}

		if pattern {
			t.server.broker.PSubscribe(t, string(name))
		} else {
			t.server.broker.Subscribe(t, string(name))
		}

		replies = append(replies, protocol.Push(kind,
			protocol.Bulk(name),
			protocol.Int(int64(t.session.subscriptions())),
		))
	}

	return replies
}

func (t *TCPConn) unsubscribe(pattern bool, names [][]byte) []protocol.Value {
	kind, set := "unsubscribe", t.session.channels
	if pattern {
		kind, set = "punsubscribe", t.session.patterns
	}

	targets := make([]string, 0, len(names))
	for _, name := range names {
		targets = append(targets, string(name))
	}
	if len(targets) == 0 {
		targets = sortedNames(set)
	}

	if len(targets) == 0 {
		return one(protocol.Push(kind, protocol.Nil(), protocol.Int(int64(t.session.subscriptions()))))
	}

	replies := make([]protocol.Value, 0, len(targets))
	for _, name := range targets {
		delete(set, name)

		if pattern {
			t.server.broker.PUnsubscribe(t, name)
		} else {
			t.server.broker.Unsubscribe(t, name)
		}

		replies = append(replies, protocol.Push(kind,
			protocol.BulkString(name),
			protocol.Int(int64(t.session.subscriptions())),
		))
	}

	return replies
}

// reset returns the connection to a fresh state.
func (t *TCPConn) reset() {
	t.server.broker.UnsubscribeAll(t)
	t.session = newSession()
	t.setVersion(protocol.RESP2)
}
