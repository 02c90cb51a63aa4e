package protocol

import (
	"strings"
)

// Command is an ordered list of arguments, the first of which is the command
// name. It is not modified once built.
type Command struct {
	args [][]byte
}

// NewCommand builds a command from its name and arguments. The arguments are
// copied so later changes by the caller are not observed.
func NewCommand(name string, args ...[]byte) Command {
	all := make([][]byte, 0, len(args)+1)
	all = append(all, []byte(name))

	for _, arg := range args {
		all = append(all, append([]byte(nil), arg...))
	}

	return Command{args: all}
}

// CommandFromArgs builds a command whose first element is the name.
func CommandFromArgs(args [][]byte) Command {
	all := make([][]byte, len(args))
	for i, arg := range args {
		all[i] = append([]byte(nil), arg...)
	}

	return Command{args: all}
}

// CommandFromStrings is a convenience for tests and the CLI.
func CommandFromStrings(args ...string) Command {
	all := make([][]byte, len(args))
	for i, arg := range args {
		all[i] = []byte(arg)
	}

	return Command{args: all}
}

// Name returns the upper cased command name, or "" for an empty command.
func (c Command) Name() string {
	if len(c.args) == 0 {
		return ""
	}

	return strings.ToUpper(string(c.args[0]))
}

// Args returns every argument including the name. The slice must not be modified.
func (c Command) Args() [][]byte {
	return c.args
}

// Len returns the number of arguments including the name.
func (c Command) Len() int {
	return len(c.args)
}

func (c Command) String() string {
	parts := make([]string, len(c.args))
	for i, arg := range c.args {
		parts[i] = string(arg)
	}

	return strings.Join(parts, " ")
}

// BoolReply describes how a command encodes a boolean result.
type BoolReply uint8

const (
	// BoolStrict only accepts RESP3 boolean replies.
	BoolStrict BoolReply = iota

	// BoolNonZero treats an integer reply (or the bulk strings "1"/"0") as a
	// boolean, e.g. EXISTS, SETNX or EXPIRE.
	BoolNonZero

	// BoolOK treats the status OK as true and nil as false, e.g. SET ... NX.
	BoolOK
)

// CommandFlag marks the session semantics of a command.
type CommandFlag uint16

const (
	// FlagMulti starts a transaction.
	FlagMulti CommandFlag = 1 << iota

	// FlagExec commits a transaction.
	FlagExec

	// FlagDiscard abandons a transaction.
	FlagDiscard

	// FlagSubscribe adds channel or pattern subscriptions.
	FlagSubscribe

	// FlagUnsubscribe removes channel or pattern subscriptions.
	FlagUnsubscribe

	// FlagPattern marks the pattern variants of (un)subscribe.
	FlagPattern

	// FlagSubscribedOK is legal while the connection is subscribed.
	FlagSubscribedOK

	// FlagNotQueued is refused while a transaction is being queued.
	FlagNotQueued
)

// CommandInfo is the client side metadata for a command.
type CommandInfo struct {
	Name  string
	Bool  BoolReply
	Flags CommandFlag
}

// Has reports whether all flags in f are set.
func (i CommandInfo) Has(f CommandFlag) bool {
	return i.Flags&f == f
}

var commandTable = map[string]CommandInfo{}

func register(info CommandInfo) {
	commandTable[info.Name] = info
}

func init() {
	for _, name := range []string{
		"EXISTS", "SETNX", "HSETNX", "MSETNX", "EXPIRE", "EXPIREAT", "PEXPIRE", "PEXPIREAT",
		"PERSIST", "SISMEMBER", "SMISMEMBER", "SMOVE", "RENAMENX", "HEXISTS", "MOVE", "COPY",
		"SCRIPT",
	} {
		register(CommandInfo{Name: name, Bool: BoolNonZero})
	}

	for _, name := range []string{"SET", "RENAME", "SELECT", "FLUSHALL", "FLUSHDB", "MSET", "LSET", "LTRIM"} {
		register(CommandInfo{Name: name, Bool: BoolOK})
	}

	register(CommandInfo{Name: "MULTI", Flags: FlagMulti | FlagNotQueued})
	register(CommandInfo{Name: "EXEC", Flags: FlagExec})
	register(CommandInfo{Name: "DISCARD", Flags: FlagDiscard})
	register(CommandInfo{Name: "WATCH", Bool: BoolOK, Flags: FlagNotQueued})

	register(CommandInfo{Name: "SUBSCRIBE", Flags: FlagSubscribe | FlagSubscribedOK | FlagNotQueued})
	register(CommandInfo{Name: "PSUBSCRIBE", Flags: FlagSubscribe | FlagPattern | FlagSubscribedOK | FlagNotQueued})
	register(CommandInfo{Name: "UNSUBSCRIBE", Flags: FlagUnsubscribe | FlagSubscribedOK | FlagNotQueued})
	register(CommandInfo{Name: "PUNSUBSCRIBE", Flags: FlagUnsubscribe | FlagPattern | FlagSubscribedOK | FlagNotQueued})

	for _, name := range []string{"PING", "QUIT", "RESET"} {
		register(CommandInfo{Name: name, Flags: FlagSubscribedOK})
	}
}

// LookupCommand returns the metadata for a command name. Unknown commands get
// the zero CommandInfo with their name filled in.
func LookupCommand(name string) CommandInfo {
	name = strings.ToUpper(name)
	if info, ok := commandTable[name]; ok {
		return info
	}

	return CommandInfo{Name: name}
}
