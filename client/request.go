package client

import (
	"github.com/luma/respite/convert"
	"github.com/luma/respite/protocol"
)

// Result is the outcome of one command in a batch or pipeline.
type Result struct {
	// Command is the upper cased command name.
	Command string
	Value   protocol.Value
	Err     error
}

// Scan converts the reply into dst following the command's conventions.
func (r Result) Scan(dst interface{}) error {
	if r.Err != nil {
		return r.Err
	}

	return convert.ScanCommand(r.Command, r.Value, dst)
}

type result struct {
	value protocol.Value
	err   error
}

// request is a command on its way to, or back from, the server. It is
// fulfilled exactly once.
type request struct {
	cmd  protocol.Command
	info protocol.CommandInfo

	// replies is the number of wire replies the command produces.
	replies int
	got     []protocol.Value

	done      chan result
	fulfilled bool

	// deferred requests are queued inside MULTI and resolved by EXEC.
	deferred bool

	// queued holds every request admitted in the transaction an EXEC,
	// DISCARD or RESET ends.
	queued []*request

	// sub is the subscription a (P)SUBSCRIBE joined.
	sub *Subscription

	// closeSub is the subscription a RESET ends.
	closeSub *Subscription

	// pubsub requests may be answered with push replies.
	pubsub bool

	// amidMessages is set when published messages may arrive ahead of the
	// reply.
	amidMessages bool
}

func newRequest(cmd protocol.Command) *request {
	return &request{
		cmd:     cmd,
		info:    protocol.LookupCommand(cmd.Name()),
		replies: 1,
		done:    make(chan result, 1),
	}
}

func (r *request) fulfil(v protocol.Value, err error) {
	if r.fulfilled {
		return
	}

	r.fulfilled = true
	r.done <- result{value: v, err: err}
}

// add records one wire reply and reports whether the request is complete.
func (r *request) add(v protocol.Value) bool {
	if v.IsError() {
		// An error ends a multi reply command early; the server sends nothing else.
		r.got = append(r.got, v)
		return true
	}

	r.got = append(r.got, v)
	return len(r.got) >= r.replies
}

// reply returns the value the caller sees.
func (r *request) reply() protocol.Value {
	if len(r.got) == 1 {
		return r.got[0]
	}

	return protocol.Array(r.got...)
}

// fanOut delivers an EXEC reply to the deferred requests of the transaction.
func (r *request) fanOut(v protocol.Value) error {
	switch v.Kind {
	case protocol.KindNil:
		r.failDeferred(ErrTxAborted)
		return nil

	case protocol.KindError:
		r.failDeferred(v.Err())
		return nil

	case protocol.KindArray:
		if len(v.Elems) != len(r.queued) {
			return protocol.NewProtocolError(nil, "EXEC returned %d replies for %d queued commands", len(v.Elems), len(r.queued))
		}

		for i, q := range r.queued {
			if !q.deferred {
				continue
			}
			q.fulfil(v.Elems[i], v.Elems[i].Err())
		}
		return nil
	}

	return protocol.NewProtocolError(nil, "EXEC returned a %s reply", v.Kind)
}

func (r *request) failDeferred(err error) {
	for _, q := range r.queued {
		if q.deferred {
			q.fulfil(protocol.Value{}, err)
		}
	}
}
