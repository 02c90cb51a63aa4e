package client

import (
	"sync"

	"github.com/luma/respite/protocol"
)

// Mode is the protocol state of a connection, which decides the commands it
// may send and how replies are read.
type Mode int

const (
	ModeNormal Mode = iota
	ModeQueued
	ModeSubscribed
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeQueued:
		return "queued"
	case ModeSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// session tracks the mode of a connection. The write loop admits requests
// and the read loop applies the transitions only the server can confirm.
type session struct {
	mu sync.Mutex

	mode Mode

	// queued are the requests admitted since MULTI.
	queued []*request

	channels map[string]struct{}
	patterns map[string]struct{}
	sub      *Subscription

	// inFlight counts pub/sub requests written but not yet answered. Their
	// confirmations may arrive as push replies.
	inFlight int

	owner         *Conn
	messageBuffer int
}

func newSession(owner *Conn, messageBuffer int) *session {
	return &session{
		channels:      make(map[string]struct{}),
		patterns:      make(map[string]struct{}),
		owner:         owner,
		messageBuffer: messageBuffer,
	}
}

func (s *session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mode
}

func (s *session) counts() (channels, patterns int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.channels), len(s.patterns)
}

func (s *session) pushAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mode == ModeSubscribed || s.inFlight > 0
}

// admit decides whether req may be written in the current mode and applies
// the transition it causes. Requests that are refused are never written.
func (s *session) admit(req *request) error {
	if req.cmd.Len() == 0 {
		return protocol.NewProtocolError(protocol.ErrEmptyCommand, "can not send command")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info := req.info

	var refused bool
	switch s.mode {
	case ModeSubscribed:
		refused = !info.Has(protocol.FlagSubscribedOK)
	case ModeQueued:
		refused = info.Has(protocol.FlagNotQueued)
	case ModeNormal:
		refused = info.Has(protocol.FlagExec) || info.Has(protocol.FlagDiscard)
	}

	if refused {
		return &protocol.StateError{Mode: s.mode.String(), Command: info.Name}
	}

	if s.mode != ModeQueued {
		req.deferred = false
	}

	// Messages may only arrive ahead of a reply the server sends while the
	// connection is subscribed.
	req.amidMessages = s.mode == ModeSubscribed

	switch {
	case info.Has(protocol.FlagMulti):
		s.mode = ModeQueued
		s.queued = nil

	case info.Has(protocol.FlagExec), info.Has(protocol.FlagDiscard):
		req.queued, s.queued = s.queued, nil
		s.mode = ModeNormal

	case info.Name == "RESET":
		req.queued, s.queued = s.queued, nil
		if s.mode == ModeSubscribed {
			req.closeSub, s.sub = s.sub, nil
			s.track(req)
		}
		s.channels = make(map[string]struct{})
		s.patterns = make(map[string]struct{})
		s.mode = ModeNormal

	case info.Has(protocol.FlagSubscribe):
		s.subscribe(req)

	case info.Has(protocol.FlagUnsubscribe):
		s.unsubscribe(req)

	case s.mode == ModeQueued:
		s.queued = append(s.queued, req)
	}

	if req.pubsub {
		req.amidMessages = true
	}

	return nil
}

func (s *session) targets(info protocol.CommandInfo) map[string]struct{} {
	if info.Has(protocol.FlagPattern) {
		return s.patterns
	}

	return s.channels
}

func (s *session) subscribe(req *request) {
	names := req.cmd.Args()[1:]
	if len(names) == 0 {
		// The server answers with a single error.
		return
	}

	set := s.targets(req.info)
	for _, name := range names {
		set[string(name)] = struct{}{}
	}

	if s.sub == nil {
		s.sub = newSubscription(s.owner, s.messageBuffer)
	}

	req.replies = len(names)
	req.sub = s.sub
	s.mode = ModeSubscribed
	s.track(req)
}

func (s *session) unsubscribe(req *request) {
	names := req.cmd.Args()[1:]
	set := s.targets(req.info)

	if len(names) == 0 {
		// One confirmation per name dropped, or a single one if there were none.
		req.replies = len(set)
		if req.replies == 0 {
			req.replies = 1
		}

		for name := range set {
			delete(set, name)
		}
	} else {
		req.replies = len(names)
		for _, name := range names {
			delete(set, string(name))
		}
	}

	s.track(req)
}

func (s *session) track(req *request) {
	req.pubsub = true
	s.inFlight++
}

// settled is called by the read loop once a tracked request is answered.
func (s *session) settled() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight--
}

// confirm applies the transition out of subscribed mode. It is called for
// every reply matched to req, before req is fulfilled, and returns the
// subscription that ended, if any.
func (s *session) confirm(req *request, v protocol.Value) *Subscription {
	if !req.info.Has(protocol.FlagUnsubscribe) {
		return nil
	}

	kind, payload, ok := pubsubParts(v)
	if !ok || len(payload) < 2 || payload[1].Kind != protocol.KindInteger || payload[1].Int != 0 {
		return nil
	}

	switch kind {
	case "unsubscribe", "punsubscribe", "sunsubscribe":
	default:
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Names subscribed after this request was written keep the mode.
	if s.mode != ModeSubscribed || len(s.channels)+len(s.patterns) > 0 {
		return nil
	}

	s.mode = ModeNormal
	sub := s.sub
	s.sub = nil

	return sub
}

// message reports whether v is a published message rather than the reply to
// head, the oldest unanswered request (nil when none is pending), and the
// subscription it belongs to.
func (s *session) message(v protocol.Value, head *request) (*Subscription, Message, bool, error) {
	kind, payload, ok := pubsubParts(v)
	if !ok {
		return nil, Message{}, false, nil
	}

	switch kind {
	case "message", "smessage", "pmessage":
	default:
		return nil, Message{}, false, nil
	}

	s.mu.Lock()
	sub, subscribed := s.sub, s.mode == ModeSubscribed || s.inFlight > 0
	s.mu.Unlock()

	// A request admitted before the connection subscribed is answered before
	// any message can be published to it.
	if head != nil {
		subscribed = head.amidMessages
	}

	// A plain array only carries a message while subscribed; otherwise it is
	// an ordinary reply that happens to start with the same word.
	if v.Kind != protocol.KindPush && !subscribed {
		return nil, Message{}, false, nil
	}

	msg, err := parseMessage(kind, payload)
	if err != nil {
		return nil, Message{}, true, err
	}

	return sub, msg, true, nil
}

// end closes whatever subscription is still open when the connection dies.
func (s *session) end() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.sub
	s.sub = nil

	return sub
}

// pubsubParts splits a RESP3 push or a RESP2 array into its kind word and the
// values that follow it.
func pubsubParts(v protocol.Value) (string, []protocol.Value, bool) {
	switch v.Kind {
	case protocol.KindPush:
		return v.Tag, v.Elems, true

	case protocol.KindArray:
		if len(v.Elems) == 0 {
			return "", nil, false
		}

		first := v.Elems[0]
		if first.Kind != protocol.KindBulk && first.Kind != protocol.KindStatus {
			return "", nil, false
		}

		return string(first.Str), v.Elems[1:], true
	}

	return "", nil, false
}
