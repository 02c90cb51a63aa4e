package transport

import (
	"sort"

	"github.com/luma/respite/protocol"
)

// session is the per connection state the server keeps. Only the
// connection's read loop touches it.
type session struct {
	name string

	multi bool
	// aborted is set when a command failed to queue; EXEC then refuses.
	aborted bool
	queued  []protocol.Command

	watched map[string]uint64

	channels map[string]struct{}
	patterns map[string]struct{}
}

func newSession() *session {
	return &session{
		watched:  make(map[string]uint64),
		channels: make(map[string]struct{}),
		patterns: make(map[string]struct{}),
	}
}

func (s *session) subscriptions() int {
	return len(s.channels) + len(s.patterns)
}

func (s *session) subscribed() bool {
	return s.subscriptions() > 0
}

func (s *session) discard() {
	s.multi = false
	s.aborted = false
	s.queued = nil
	s.unwatch()
}

func (s *session) unwatch() {
	if len(s.watched) > 0 {
		s.watched = make(map[string]uint64)
	}
}

func sortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
