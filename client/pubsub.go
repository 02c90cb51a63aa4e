package client

import (
	"context"
	"errors"
	"sync"

	"github.com/luma/respite/protocol"
)

// ErrSubscriptionClosed is returned by Receive once the subscription ended.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Message is a published message delivered to a subscription.
type Message struct {
	// Kind is message, pmessage or smessage.
	Kind    string
	Channel string

	// Pattern is the matching pattern of a pmessage.
	Pattern string
	Payload []byte
}

func parseMessage(kind string, payload []protocol.Value) (Message, error) {
	want := 2
	if kind == "pmessage" {
		want = 3
	}

	if len(payload) != want {
		return Message{}, protocol.NewProtocolError(nil, "%s with %d elements", kind, len(payload))
	}

	for _, v := range payload {
		if v.Kind != protocol.KindBulk && v.Kind != protocol.KindStatus {
			return Message{}, protocol.NewProtocolError(nil, "%s element is a %s", kind, v.Kind)
		}
	}

	msg := Message{Kind: kind}
	if want == 3 {
		msg.Pattern = string(payload[0].Str)
		payload = payload[1:]
	}

	msg.Channel = string(payload[0].Str)
	msg.Payload = payload[1].Str

	return msg, nil
}

// Subscription receives the messages of every channel and pattern a
// connection is subscribed to. It ends, and its channel is closed, once the
// server confirms the last unsubscribe or the connection dies.
//
// Messages must be consumed: the connection stops reading replies while the
// buffer is full.
type Subscription struct {
	conn *Conn

	msgs chan Message

	closeOnce   sync.Once
	closing     chan struct{}
	closingOnce sync.Once
}

func newSubscription(conn *Conn, buffer int) *Subscription {
	return &Subscription{
		conn:    conn,
		msgs:    make(chan Message, buffer),
		closing: make(chan struct{}),
	}
}

// close is called by the read loop, the only sender on msgs.
func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.msgs)
	})
}

func (s *Subscription) stopReceiving() {
	s.closingOnce.Do(func() {
		close(s.closing)
	})
}

// Channel returns the stream of messages. It is closed when the subscription
// ends.
func (s *Subscription) Channel() <-chan Message {
	return s.msgs
}

// Receive waits for the next message.
func (s *Subscription) Receive(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-s.msgs:
		if !ok {
			return Message{}, ErrSubscriptionClosed
		}
		return msg, nil

	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Subscribe adds channels to the subscription.
func (s *Subscription) Subscribe(ctx context.Context, channels ...string) error {
	_, err := s.conn.subscribe(ctx, "SUBSCRIBE", channels)
	return err
}

// PSubscribe adds patterns to the subscription.
func (s *Subscription) PSubscribe(ctx context.Context, patterns ...string) error {
	_, err := s.conn.subscribe(ctx, "PSUBSCRIBE", patterns)
	return err
}

// Unsubscribe drops channels, or every channel when none are given.
func (s *Subscription) Unsubscribe(ctx context.Context, channels ...string) error {
	_, err := s.conn.Execute(ctx, stringCommand("UNSUBSCRIBE", channels))
	return err
}

// PUnsubscribe drops patterns, or every pattern when none are given.
func (s *Subscription) PUnsubscribe(ctx context.Context, patterns ...string) error {
	_, err := s.conn.Execute(ctx, stringCommand("PUNSUBSCRIBE", patterns))
	return err
}

// Ping checks the connection while subscribed.
func (s *Subscription) Ping(ctx context.Context) error {
	_, err := s.conn.Execute(ctx, protocol.NewCommand("PING"))
	return err
}

// Close drops every channel and pattern and waits for the server to confirm.
// Messages still in flight are discarded.
func (s *Subscription) Close(ctx context.Context) error {
	s.stopReceiving()

	_, err := s.conn.ExecuteBatch(ctx, []protocol.Command{
		protocol.NewCommand("UNSUBSCRIBE"),
		protocol.NewCommand("PUNSUBSCRIBE"),
	})

	return err
}

// Subscribe subscribes to channels and returns the connection's subscription.
// While subscribed, only pub/sub commands, PING, QUIT and RESET may be sent.
func (c *Conn) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	return c.subscribe(ctx, "SUBSCRIBE", channels)
}

// PSubscribe subscribes to glob-style patterns.
func (c *Conn) PSubscribe(ctx context.Context, patterns ...string) (*Subscription, error) {
	return c.subscribe(ctx, "PSUBSCRIBE", patterns)
}

func (c *Conn) subscribe(ctx context.Context, name string, targets []string) (*Subscription, error) {
	req := newRequest(stringCommand(name, targets))

	if _, err := c.roundTrip(ctx, req); err != nil {
		return nil, err
	}

	return req.sub, nil
}

func stringCommand(name string, args []string) protocol.Command {
	all := make([]string, 0, len(args)+1)
	all = append(all, name)
	all = append(all, args...)

	return protocol.CommandFromStrings(all...)
}
