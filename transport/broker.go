package transport

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/respite/protocol"
)

type subscribers map[*TCPConn]struct{}

// Broker routes published messages to the connections subscribed to a
// channel or to a pattern matching it.
type Broker struct {
	mu       sync.RWMutex
	channels map[string]subscribers
	patterns map[string]subscribers

	log *zap.Logger
}

func NewBroker(log *zap.Logger) *Broker {
	return &Broker{
		channels: make(map[string]subscribers),
		patterns: make(map[string]subscribers),
		log:      log,
	}
}

func (b *Broker) Subscribe(conn *TCPConn, channel string) {
	b.add(b.channels, conn, channel)
}

func (b *Broker) Unsubscribe(conn *TCPConn, channel string) {
	b.remove(b.channels, conn, channel)
}

func (b *Broker) PSubscribe(conn *TCPConn, pattern string) {
	b.add(b.patterns, conn, pattern)
}

func (b *Broker) PUnsubscribe(conn *TCPConn, pattern string) {
	b.remove(b.patterns, conn, pattern)
}

func (b *Broker) add(set map[string]subscribers, conn *TCPConn, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := set[name]
	if !ok {
		subs = make(subscribers)
		set[name] = subs
	}

	subs[conn] = struct{}{}
}

func (b *Broker) remove(set map[string]subscribers, conn *TCPConn, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := set[name]; ok {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(set, name)
		}
	}
}

// UnsubscribeAll drops every subscription of conn.
func (b *Broker) UnsubscribeAll(conn *TCPConn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, set := range []map[string]subscribers{b.channels, b.patterns} {
		for name, subs := range set {
			delete(subs, conn)
			if len(subs) == 0 {
				delete(set, name)
			}
		}
	}
}

// Channels returns the number of channels and patterns with subscribers.
func (b *Broker) Channels() (channels, patterns int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.channels), len(b.patterns)
}

type delivery struct {
	conn *TCPConn
	msg  protocol.Value
}

// Publish sends payload to every subscriber of channel and returns how many
// received it. Connections that are closing are reported in the error.
func (b *Broker) Publish(channel string, payload []byte) (int, error) {
	b.mu.RLock()

	deliveries := make([]delivery, 0, len(b.channels[channel]))
	for conn := range b.channels[channel] {
		deliveries = append(deliveries, delivery{
			conn: conn,
			msg:  protocol.Push("message", protocol.BulkString(channel), protocol.Bulk(payload)),
		})
	}

	for pattern, subs := range b.patterns {
		if !globMatch(pattern, channel) {
			continue
		}

		for conn := range subs {
			deliveries = append(deliveries, delivery{
				conn: conn,
				msg: protocol.Push("pmessage",
					protocol.BulkString(pattern),
					protocol.BulkString(channel),
					protocol.Bulk(payload),
				),
			})
		}
	}

	b.mu.RUnlock()

	var (
		received int
		err      error
	)

	for _, d := range deliveries {
		if !d.conn.send(d.msg) {
			err = multierr.Append(err, fmt.Errorf("subscriber %d is closing", d.conn.ID()))
			continue
		}
		received++
	}

	if err != nil {
		b.log.Debug("Some subscribers missed a message", zap.String("channel", channel), zap.Error(err))
	}

	return received, err
}
