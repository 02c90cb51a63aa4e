package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/respite/convert"
	"github.com/luma/respite/protocol"
)

var (
	// ErrClosed is returned by every call made after Close.
	ErrClosed = errors.New("connection closed")

	// ErrTxAborted is returned for the commands of a transaction when EXEC
	// replies nil because a watched key changed.
	ErrTxAborted = errors.New("transaction aborted, a watched key changed")

	// ErrTxDiscarded is returned for the commands of a transaction that was
	// discarded.
	ErrTxDiscarded = errors.New("transaction discarded")
)

type Options struct {
	Log *zap.Logger

	// Limits bound the size of replies. Zero fields use protocol.DefaultLimits.
	Limits protocol.Limits

	// QueueSize is the number of batches that may wait for the write loop.
	QueueSize int

	// PendingSize is the number of written requests that may wait for
	// replies before the write loop stops writing.
	PendingSize int

	// MessageBuffer is the number of pub/sub messages buffered for a
	// subscription.
	MessageBuffer int

	// DialTimeout is used by Dial.
	DialTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.QueueSize < 1 {
		o.QueueSize = 64
	}
	if o.PendingSize < 1 {
		o.PendingSize = 4096
	}
	if o.MessageBuffer < 1 {
		o.MessageBuffer = 256
	}
}

// Stats is a snapshot of a connection's counters.
type Stats struct {
	Mode     Mode
	Pending  int
	Written  uint64
	Replies  uint64
	Messages uint64
	Scripts  int
	Channels int
	Patterns int
}

// Conn is one logical connection. Any number of goroutines may issue
// commands; they are written in submission order and every reply is matched
// to its command by position.
//
// The connection is owned by two goroutines: the write loop admits and
// writes batches, and the read loop decodes replies. Any transport or protocol
// failure is terminal: every waiting and future caller receives the error.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *protocol.Reader
	writer *protocol.Writer

	session *session
	scripts *scriptCache

	queue   chan []*request
	pending chan *request

	dead     chan struct{}
	failOnce sync.Once
	err      error
	closeErr error

	loops sync.WaitGroup

	written  uint64
	replies  uint64
	messages uint64

	log *zap.Logger
}

// New takes ownership of rwc and starts the read and write loops.
func New(rwc io.ReadWriteCloser, opts Options) *Conn {
	opts.setDefaults()

	c := &Conn{
		rwc:     rwc,
		reader:  protocol.NewReader(rwc),
		writer:  protocol.NewWriter(rwc),
		scripts: newScriptCache(),
		queue:   make(chan []*request, opts.QueueSize),
		pending: make(chan *request, opts.PendingSize),
		dead:    make(chan struct{}),
		log:     opts.Log,
	}

	c.session = newSession(c, opts.MessageBuffer)
	c.reader.SetLimits(opts.Limits)
	c.reader.SetPushAllowed(c.session.pushAllowed)

	c.loops.Add(2)

	go func() {
		defer c.loops.Done()
		c.writeLoop()
	}()

	go func() {
		defer c.loops.Done()
		c.readLoop()
	}()

	return c
}

// Dial connects to addr over TCP.
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	dialer := net.Dialer{Timeout: opts.DialTimeout}

	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	return New(nc, opts), nil
}

// Close fails every outstanding call with ErrClosed and releases the
// transport.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	c.loops.Wait()

	return c.closeErr
}

// Done is closed once the connection is unusable.
func (c *Conn) Done() <-chan struct{} {
	return c.dead
}

// Err returns the error that ended the connection, or nil while it is usable.
func (c *Conn) Err() error {
	select {
	case <-c.dead:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) Mode() Mode {
	return c.session.Mode()
}

func (c *Conn) Stats() Stats {
	channels, patterns := c.session.counts()

	return Stats{
		Mode:     c.session.Mode(),
		Pending:  len(c.pending),
		Written:  atomic.LoadUint64(&c.written),
		Replies:  atomic.LoadUint64(&c.replies),
		Messages: atomic.LoadUint64(&c.messages),
		Scripts:  c.scripts.size(),
		Channels: channels,
		Patterns: patterns,
	}
}

// Execute sends one command and waits for its reply. Error replies are
// returned as a *protocol.ServerError along with the raw value.
//
// While a transaction is open the reply is the QUEUED acknowledgement; the
// command's result is part of what Exec returns.
func (c *Conn) Execute(ctx context.Context, cmd protocol.Command) (protocol.Value, error) {
	return c.roundTrip(ctx, newRequest(cmd))
}

// Do builds a command from Go values with convert.Args and executes it.
func (c *Conn) Do(ctx context.Context, name string, args ...interface{}) (protocol.Value, error) {
	cmd, err := convert.Command(name, args...)
	if err != nil {
		return protocol.Value{}, err
	}

	return c.Execute(ctx, cmd)
}

// ExecuteBatch writes every command at once and waits for all replies. The
// returned error combines the errors of the individual results.
func (c *Conn) ExecuteBatch(ctx context.Context, cmds []protocol.Command) ([]Result, error) {
	reqs := make([]*request, len(cmds))
	for i, cmd := range cmds {
		reqs[i] = newRequest(cmd)
	}

	return c.collect(ctx, reqs)
}

// Multi opens a transaction. Commands executed until Exec or Discard are
// queued by the server.
func (c *Conn) Multi(ctx context.Context) error {
	_, err := c.Execute(ctx, protocol.NewCommand("MULTI"))
	return err
}

// Exec runs the open transaction and returns the reply of every queued
// command. A transaction aborted by WATCH fails with ErrTxAborted.
func (c *Conn) Exec(ctx context.Context) ([]protocol.Value, error) {
	v, err := c.Execute(ctx, protocol.NewCommand("EXEC"))
	if err != nil {
		return nil, err
	}

	if v.IsNil() {
		return nil, ErrTxAborted
	}

	return v.Elems, nil
}

// Discard abandons the open transaction.
func (c *Conn) Discard(ctx context.Context) error {
	_, err := c.Execute(ctx, protocol.NewCommand("DISCARD"))
	return err
}

func (c *Conn) roundTrip(ctx context.Context, req *request) (protocol.Value, error) {
	if err := c.submit(ctx, []*request{req}); err != nil {
		return protocol.Value{}, err
	}

	return c.wait(ctx, req)
}

// collect submits reqs as one batch and gathers a result for each of them.
func (c *Conn) collect(ctx context.Context, reqs []*request) ([]Result, error) {
	results := make([]Result, len(reqs))
	for i, req := range reqs {
		results[i].Command = req.info.Name
	}

	if err := c.submit(ctx, reqs); err != nil {
		for i := range results {
			results[i].Err = err
		}
		return results, err
	}

	var errs error
	for i, req := range reqs {
		results[i].Value, results[i].Err = c.wait(ctx, req)
		errs = multierr.Append(errs, results[i].Err)
	}

	return results, errs
}

func (c *Conn) submit(ctx context.Context, reqs []*request) error {
	if err := c.Err(); err != nil {
		return err
	}

	select {
	case c.queue <- reqs:
		return nil
	case <-c.dead:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wait blocks until req is fulfilled. Cancelling ctx only abandons the wait;
// the reply is still read and dropped.
func (c *Conn) wait(ctx context.Context, req *request) (protocol.Value, error) {
	select {
	case res := <-req.done:
		return finish(res)

	case <-c.dead:
		// The reply may have landed just before the connection died.
		select {
		case res := <-req.done:
			return finish(res)
		default:
			return protocol.Value{}, c.err
		}

	case <-ctx.Done():
		return protocol.Value{}, ctx.Err()
	}
}

func finish(res result) (protocol.Value, error) {
	if res.err == nil {
		res.err = res.value.Err()
	}

	return res.value, res.err
}

// fail marks the connection dead. Only the first error is kept.
func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.dead)

		if cerr := c.rwc.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			c.closeErr = cerr
		}
	})
}

func (c *Conn) writeLoop() {
	log := c.log.Named("writeLoop")

	cmds := make([]protocol.Command, 0, 16)

	for {
		select {
		case <-c.dead:
			log.Debug("Connection closed, exiting...")
			return

		case reqs := <-c.queue:
			cmds = cmds[:0]

			for _, req := range reqs {
				if err := c.session.admit(req); err != nil {
					req.fulfil(protocol.Value{}, err)
					continue
				}

				select {
				case c.pending <- req:
				default:
					// The pending queue is full: write what we have so the
					// read loop can make room.
					if !c.write(log, cmds) {
						return
					}
					cmds = cmds[:0]

					select {
					case c.pending <- req:
					case <-c.dead:
						return
					}
				}

				cmds = append(cmds, req.cmd)
			}

			if !c.write(log, cmds) {
				return
			}
		}
	}
}

func (c *Conn) write(log *zap.Logger, cmds []protocol.Command) bool {
	if len(cmds) == 0 {
		return true
	}

	if err := c.writer.WriteCommands(cmds...); err != nil {
		log.Warn("Failed to write commands", zap.Int("count", len(cmds)), zap.Error(err))
		c.fail(fmt.Errorf("failed to write commands: %w", err))
		return false
	}

	atomic.AddUint64(&c.written, uint64(len(cmds)))
	return true
}

func (c *Conn) readLoop() {
	log := c.log.Named("readLoop")

	var head *request

	defer func() {
		c.abandon(head)
		if sub := c.session.end(); sub != nil {
			sub.close()
		}
		log.Debug("Read loop exited")
	}()

	for {
		v, err := c.reader.ReadValue()
		if err != nil {
			if c.Err() == nil {
				log.Warn("Failed to read reply", zap.Error(err))
			}
			c.fail(err)
			return
		}

		atomic.AddUint64(&c.replies, 1)

		if head == nil {
			select {
			case head = <-c.pending:
			default:
			}
		}

		sub, msg, isMsg, err := c.session.message(v, head)
		if err != nil {
			log.Warn("Malformed pub/sub message", zap.Error(err))
			c.fail(err)
			return
		}

		if isMsg {
			c.deliver(log, sub, msg)
			continue
		}

		if head == nil {
			err := protocol.NewProtocolError(nil, "%s reply with no pending command", v.Kind)
			log.Warn("Reply out of sync", zap.Stringer("reply", v))
			c.fail(err)
			return
		}

		if ended := c.session.confirm(head, v); ended != nil {
			ended.close()
		}

		if !head.add(v) {
			continue
		}

		if err := c.complete(head); err != nil {
			log.Warn("Transaction reply out of sync", zap.Error(err))
			c.fail(err)
			return
		}

		head = nil
	}
}

func (c *Conn) deliver(log *zap.Logger, sub *Subscription, msg Message) {
	if sub == nil {
		log.Debug("Dropping message without a subscription", zap.String("channel", msg.Channel))
		return
	}

	atomic.AddUint64(&c.messages, 1)

	select {
	case sub.msgs <- msg:
	case <-sub.closing:
	case <-c.dead:
	}
}

// complete fulfils req with its reply, resolving the transaction it ends.
func (c *Conn) complete(req *request) error {
	v := req.reply()

	if req.pubsub {
		c.session.settled()
	}

	if req.closeSub != nil {
		req.closeSub.close()
	}

	switch {
	case req.info.Has(protocol.FlagExec):
		if err := req.fanOut(v); err != nil {
			req.failDeferred(err)
			req.fulfil(protocol.Value{}, err)
			return err
		}

	case req.info.Has(protocol.FlagDiscard), req.info.Name == "RESET":
		if !v.IsError() {
			req.failDeferred(ErrTxDiscarded)
		}

	case req.deferred && !v.IsError():
		// QUEUED; the result arrives with EXEC.
		return nil
	}

	req.fulfil(v, nil)
	return nil
}

// abandon fails the request being read and everything still pending.
func (c *Conn) abandon(head *request) {
	err := c.err

	if head != nil {
		head.failDeferred(err)
		head.fulfil(protocol.Value{}, err)
	}

	for {
		select {
		case req := <-c.pending:
			req.failDeferred(err)
			req.fulfil(protocol.Value{}, err)
		default:
			return
		}
	}
}
