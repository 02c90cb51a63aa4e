package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/respite/protocol"
	"github.com/luma/respite/storage"
)

const DefaultWriteQueueSize = 1024

// TCP is a RESP endpoint backed by a storage.Store. It implements enough of
// the Redis command set to exercise a client: strings and counters,
// transactions with WATCH, pub/sub and Lua scripting.
type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr string

	numListeners int
	listeners    []*TCPListener
	reuseport    bool

	store   storage.Store
	broker  *Broker
	scripts *ScriptEngine

	// exclusive is held for writing by EXEC and scripts so that they run
	// without other commands interleaving; single commands hold it for
	// reading.
	exclusive sync.RWMutex

	writeQueueSize int
	nextConnID     int64

	log   *zap.Logger
	trace bool
}

func NewTCP(options Options) *TCP {
	numListeners := options.NumListeners

	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	// Without SO_REUSEPORT only one socket can bind the port.
	if !options.Reuseport {
		numListeners = 1
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	store := options.Store
	if store == nil {
		store = storage.NewInmemoryStore()
	}

	writeQueueSize := options.WriteQueueSize
	if writeQueueSize < 1 {
		writeQueueSize = DefaultWriteQueueSize
	}

	t := &TCP{
		addr:           net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		numListeners:   numListeners,
		listeners:      make([]*TCPListener, 0, numListeners),
		reuseport:      options.Reuseport,
		store:          store,
		writeQueueSize: writeQueueSize,
		trace:          options.Trace,
		log:            log,
	}

	t.broker = NewBroker(log.Named("broker"))
	t.scripts = NewScriptEngine(t)

	return t
}

// Start binds every listener before returning, so Addr is valid as soon as
// Start succeeds. Connections are served until Close.
func (t *TCP) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	t.cancel = cancel

	t.log.Info("Starting tcp listeners", zap.Int("count", t.numListeners))

	addr := t.addr
	for i := 0; i < t.numListeners; i++ {
		ln, err := t.listen(addr)
		if err != nil {
			cancel()
			return multierr.Append(
				fmt.Errorf("failed to listen on %s: %w", addr, err),
				t.closeListeners(),
			)
		}

		// With port 0 the remaining listeners must share the port picked for
		// the first one.
		addr = ln.Addr().String()

		t.startListener(ctx, ln)
	}

	return nil
}

func (t *TCP) listen(addr string) (net.Listener, error) {
	if t.reuseport {
		return reuseport.Listen("tcp", addr)
	}

	return net.Listen("tcp", addr)
}

// Addr returns the address the endpoint is listening on.
func (t *TCP) Addr() string {
	if len(t.listeners) == 0 {
		return t.addr
	}

	return t.listeners[0].Addr().String()
}

func (t *TCP) Store() storage.Store {
	return t.store
}

func (t *TCP) Broker() *Broker {
	return t.broker
}

func (t *TCP) startListener(ctx context.Context, ln net.Listener) {
	t.stopWaiter.Add(1)

	listener := NewTCPListener(
		ctx,
		ln,
		t,
		t.log.Named("listener").With(zap.Int("listener", len(t.listeners))),
	)

	t.listeners = append(t.listeners, listener)

	go func() {
		defer t.stopWaiter.Done()

		if err := listener.Serve(); err != nil {
			t.log.Error("Listener stopped accepting connections", zap.Error(err))
		}
	}()
}

// Close immediately closes all listeners and connections.
func (t *TCP) Close() error {
	t.log.Info("Stopping TCP server")

	if t.cancel != nil {
		t.cancel()
	}

	err := t.closeListeners()

	t.stopWaiter.Wait()
	t.log.Info("Listeners stopped")

	return err
}

func (t *TCP) closeListeners() (err error) {
	for _, listener := range t.listeners {
		err = multierr.Append(err, listener.Close())
	}

	return err
}

type TCPListener struct {
	ctx context.Context

	listener net.Listener
	server   *TCP
	log      *zap.Logger

	mu          sync.Mutex
	activeConns map[*TCPConn]struct{}
	loopWaiter  sync.WaitGroup
}

func NewTCPListener(
	ctx context.Context,
	listener net.Listener,
	server *TCP,
	log *zap.Logger,
) *TCPListener {
	return &TCPListener{
		ctx:         ctx,
		listener:    listener,
		server:      server,
		activeConns: make(map[*TCPConn]struct{}),
		log:         log,
	}
}

func (t *TCPListener) Addr() net.Addr {
	return t.listener.Addr()
}

// Close stops accepting and closes every active connection.
func (t *TCPListener) Close() error {
	err := t.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	t.mu.Lock()
	conns := make([]*TCPConn, 0, len(t.activeConns))
	for conn := range t.activeConns {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}

	return err
}

// Serve accepts connections until the listener is closed.
func (t *TCPListener) Serve() error {
	defer func() {
		t.log.Info("Waiting for Read/Write loops to stop")
		t.loopWaiter.Wait()
		t.log.Info("Listener stopped")
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				return nil
			}

			return err
		}

		id := atomic.AddInt64(&t.server.nextConnID, 1)
		tcpConn := NewTCPConn(t.ctx, id, conn, t.server, t.log.Named("conn").With(zap.Int64("id", id)))

		t.addConn(tcpConn)
		t.loopWaiter.Add(1)

		go func() {
			defer t.loopWaiter.Done()
			defer t.removeConn(tcpConn)

			tcpConn.Start()
		}()
	}
}

func (t *TCPListener) addConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeConns[conn] = struct{}{}
}

func (t *TCPListener) removeConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, conn)
}

type outgoing struct {
	values  []protocol.Value
	version protocol.Version
}

// TCPConn serves one client. The read loop decodes and executes commands in
// order and queues their replies; the write loop is the only writer on the
// socket, so published messages from other connections interleave with
// replies safely.
type TCPConn struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup
	closeOnce  sync.Once

	id     int64
	conn   net.Conn
	server *TCP

	reader *protocol.Reader
	writer *protocol.Writer

	// proto is the negotiated protocol.Version, read by publishers.
	proto int32

	session *session

	writeQueue chan outgoing
	readDone   chan struct{}

	log *zap.Logger
}

func NewTCPConn(
	parentCtx context.Context,
	id int64,
	conn net.Conn,
	server *TCP,
	log *zap.Logger,
) *TCPConn {
	ctx, cancel := context.WithCancel(parentCtx)

	return &TCPConn{
		ctx:        ctx,
		cancel:     cancel,
		id:         id,
		conn:       conn,
		server:     server,
		reader:     protocol.NewReader(conn),
		writer:     protocol.NewWriter(conn),
		proto:      int32(protocol.RESP2),
		session:    newSession(),
		writeQueue: make(chan outgoing, server.writeQueueSize),
		readDone:   make(chan struct{}),
		log:        log,
	}
}

func (t *TCPConn) ID() int64 {
	return t.id
}

// Close drops the connection. It is safe to call more than once.
func (t *TCPConn) Close() (err error) {
	t.closeOnce.Do(func() {
		t.cancel()
		t.server.broker.UnsubscribeAll(t)

		if cerr := t.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})

	return err
}

// Start runs the read and write loops and returns once both exited.
func (t *TCPConn) Start() {
	t.log.Debug("Client connected", zap.Stringer("remote", t.conn.RemoteAddr()))

	t.loopWaiter.Add(2)

	go func() {
		defer t.loopWaiter.Done()
		t.ReadLoop()
	}()

	go func() {
		defer t.loopWaiter.Done()
		t.WriteLoop()
	}()

	t.loopWaiter.Wait()

	if err := t.Close(); err != nil {
		t.log.Warn("Connection did not close cleanly", zap.Error(err))
	}
}

func (t *TCPConn) ReadLoop() {
	log := t.log.Named("readLoop")

	defer func() {
		close(t.readDone)
		log.Debug("Read loop exited")
	}()

	for {
		cmd, err := t.reader.ReadCommand()
		if err != nil {
			switch {
			case !t.isRunning(), errors.Is(err, io.EOF):
				log.Debug("Client went away")

			case errors.Is(err, protocol.ErrProtocol):
				log.Warn("Client sent malformed command", zap.Error(err))
				t.send(protocol.ErrorReply("ERR", "Protocol error: "+err.Error()))

			default:
				log.Warn("Failed to read client command", zap.Error(err))
			}

			return
		}

		if t.server.trace {
			log.Debug("Command", zap.Stringer("command", cmd))
		}

		replies, quit := t.handle(cmd)
		if !t.send(replies...) || quit {
			return
		}
	}
}

func (t *TCPConn) WriteLoop() {
	log := t.log.Named("writeLoop")

	for {
		select {
		case <-t.ctx.Done():
			return

		case out := <-t.writeQueue:
			if err := t.write(out); err != nil {
				log.Warn("Failed to write to client", zap.Error(err))
				t.Close()
				return
			}

		case <-t.readDone:
			// Flush what the read loop queued before it stopped, then let
			// Start close the connection.
			for {
				select {
				case out := <-t.writeQueue:
					if err := t.write(out); err != nil {
						log.Warn("Failed to flush to client", zap.Error(err))
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (t *TCPConn) write(out outgoing) error {
	t.writer.SetVersion(out.version)
	return t.writer.WriteValues(out.values...)
}

// send queues values for the write loop. It reports false once the
// connection is closing.
func (t *TCPConn) send(values ...protocol.Value) bool {
	if len(values) == 0 {
		return true
	}

	select {
	case t.writeQueue <- outgoing{values: values, version: t.version()}:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *TCPConn) version() protocol.Version {
	return protocol.Version(atomic.LoadInt32(&t.proto))
}

func (t *TCPConn) setVersion(v protocol.Version) {
	atomic.StoreInt32(&t.proto, int32(v))
}

// isRunning returns true if Close has not been called
func (t *TCPConn) isRunning() bool {
	select {
	case <-t.ctx.Done():
		return false

	default:
		return true
	}
}
