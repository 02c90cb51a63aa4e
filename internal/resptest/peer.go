package resptest

import (
	"io"
	"net"
	"strings"

	"github.com/onsi/gomega"

	"github.com/luma/respite/protocol"
)

// Peer is a bare RESP connection for specs: a raw client for the mock
// endpoint, or the scripted server at the far end of a Pipe.
type Peer struct {
	Conn   net.Conn
	Reader *protocol.Reader
	Writer *protocol.Writer
}

func NewPeer(conn net.Conn) *Peer {
	p := &Peer{
		Conn:   conn,
		Reader: protocol.NewReader(conn),
		Writer: protocol.NewWriter(conn),
	}

	// Peers are used for both directions, so push frames are always fine.
	p.Reader.SetPushAllowed(func() bool { return true })

	return p
}

func DialPeer(addr string) (*Peer, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	return NewPeer(conn), nil
}

// Pipe returns the client end of an in-memory connection and a Peer
// playing the server on the other end.
func Pipe() (io.ReadWriteCloser, *Peer) {
	client, server := net.Pipe()
	return client, NewPeer(server)
}

// SetVersion switches the encoding used by Reply.
func (p *Peer) SetVersion(v protocol.Version) {
	p.Writer.SetVersion(v)
}

func (p *Peer) Send(args ...string) error {
	return p.Writer.WriteCommands(protocol.CommandFromStrings(args...))
}

// Do sends a command and reads one reply.
func (p *Peer) Do(args ...string) (protocol.Value, error) {
	if err := p.Send(args...); err != nil {
		return protocol.Value{}, err
	}

	return p.Reader.ReadValue()
}

func (p *Peer) Read() (protocol.Value, error) {
	return p.Reader.ReadValue()
}

// ExpectCommand reads the next command and asserts its words.
func (p *Peer) ExpectCommand(args ...string) {
	cmd, err := p.Reader.ReadCommand()
	gomega.ExpectWithOffset(1, err).To(gomega.Succeed())

	got := make([]string, cmd.Len())
	for i, a := range cmd.Args() {
		got[i] = string(a)
	}

	gomega.ExpectWithOffset(1, strings.Join(got, " ")).To(gomega.Equal(strings.Join(args, " ")))
}

func (p *Peer) Reply(values ...protocol.Value) error {
	return p.Writer.WriteValues(values...)
}

// ReplyRaw writes bytes as they are, for replies no encoder would produce.
func (p *Peer) ReplyRaw(raw string) error {
	_, err := io.WriteString(p.Conn, raw)
	return err
}

func (p *Peer) Close() error {
	return p.Conn.Close()
}
