package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrProtocol is matched by every *ProtocolError via errors.Is.
	ErrProtocol = errors.New("protocol error")

	ErrEmptyCommand   = errors.New("command has no arguments")
	ErrUnknownType    = errors.New("unknown reply type")
	ErrInvalidLength  = errors.New("invalid length")
	ErrInvalidInteger = errors.New("invalid integer")
	ErrInvalidDouble  = errors.New("invalid double")
	ErrInvalidBoolean = errors.New("invalid boolean")
	ErrMissingCRLF    = errors.New("missing CRLF terminator")
	ErrTooDeep        = errors.New("reply nesting exceeds the maximum depth")
	ErrTooLarge       = errors.New("reply exceeds the maximum size")
	ErrUnexpectedPush = errors.New("push reply outside of subscribe mode")
)

// ProtocolError reports malformed or desynchronized wire data. A connection that
// produced one can not be used again.
type ProtocolError struct {
	Message string
	Err     error
}

func NewProtocolError(err error, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Message
	}

	return fmt.Sprintf("protocol error: %s: %v", e.Message, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// TypeMismatchError is returned when a reply can not be converted into the
// requested Go type, or a Go value can not be turned into arguments. It never
// affects the connection.
type TypeMismatchError struct {
	Kind Kind

	// From names the Go type when encoding arguments; Kind is unused then.
	From string

	Target string
	Detail string
}

func (e *TypeMismatchError) Error() string {
	from := e.Kind.String() + " reply"
	if e.From != "" {
		from = e.From
	}

	msg := fmt.Sprintf("can not convert %s into %s", from, e.Target)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}

	return msg
}

// ServerError is an error reply sent by the server, kept verbatim.
type ServerError struct {
	// Kind is the first word of the error, e.g. ERR, WRONGTYPE or NOSCRIPT
	Kind    string
	Message string
}

// ParseServerError splits an error line into its kind and message.
func ParseServerError(line string) *ServerError {
	kind, msg := line, ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		kind, msg = line[:i], line[i+1:]
	}

	return &ServerError{Kind: kind, Message: msg}
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return e.Kind
	}

	return e.Kind + " " + e.Message
}

func (e *ServerError) IsNoScript() bool     { return e.Kind == "NOSCRIPT" }
func (e *ServerError) IsMoved() bool        { return e.Kind == "MOVED" }
func (e *ServerError) IsAsk() bool          { return e.Kind == "ASK" }
func (e *ServerError) IsTryAgain() bool     { return e.Kind == "TRYAGAIN" }
func (e *ServerError) IsClusterDown() bool  { return e.Kind == "CLUSTERDOWN" }
func (e *ServerError) IsCrossSlot() bool    { return e.Kind == "CROSSSLOT" }
func (e *ServerError) IsLoading() bool      { return e.Kind == "LOADING" }
func (e *ServerError) IsReadOnly() bool     { return e.Kind == "READONLY" }
func (e *ServerError) IsMasterDown() bool   { return e.Kind == "MASTERDOWN" }
func (e *ServerError) IsExecAbort() bool    { return e.Kind == "EXECABORT" }
func (e *ServerError) IsWrongType() bool    { return e.Kind == "WRONGTYPE" }
func (e *ServerError) IsClusterError() bool { return e.IsMoved() || e.IsAsk() || e.IsTryAgain() || e.IsClusterDown() }

// RedirectTarget returns the slot and address of a MOVED or ASK error.
func (e *ServerError) RedirectTarget() (slot int, addr string, ok bool) {
	if !e.IsMoved() && !e.IsAsk() {
		return 0, "", false
	}

	fields := strings.Fields(e.Message)
	if len(fields) != 2 {
		return 0, "", false
	}

	slot, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", false
	}

	return slot, fields[1], true
}

// AsServerError unwraps err into a *ServerError.
func AsServerError(err error) (*ServerError, bool) {
	var serr *ServerError
	if errors.As(err, &serr) {
		return serr, true
	}

	return nil, false
}

// IsNoScript reports whether err is a NOSCRIPT reply.
func IsNoScript(err error) bool {
	serr, ok := AsServerError(err)
	return ok && serr.IsNoScript()
}

// StateError is returned when a command is not legal in the connection's
// current session mode. The command is never written.
type StateError struct {
	Mode    string
	Command string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s is not allowed while the connection is in %s mode", e.Command, e.Mode)
}
