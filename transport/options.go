package transport

import (
	"go.uber.org/zap"

	"github.com/luma/respite/storage"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on. Zero picks a free port, see TCP.Addr.
	Port int

	// Reuseport controls setting SO_REUSEPORT, which lets several listeners
	// share the port.
	Reuseport bool

	// Trace logs every command received at debug level.
	Trace bool

	NumListeners int

	// WriteQueueSize is the number of replies and messages that may wait for
	// a connection's write loop.
	WriteQueueSize int

	Store storage.Store

	Log *zap.Logger
}
