package rtsp

import (
	"context"
	"net"

	"github.com/bilbercode/live-stream/internal/auth"
	"github.com/bilbercode/live-stream/internal/session"
)

type Server interface {
	// Start listens on addr and serves until ctx is done or Close is called.
	Start(ctx context.Context, addr string) error
	// Serve accepts connections on l until ctx is done or Close is called.
	Serve(ctx context.Context, l net.Listener) error
	// Addr returns the listening address once serving.
	Addr() net.Addr
	Close() error
}

type Client interface {
	SendRequest(ctx context.Context, request *Request) (*Response, error)
	SubscribeInterleavedFrames(h func(channel uint8, payload []byte)) func()

	Conn() net.Conn

	Done() <-chan struct{}
	Err() error
	Close() error
}

type Config struct {
	Registry *session.Registry
	// Auth is optional. Without it every request is authorized.
	Auth *auth.Manager
	// ServerName is sent in the Server header of every response.
	ServerName string
}
