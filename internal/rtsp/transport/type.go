// Package transport parses and renders the RTSP Transport header.
package transport

import "errors"

type Protocol string

const (
	ProtocolUDP Protocol = "UDP"
	ProtocolTCP Protocol = "TCP"
)

var (
	ErrUnsupportedTransport = errors.New("unsupported transport")
	ErrMalformedTransport   = errors.New("malformed transport header")
)

type Header interface {
	Options() []Option
	// First returns the first option the server can serve.
	First() (Option, bool)
}

type Option interface {
	IsUnicast() bool
	IsMulticast() bool
	Protocol() Protocol
	Parameters() []Parameter

	ClientPort() (ClientPort, bool)
	Interleaved() (Interleaved, bool)
	Destination() (Destination, bool)

	String() string
}

type Parameter interface {
	String() string
}
