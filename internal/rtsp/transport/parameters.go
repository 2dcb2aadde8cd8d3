package transport

import (
	"fmt"
	"strconv"
)

type Destination string

func (p Destination) String() string {
	if p == "" {
		return "destination"
	}
	return "destination=" + string(p)
}

type Interleaved []int

func (p Interleaved) String() string {
	if len(p) == 1 {
		return fmt.Sprintf("interleaved=%d", p[0])
	}
	return fmt.Sprintf("interleaved=%d-%d", p[0], p[1])
}

// Channels returns the RTP and RTCP channels. A single channel n implies
// n+1 for RTCP.
func (p Interleaved) Channels() (int, int) {
	if len(p) == 1 {
		return p[0], p[0] + 1
	}
	return p[0], p[1]
}

type Append string

func (p Append) String() string {
	return "append"
}

type TTL int

func (p TTL) String() string {
	return fmt.Sprintf("ttl=%d", int(p))
}

type Layers int

func (p Layers) String() string {
	return fmt.Sprintf("layers=%d", p)
}

type Port []int

func (p Port) String() string {
	if len(p) == 1 {
		return fmt.Sprintf("port=%d", p[0])
	}
	return fmt.Sprintf("port=%d-%d", p[0], p[1])
}

type ClientPort []int

func (p ClientPort) String() string {
	if len(p) == 1 {
		return fmt.Sprintf("client_port=%d", p[0])
	}
	return fmt.Sprintf("client_port=%d-%d", p[0], p[1])
}

// Ports returns the RTP and RTCP ports. A single port n implies n+1 for
// RTCP.
func (p ClientPort) Ports() (int, int) {
	if len(p) == 1 {
		return p[0], p[0] + 1
	}
	return p[0], p[1]
}

type ServerPort []int

func (p ServerPort) String() string {
	if len(p) == 1 {
		return fmt.Sprintf("server_port=%d", p[0])
	}
	return fmt.Sprintf("server_port=%d-%d", p[0], p[1])
}

type SSRC uint32

func (p SSRC) String() string {
	return "ssrc=" + strconv.FormatUint(uint64(p), 16)
}

type Mode string

func (p Mode) String() string {
	return "mode=" + string(p)
}
