package transport

import "strings"

type header struct {
	options []Option
}

func (h *header) Options() []Option {
	return h.options
}

func (h *header) First() (Option, bool) {
	if len(h.options) == 0 {
		return nil, false
	}
	return h.options[0], true
}

type option struct {
	unicast   bool
	multicast bool
	protocol  Protocol
	params    []Parameter
}

// NewOption builds an option for a response header.
func NewOption(protocol Protocol, multicast bool, params ...Parameter) Option {
	return &option{
		unicast:   !multicast,
		multicast: multicast,
		protocol:  protocol,
		params:    params,
	}
}

func (o *option) Protocol() Protocol {
	return o.protocol
}

func (o *option) IsUnicast() bool {
	return o.unicast
}

func (o *option) IsMulticast() bool {
	return o.multicast
}

func (o *option) Parameters() []Parameter {
	return o.params
}

func (o *option) ClientPort() (ClientPort, bool) {
	for _, p := range o.params {
		if v, ok := p.(ClientPort); ok {
			return v, true
		}
	}
	return nil, false
}

func (o *option) Interleaved() (Interleaved, bool) {
	for _, p := range o.params {
		if v, ok := p.(Interleaved); ok {
			return v, true
		}
	}
	return nil, false
}

func (o *option) Destination() (Destination, bool) {
	for _, p := range o.params {
		if v, ok := p.(Destination); ok {
			return v, true
		}
	}
	return "", false
}

func (o *option) String() string {
	segments := []string{"RTP/AVP/" + string(o.protocol)}

	switch {
	case o.multicast:
		segments = append(segments, "multicast")
	case o.unicast:
		segments = append(segments, "unicast")
	}

	for _, param := range o.params {
		segments = append(segments, param.String())
	}

	return strings.Join(segments, ";")
}
