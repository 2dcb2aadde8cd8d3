package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Parse reads the values of every Transport header of a request. Each value
// may hold several comma separated options in order of preference. Options
// with a protocol the server does not serve are skipped.
func Parse(values []string) (Header, error) {
	var opts []Option
	unsupported := false
	for _, value := range values {
		for _, option := range strings.Split(value, ",") {
			option = strings.TrimSpace(option)
			if option == "" {
				continue
			}
			o, err := parseOption(option)
			if errors.Is(err, ErrUnsupportedTransport) {
				unsupported = true
				continue
			}
			if err != nil {
				return nil, err
			}
			opts = append(opts, o)
		}
	}
	switch {
	case len(opts) > 0:
	case unsupported:
		return nil, ErrUnsupportedTransport
	default:
		return nil, ErrMalformedTransport
	}

	return &header{options: opts}, nil
}

func parseOption(in string) (Option, error) {
	parts := strings.Split(in, ";")
	opt := &option{}
	switch strings.ToUpper(strings.TrimSpace(parts[0])) {
	case "RTP/AVP", "RTP/AVP/UDP":
		opt.protocol = ProtocolUDP
	case "RTP/AVP/TCP":
		opt.protocol = ProtocolTCP
	default:
		return nil, ErrUnsupportedTransport
	}

	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		key, value, hasValue := strings.Cut(part, "=")
		switch strings.ToLower(key) {
		case "":
		case "unicast":
			opt.unicast = true
		case "multicast":
			opt.multicast = true
		case "destination":
			opt.params = append(opt.params, Destination(value))
		case "append":
			opt.params = append(opt.params, Append(""))
		case "interleaved":
			channels, err := parseRange(key, value, hasValue)
			if err != nil {
				return nil, err
			}
			opt.params = append(opt.params, Interleaved(channels))
		case "ttl":
			ttl, err := parseInt(key, value, hasValue)
			if err != nil {
				return nil, err
			}
			opt.params = append(opt.params, TTL(ttl))
		case "layers":
			layers, err := parseInt(key, value, hasValue)
			if err != nil {
				return nil, err
			}
			opt.params = append(opt.params, Layers(layers))
		case "port":
			ports, err := parseRange(key, value, hasValue)
			if err != nil {
				return nil, err
			}
			opt.params = append(opt.params, Port(ports))
		case "client_port":
			ports, err := parseRange(key, value, hasValue)
			if err != nil {
				return nil, err
			}
			opt.params = append(opt.params, ClientPort(ports))
		case "server_port":
			ports, err := parseRange(key, value, hasValue)
			if err != nil {
				return nil, err
			}
			opt.params = append(opt.params, ServerPort(ports))
		case "ssrc":
			if !hasValue {
				return nil, fmt.Errorf("%w: parameter ssrc expects an identifier", ErrMalformedTransport)
			}
			ssrc, err := strconv.ParseUint(value, 16, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to parse ssrc value: %v", ErrMalformedTransport, err)
			}
			opt.params = append(opt.params, SSRC(ssrc))
		case "mode":
			if !hasValue {
				return nil, fmt.Errorf("%w: parameter mode expects a value", ErrMalformedTransport)
			}
			opt.params = append(opt.params, Mode(strings.Trim(value, `"`)))
		default:
			// unknown parameters are ignored
		}
	}

	if !opt.unicast && !opt.multicast {
		opt.unicast = true
	}

	return opt, nil
}

func parseInt(key, value string, hasValue bool) (int, error) {
	if !hasValue {
		return 0, fmt.Errorf("%w: parameter %s expects a value", ErrMalformedTransport, key)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to parse %s value: %v", ErrMalformedTransport, key, err)
	}
	return v, nil
}

func parseRange(key, value string, hasValue bool) ([]int, error) {
	if !hasValue {
		return nil, fmt.Errorf("%w: parameter %s expects at least one value", ErrMalformedTransport, key)
	}
	parts := strings.Split(value, "-")
	if len(parts) > 2 {
		return nil, fmt.Errorf("%w: parameter %s expects at most two values", ErrMalformedTransport, key)
	}
	var ret []int
	for _, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 || v > 65535 {
			return nil, fmt.Errorf("%w: failed to parse %s, received %s", ErrMalformedTransport, key, part)
		}
		ret = append(ret, v)
	}
	return ret, nil
}
