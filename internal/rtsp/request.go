package rtsp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

const (
	protocolVersion = "RTSP/1.0"
	scheme          = "rtsp"
	maxBodySize     = 64 * 1024
)

// ErrMalformedRequest is returned when the request line or the header block
// cannot be parsed. The connection is dropped without a response.
var ErrMalformedRequest = errors.New("malformed RTSP request")

type Request struct {
	Method   Method
	URL      string
	Version  string
	Sequence string
	Header   http.Header
	Body     []byte
}

// readRequest reads one request from r.
func readRequest(r *bufio.Reader) (*Request, error) {
	reader := textproto.NewReader(r)

	line, err := reader.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, line)
	}

	mh, err := reader.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read headers: %v", ErrMalformedRequest, err)
	}
	header := filterHeader(mh)

	request := &Request{
		Method:   Method(parts[0]),
		URL:      parts[1],
		Version:  parts[2],
		Sequence: headerValue(header, HeaderCSeq),
		Header:   header,
	}

	if v := headerValue(header, HeaderContentLength); v != "" {
		length, err := strconv.Atoi(v)
		if err != nil || length < 0 || length > maxBodySize {
			return nil, fmt.Errorf("%w: invalid content-length %q", ErrMalformedRequest, v)
		}
		request.Body = make([]byte, length)
		_, err = io.ReadFull(r, request.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read body of RTSP request: %w", err)
		}
	}

	return request, nil
}

// Write serializes the request. It is used by tests and tools acting as a
// client.
func (r *Request) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	writer := textproto.NewWriter(bw)

	version := r.Version
	if version == "" {
		version = protocolVersion
	}
	err := writer.PrintfLine("%s %s %s", r.Method, r.URL, version)
	if err != nil {
		return fmt.Errorf("failed to write request line: %w", err)
	}

	if r.Sequence != "" {
		err = writer.PrintfLine("%s: %s", HeaderCSeq, r.Sequence)
		if err != nil {
			return err
		}
	}
	if r.Header == nil {
		r.Header = http.Header{}
	}
	if len(r.Body) > 0 {
		r.Header[HeaderContentLength] = []string{strconv.Itoa(len(r.Body))}
	}
	err = r.Header.WriteSubset(bw, map[string]bool{HeaderCSeq: true})
	if err != nil {
		return err
	}
	err = writer.PrintfLine("")
	if err != nil {
		return err
	}
	if len(r.Body) > 0 {
		_, err = bw.Write(r.Body)
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}
