package rtsp

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"time"
)

const (
	StatusOK                           = 200
	StatusBadRequest                   = 400
	StatusUnauthorized                 = 401
	StatusNotFound                     = 404
	StatusMethodNotAllowed             = 405
	StatusNotAcceptable                = 406
	StatusSessionNotFound              = 454
	StatusMethodNotValidInThisState    = 455
	StatusAggregateOperationNotAllowed = 459
	StatusUnsupportedTransport         = 461
	StatusInternalServerError          = 500
	StatusRTSPVersionNotSupported      = 505
)

var statusText = map[int]string{
	StatusOK:                           "OK",
	StatusBadRequest:                   "Bad Request",
	StatusUnauthorized:                 "Unauthorized",
	StatusNotFound:                     "Not Found",
	StatusMethodNotAllowed:             "Method Not Allowed",
	StatusNotAcceptable:                "Not Acceptable",
	StatusSessionNotFound:              "Session Not Found",
	StatusMethodNotValidInThisState:    "Method Not Valid in This State",
	StatusAggregateOperationNotAllowed: "Aggregate operation not allowed",
	StatusUnsupportedTransport:         "Unsupported Transport",
	StatusInternalServerError:          "Internal Server Error",
	StatusRTSPVersionNotSupported:      "RTSP Version Not Supported",
}

// StatusText returns the reason phrase of code.
func StatusText(code int) string {
	if s, ok := statusText[code]; ok {
		return s
	}
	return http.StatusText(code)
}

type Response struct {
	Code     int
	Sequence string
	Header   http.Header
	Body     []byte
}

func newResponse(request *Request, code int) *Response {
	return &Response{
		Code:     code,
		Sequence: request.Sequence,
		Header:   http.Header{},
	}
}

// set stores a header under its exact RTSP name.
func (r *Response) set(name, value string) {
	r.Header[name] = []string{value}
}

func (r *Response) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	writer := textproto.NewWriter(bw)

	err := writer.PrintfLine("%s %d %s", protocolVersion, r.Code, StatusText(r.Code))
	if err != nil {
		return fmt.Errorf("failed to write response line: %w", err)
	}

	if seq, err := strconv.Atoi(r.Sequence); err == nil {
		err = writer.PrintfLine("%s: %d", HeaderCSeq, seq)
		if err != nil {
			return err
		}
	}

	if r.Header == nil {
		r.Header = http.Header{}
	}
	if _, ok := r.Header[HeaderDate]; !ok {
		r.Header[HeaderDate] = []string{time.Now().UTC().Format(http.TimeFormat)}
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

// readResponse reads one response from r. It is the client side counterpart
// of Response.Write.
func readResponse(r *bufio.Reader) (*Response, error) {
	reader := textproto.NewReader(r)

	line, err := reader.ReadLine()
	if err != nil {
		return nil, err
	}
	var version string
	var code int
	_, err = fmt.Sscanf(line, "%s %d", &version, &code)
	if err != nil || version != protocolVersion {
		return nil, fmt.Errorf("%w: status line %q", ErrMalformedRequest, line)
	}

	mh, err := reader.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("failed to read response headers: %w", err)
	}
	header := filterHeader(mh)

	response := &Response{
		Code:     code,
		Sequence: headerValue(header, HeaderCSeq),
		Header:   header,
	}

	if v := headerValue(header, HeaderContentLength); v != "" {
		length, err := strconv.Atoi(v)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("invalid content-length %q", v)
		}
		response.Body = make([]byte, length)
		_, err = io.ReadFull(r, response.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
	}
	return response, nil
}
