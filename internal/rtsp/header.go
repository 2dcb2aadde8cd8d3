package rtsp

import (
	"net/http"
	"net/textproto"
	"strings"
)

// Header names as they are written on the wire.
const (
	HeaderAccept          = "Accept"
	HeaderAllow           = "Allow"
	HeaderAuthorization   = "Authorization"
	HeaderCacheControl    = "Cache-Control"
	HeaderContentBase     = "Content-Base"
	HeaderContentLength   = "Content-Length"
	HeaderContentType     = "Content-Type"
	HeaderCSeq            = "CSeq"
	HeaderDate            = "Date"
	HeaderPublic          = "Public"
	HeaderRange           = "Range"
	HeaderRTPInfo         = "RTP-Info"
	HeaderServer          = "Server"
	HeaderSession         = "Session"
	HeaderTransport       = "Transport"
	HeaderWWWAuthenticate = "WWW-Authenticate"
)

// allowedHeaders maps the canonical MIME form of every remembered request
// header to its RTSP spelling. Other headers are dropped on read.
var allowedHeaders = func() map[string]string {
	names := []string{
		HeaderAccept, "Accept-Encoding", "Accept-Language", HeaderAllow,
		HeaderAuthorization, "Bandwidth", "Blocksize", HeaderCacheControl,
		"Conference", "Connection", HeaderContentBase, "Content-Encoding",
		"Content-Language", HeaderContentLength, "Content-Location",
		HeaderContentType, HeaderCSeq, HeaderDate, "Expires", "From",
		"If-Modified-Since", "Last-Modified", "Proxy-Authenticate",
		"Proxy-Require", HeaderPublic, HeaderRange, "Referer", "Require",
		"Retry-After", HeaderRTPInfo, "Scale", HeaderSession, HeaderServer,
		"Speed", HeaderTransport, "Unsupported", "User-Agent", "Via",
		HeaderWWWAuthenticate,
	}
	m := make(map[string]string, len(names))
	for _, n := range names {
		m[textproto.CanonicalMIMEHeaderKey(n)] = n
	}
	return m
}()

// filterHeader keeps the allow-listed fields of h under their RTSP names.
func filterHeader(h textproto.MIMEHeader) http.Header {
	ret := http.Header{}
	for k, v := range h {
		if name, ok := allowedHeaders[k]; ok {
			ret[name] = v
		}
	}
	return ret
}

// headerValue returns the first value of a header stored under its RTSP
// name.
func headerValue(h http.Header, name string) string {
	if v := h[name]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

// sessionID strips the parameters of a Session header value.
func sessionID(v string) string {
	id, _, _ := strings.Cut(v, ";")
	return strings.TrimSpace(id)
}
