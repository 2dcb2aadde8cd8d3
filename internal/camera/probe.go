package camera

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/bilbercode/live-stream/internal/auth"
	"github.com/bilbercode/live-stream/internal/rtsp"
)

var ErrNoVideo = errors.New("no H264 stream described by server")

// Probe describes the resource at addr and returns its session description
// and the first H.264 media section.
func Probe(ctx context.Context, addr, user, password string) (*sdp.SessionDescription, *sdp.MediaDescription, error) {
	uri, err := url.Parse(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	host := uri.Host
	if uri.Port() == "" {
		host = net.JoinHostPort(uri.Hostname(), "554")
	}

	cli, err := rtsp.Dial(ctx, host)
	if err != nil {
		return nil, nil, err
	}
	defer cli.Close()

	header := map[string][]string{
		rtsp.HeaderAccept: {"application/sdp"},
	}
	if user != "" {
		header[rtsp.HeaderAuthorization] = []string{auth.Credentials(user, password)}
	}
	res, err := cli.SendRequest(ctx, &rtsp.Request{
		Method: rtsp.MethodDescribe,
		URL:    uri.String(),
		Header: header,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get session description for url %s: %w", uri.String(), err)
	}
	if res.Code != rtsp.StatusOK {
		return nil, nil, fmt.Errorf("failed to get session description for url %s: %d %s",
			uri.String(), res.Code, rtsp.StatusText(res.Code))
	}

	sessionDescription := &sdp.SessionDescription{}
	err = sessionDescription.Unmarshal(res.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse SDP for URL %s: %w", uri.String(), err)
	}
	for _, md := range sessionDescription.MediaDescriptions {
		rtpmap, ok := md.Attribute("rtpmap")
		switch {
		case !ok:
			continue
		case strings.Contains(rtpmap, "H264"):
			return sessionDescription, md, nil
		}
	}

	return sessionDescription, nil, ErrNoVideo
}
