package camera

import (
	"context"

	"github.com/bilbercode/live-stream/internal/capture"
	"github.com/bilbercode/live-stream/internal/media"
	"github.com/bilbercode/live-stream/internal/session"
)

type Service interface {
	// Start publishes the camera and blocks until ctx is done.
	Start(ctx context.Context) error
	Close()
}

type Config struct {
	Registry *session.Registry
	// URI the resource is published at, e.g. rtsp://host:8086/test/live.
	URI     string
	Control string
	Track   media.TrackConfig
	Capture capture.Config
	// EncoderBuffer is the number of access units queued between the input
	// and the packetizer.
	EncoderBuffer int
	Description   session.Description
}
