package api

import (
	"context"
	"net/http"
	"time"
)

type Server interface {
	// Start serves the API on the configured address until ctx is done.
	Start(ctx context.Context) error
	Handler() http.Handler
}

type Status struct {
	Streaming bool             `json:"streaming"`
	Bitrate   int64            `json:"bitrate"`
	Resources []ResourceStatus `json:"resources"`
	Sessions  []SessionStatus  `json:"sessions"`
}

type ResourceStatus struct {
	Path      string        `json:"path"`
	URI       string        `json:"uri"`
	Methods   []string      `json:"methods"`
	Streaming bool          `json:"streaming"`
	Bitrate   int64         `json:"bitrate"`
	Tracks    []TrackStatus `json:"tracks"`
}

type SessionStatus struct {
	ID        string        `json:"id"`
	Path      string        `json:"path"`
	Created   time.Time     `json:"created"`
	Streaming bool          `json:"streaming"`
	Tracks    []TrackStatus `json:"tracks"`
}

type TrackStatus struct {
	Control      string              `json:"control"`
	Name         string              `json:"name"`
	State        string              `json:"state"`
	SSRC         uint32              `json:"ssrc"`
	Sequence     uint16              `json:"sequence"`
	Bitrate      int64               `json:"bitrate"`
	Packets      uint32              `json:"packets"`
	Octets       uint32              `json:"octets"`
	Interleaved  bool                `json:"interleaved"`
	Destinations []DestinationStatus `json:"destinations"`
}

type DestinationStatus struct {
	Address  string `json:"address"`
	RTPPort  int    `json:"rtpPort"`
	RTCPPort int    `json:"rtcpPort"`
	Paused   bool   `json:"paused"`
}
