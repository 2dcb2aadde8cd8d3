// Package session keeps the published resources and the client sessions
// that stream them.
package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/bilbercode/live-stream/internal/ntp"
)

// Config is everything needed to build a Session.
type Config struct {
	Resource *Resource
	// Path defaults to the resource path.
	Path string
	// TimeNow defaults to time.Now.
	TimeNow func() time.Time
}

// Session is the server side state of one client presentation.
type Session struct {
	sync.Mutex

	id       string
	path     string
	created  time.Time
	resource *Resource
	tracks   []Binding
}

// Build creates a Session. Its id is the NTP timestamp of its creation.
func Build(conf Config) *Session {
	now := time.Now
	if conf.TimeNow != nil {
		now = conf.TimeNow
	}
	created := now()

	p := conf.Path
	if p == "" && conf.Resource != nil {
		p = conf.Resource.Path()
	}
	if p != "" {
		p = NormalizePath(p)
	}

	return &Session{
		id:       strconv.FormatUint(ntp.Encode(created), 10),
		path:     p,
		created:  created,
		resource: conf.Resource,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Path returns the path the session is bound to.
func (s *Session) Path() string {
	return s.path
}

// Created returns the creation time.
func (s *Session) Created() time.Time {
	return s.created
}

// Resource returns the resource the session streams.
func (s *Session) Resource() *Resource {
	return s.resource
}

// AddTrack marks a track as set up in this session.
func (s *Session) AddTrack(b Binding) {
	s.Lock()
	defer s.Unlock()
	for _, t := range s.tracks {
		if t.Control == b.Control {
			return
		}
	}
	s.tracks = append(s.tracks, b)
}

// Track returns the set up track bound to control.
func (s *Session) Track(control string) (Binding, bool) {
	s.Lock()
	defer s.Unlock()
	for _, t := range s.tracks {
		if t.Control == control {
			return t, true
		}
	}
	return Binding{}, false
}

// Tracks returns the set up tracks in SETUP order.
func (s *Session) Tracks() []Binding {
	s.Lock()
	defer s.Unlock()
	return append([]Binding(nil), s.tracks...)
}

// ReleaseTracks forgets every set up track and returns them.
func (s *Session) ReleaseTracks() []Binding {
	s.Lock()
	defer s.Unlock()
	tracks := s.tracks
	s.tracks = nil
	return tracks
}

// IsStreaming reports whether any set up track streams.
func (s *Session) IsStreaming() bool {
	for _, t := range s.Tracks() {
		if t.Track.IsStreaming() {
			return true
		}
	}
	return false
}
