package session

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Registry maps paths to published resources and paths or ids to sessions.
// Every operation holds a single lock.
type Registry struct {
	sync.Mutex

	resources      map[string]*Resource
	sessionsByPath map[string]*Session
	sessionsByID   map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		resources:      make(map[string]*Resource),
		sessionsByPath: make(map[string]*Session),
		sessionsByID:   make(map[string]*Session),
	}
}

// Publish indexes r under its base path and under every control path.
func (r *Registry) Publish(res *Resource) {
	r.Lock()
	defer r.Unlock()

	r.resources[res.Path()] = res
	log.WithField("path", res.Path()).Debug("resource published")
	for _, p := range res.ControlPaths() {
		r.resources[p] = res
		log.WithField("path", p).Debug("resource published")
	}
}

// Unpublish removes the resource at path and every path it was indexed
// under.
func (r *Registry) Unpublish(path string) bool {
	r.Lock()
	defer r.Unlock()

	res, ok := r.resources[NormalizePath(path)]
	if !ok {
		return false
	}
	for p, v := range r.resources {
		if v == res {
			delete(r.resources, p)
		}
	}
	return true
}

// FindResource returns the resource indexed under path.
func (r *Registry) FindResource(path string) *Resource {
	r.Lock()
	defer r.Unlock()
	return r.resources[NormalizePath(path)]
}

// Resources returns the published resources, each once.
func (r *Registry) Resources() []*Resource {
	r.Lock()
	defer r.Unlock()
	seen := make(map[*Resource]bool)
	var ret []*Resource
	for _, res := range r.resources {
		if !seen[res] {
			seen[res] = true
			ret = append(ret, res)
		}
	}
	return ret
}

// AddSession registers s by path and id. It fails when the session has no
// path.
func (r *Registry) AddSession(s *Session) bool {
	if s.Path() == "" {
		return false
	}
	r.Lock()
	defer r.Unlock()
	r.sessionsByPath[s.Path()] = s
	r.sessionsByID[s.ID()] = s
	return true
}

// FindSession returns the latest session registered for path.
func (r *Registry) FindSession(path string) *Session {
	r.Lock()
	defer r.Unlock()
	return r.sessionsByPath[NormalizePath(path)]
}

// FindSessionByID returns the session with the given id.
func (r *Registry) FindSessionByID(id string) *Session {
	r.Lock()
	defer r.Unlock()
	return r.sessionsByID[id]
}

// RemoveSession unregisters s. It fails when s is unknown or any of its
// tracks streams.
func (r *Registry) RemoveSession(s *Session) bool {
	r.Lock()
	defer r.Unlock()

	if r.sessionsByID[s.ID()] != s {
		return false
	}
	if s.IsStreaming() {
		return false
	}

	delete(r.sessionsByID, s.ID())
	if r.sessionsByPath[s.Path()] == s {
		delete(r.sessionsByPath, s.Path())
		// another session of the same path takes over the path entry
		for _, o := range r.sessionsByID {
			if o.Path() == s.Path() {
				r.sessionsByPath[s.Path()] = o
				break
			}
		}
	}
	return true
}

// Sessions returns every registered session.
func (r *Registry) Sessions() []*Session {
	r.Lock()
	defer r.Unlock()
	ret := make([]*Session, 0, len(r.sessionsByID))
	for _, s := range r.sessionsByID {
		ret = append(ret, s)
	}
	return ret
}

// IsStreaming reports whether any published track streams.
func (r *Registry) IsStreaming() bool {
	for _, res := range r.Resources() {
		if res.IsStreaming() {
			return true
		}
	}
	return false
}

// Bitrate returns the total bitrate of every published track.
func (r *Registry) Bitrate() int64 {
	var sum int64
	for _, res := range r.Resources() {
		sum += res.Bitrate()
	}
	return sum
}
