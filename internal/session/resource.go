package session

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/bilbercode/live-stream/internal/media"
	"github.com/bilbercode/live-stream/internal/ntp"
)

// Binding ties a track to the control URI it is addressed by.
type Binding struct {
	Control string
	Path    string
	Track   *media.Track
}

// Description holds the session level SDP fields of a resource.
type Description struct {
	UserName       string
	SessionID      uint64
	SessionVersion uint64
	Name           string
	Information    string
	URI            *url.URL
	Email          string
	Phone          string
	Start          time.Time
	Stop           time.Time
}

// Resource is published content: a base URI and the tracks below it.
type Resource struct {
	sync.Mutex

	base        *url.URL
	path        string
	bindings    []Binding
	methods     []string
	description Description
}

// NewResource returns an empty resource rooted at base, which may be an
// absolute rtsp URL or a bare path.
func NewResource(base string) (*Resource, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("failed to parse resource URI %s: %w", base, err)
	}
	p := NormalizePath(u.Path)
	if p == "/" {
		return nil, fmt.Errorf("resource URI %s has no path", base)
	}

	id := ntp.Encode(time.Now())
	return &Resource{
		base: u,
		path: p,
		description: Description{
			UserName:       "-",
			SessionID:      id,
			SessionVersion: id,
			Name:           "Unnamed",
			Information:    "N/A",
		},
	}, nil
}

// NormalizePath cleans p into the form used as a registry key.
func NormalizePath(p string) string {
	return path.Clean("/" + p)
}

// Path returns the normalized base path.
func (r *Resource) Path() string {
	return r.path
}

// BaseURI returns the base URI the resource was created with.
func (r *Resource) BaseURI() string {
	return r.base.String()
}

// SetDescription replaces the session level SDP fields.
func (r *Resource) SetDescription(d Description) {
	r.Lock()
	defer r.Unlock()
	r.description = d
}

// AddMedia binds track to control. Controls are resolved below the base
// path unless they are absolute.
func (r *Resource) AddMedia(control string, track *media.Track) {
	r.Lock()
	defer r.Unlock()

	p := r.resolve(control)
	for i, b := range r.bindings {
		if b.Control == control {
			r.bindings[i] = Binding{Control: control, Path: p, Track: track}
			return
		}
	}
	r.bindings = append(r.bindings, Binding{Control: control, Path: p, Track: track})
}

// RemoveMedia unbinds control.
func (r *Resource) RemoveMedia(control string) {
	r.Lock()
	defer r.Unlock()
	for i, b := range r.bindings {
		if b.Control == control {
			r.bindings = append(r.bindings[:i], r.bindings[i+1:]...)
			return
		}
	}
}

func (r *Resource) resolve(control string) string {
	u, err := url.Parse(control)
	if err == nil && u.IsAbs() {
		return NormalizePath(u.Path)
	}
	if strings.HasPrefix(control, "/") {
		return NormalizePath(control)
	}
	return NormalizePath(r.path + "/" + control)
}

// Bindings returns the tracks in the order they were added.
func (r *Resource) Bindings() []Binding {
	r.Lock()
	defer r.Unlock()
	return append([]Binding(nil), r.bindings...)
}

// ControlPaths returns the resolved paths of every control URI.
func (r *Resource) ControlPaths() []string {
	r.Lock()
	defer r.Unlock()
	ret := make([]string, len(r.bindings))
	for i, b := range r.bindings {
		ret[i] = b.Path
	}
	return ret
}

// Lookup returns the binding addressed by p, if any.
func (r *Resource) Lookup(p string) (Binding, bool) {
	p = NormalizePath(p)
	r.Lock()
	defer r.Unlock()
	for _, b := range r.bindings {
		if b.Path == p {
			return b, true
		}
	}
	return Binding{}, false
}

// AddSupportedMethod appends a method to the Public list.
func (r *Resource) AddSupportedMethod(method string) {
	r.Lock()
	defer r.Unlock()
	r.methods = append(r.methods, method)
}

// SupportedMethods returns the methods in registration order.
func (r *Resource) SupportedMethods() []string {
	r.Lock()
	defer r.Unlock()
	return append([]string(nil), r.methods...)
}

// IsStreaming reports whether any track streams.
func (r *Resource) IsStreaming() bool {
	for _, b := range r.Bindings() {
		if b.Track.IsStreaming() {
			return true
		}
	}
	return false
}

// Bitrate returns the sum of the track bitrates in bits per second.
func (r *Resource) Bitrate() int64 {
	var sum int64
	for _, b := range r.Bindings() {
		sum += b.Track.Socket().Bitrate()
	}
	return sum
}

// SessionDescription renders the SDP of the resource. originator is the
// local address of the connection, destination the client address.
func (r *Resource) SessionDescription(originator, destination net.IP) ([]byte, error) {
	r.Lock()
	d := r.description
	bindings := append([]Binding(nil), r.bindings...)
	r.Unlock()

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       d.UserName,
			SessionID:      d.SessionID,
			SessionVersion: d.SessionVersion,
			NetworkType:    "IN",
			AddressType:    addressType(originator),
			UnicastAddress: addressString(originator),
		},
		SessionName: sdp.SessionName(d.Name),
		URI:         d.URI,
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType(destination),
			Address: &sdp.Address{
				Address: addressString(destination),
			},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{
					StartTime: ntpSeconds(d.Start),
					StopTime:  ntpSeconds(d.Stop),
				},
			},
		},
		Attributes: []sdp.Attribute{
			sdp.NewPropertyAttribute("recvonly"),
		},
	}

	info := sdp.Information(d.Information)
	sd.SessionInformation = &info
	if d.Email != "" {
		email := sdp.EmailAddress(d.Email)
		sd.EmailAddress = &email
	}
	if d.Phone != "" {
		phone := sdp.PhoneNumber(d.Phone)
		sd.PhoneNumber = &phone
	}

	for _, b := range bindings {
		md := b.Track.MediaDescription()
		md.WithValueAttribute("control", b.Control)
		sd.WithMedia(md)
	}

	return sd.Marshal()
}

func ntpSeconds(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return ntp.Seconds(t)
}

func addressType(ip net.IP) string {
	if ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}

func addressString(ip net.IP) string {
	if ip == nil {
		return "0.0.0.0"
	}
	return ip.String()
}
