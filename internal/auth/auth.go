// Package auth checks HTTP Basic credentials for the RTSP server and the
// status API.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// DefaultRealm is announced in challenges when none is configured.
const DefaultRealm = "servername"

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Manager validates Authorization header values against one configured
// user.
type Manager struct {
	user     string
	password string
	realm    string
}

// NewManager returns a Manager. With an empty user or password every
// request is authorized.
func NewManager(user, password, realm string) *Manager {
	if realm == "" {
		realm = DefaultRealm
	}
	return &Manager{
		user:     user,
		password: password,
		realm:    realm,
	}
}

// Enabled reports whether credentials are required.
func (m *Manager) Enabled() bool {
	return m != nil && m.user != "" && m.password != ""
}

// Challenge returns the WWW-Authenticate value sent with a 401.
func (m *Manager) Challenge() string {
	return fmt.Sprintf("Basic realm=%q", m.realm)
}

// Check validates the value of an Authorization header.
func (m *Manager) Check(authorization string) error {
	if !m.Enabled() {
		return nil
	}
	if authorization == "" {
		return ErrMissingCredentials
	}

	scheme, encoded, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return fmt.Errorf("%w: unsupported scheme", ErrUnauthorized)
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return fmt.Errorf("%w: failed to decode credentials", ErrUnauthorized)
	}

	user, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return fmt.Errorf("%w: malformed credentials", ErrUnauthorized)
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(m.user)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(m.password)) == 1
	if !userOK || !passOK {
		return ErrUnauthorized
	}
	return nil
}

// Middleware guards an HTTP handler with the same credentials.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		err := m.Check(request.Header.Get("Authorization"))
		if err != nil {
			log.WithError(err).WithField("remote", request.RemoteAddr).Debug("rejected HTTP request")
			writer.Header().Set("WWW-Authenticate", m.Challenge())
			http.Error(writer, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(writer, request)
	})
}

// Credentials encodes user and password as an Authorization header value.
func Credentials(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}
