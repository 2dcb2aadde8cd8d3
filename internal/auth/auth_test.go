package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	m := NewManager("user", "pass", "")
	require.True(t, m.Enabled())
	require.Equal(t, `Basic realm="servername"`, m.Challenge())

	require.NoError(t, m.Check(Credentials("user", "pass")))
	require.NoError(t, m.Check("basic dXNlcjpwYXNz"))

	require.ErrorIs(t, m.Check(""), ErrMissingCredentials)
	for _, v := range []string{
		Credentials("user", "wrong"),
		Credentials("other", "pass"),
		"Basic !!!",
		"Basic " + "dXNlcg==",
		`Digest username="user"`,
		"Basic",
	} {
		require.ErrorIs(t, m.Check(v), ErrUnauthorized, v)
	}
}

func TestDisabled(t *testing.T) {
	for _, m := range []*Manager{
		NewManager("", "", "realm"),
		NewManager("user", "", "realm"),
		nil,
	} {
		require.False(t, m.Enabled())
		require.NoError(t, m.Check(""))
	}
}

func TestMiddleware(t *testing.T) {
	m := NewManager("user", "pass", "live")
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, `Basic realm="live"`, rec.Header().Get("WWW-Authenticate"))

	req.Header.Set("Authorization", Credentials("user", "pass"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}
