package ivanti

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/THM-MA/itsm-mcp/internal/config"
)

// fakeTenant is an httptest TLS server standing in for an Ivanti tenant.
type fakeTenant struct {
	srv      *httptest.Server
	requests atomic.Int32

	mu          sync.Mutex
	loginStatus int
	loginBody   string

	lastAuth   atomic.Value
	lastFilter atomic.Value
	lastLogin  atomic.Value
}

func newFakeTenant(t *testing.T) *fakeTenant {
	t.Helper()
	f := &fakeTenant{loginStatus: http.StatusOK, loginBody: `{"sessionId":"abc123"}`}
	f.srv = httptest.NewTLSServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTenant) serve(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	switch r.URL.Path {
	case loginPath:
		body, _ := io.ReadAll(r.Body)
		f.lastLogin.Store(string(body))
		f.mu.Lock()
		status, resp := f.loginStatus, f.loginBody
		f.mu.Unlock()
		w.WriteHeader(status)
		io.WriteString(w, resp)
	case incidentsPath, employeesPath:
		f.lastAuth.Store(r.Header.Get("Authorization"))
		f.lastFilter.Store(r.URL.Query().Get("$filter"))
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"message":"missing session"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"@odata.context":"x","value":[{"RecId":"1"}]}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeTenant) setLogin(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginStatus, f.loginBody = status, body
}

// tenant is host:port, which is what the client puts after https://.
func (f *fakeTenant) tenant() string {
	return strings.TrimPrefix(f.srv.URL, "https://")
}

func (f *fakeTenant) client(opts ...Option) *Client {
	return New(append([]Option{WithHTTPClient(f.srv.Client())}, opts...)...)
}

func TestLogin_CachesNormalizedToken(t *testing.T) {
	f := newFakeTenant(t)
	c := f.client()

	cred, err := c.Login(context.Background(), f.tenant(), "jdoe", "pw", "SelfService")
	require.NoError(t, err)
	assert.Equal(t, f.tenant()+"#abc123#2", cred.Token)

	got, ok := c.Credential()
	require.True(t, ok)
	assert.Equal(t, cred, got)

	var sent loginRequest
	require.NoError(t, json.Unmarshal([]byte(f.lastLogin.Load().(string)), &sent))
	assert.Equal(t, loginRequest{Tenant: f.tenant(), Username: "jdoe", Password: "pw", Role: "SelfService"}, sent)
}

func TestLogin_TenantQualifiedTokenKeptVerbatim(t *testing.T) {
	f := newFakeTenant(t)
	f.setLogin(http.StatusOK, `"`+f.tenant()+`#XYZ#2"`)
	c := f.client()

	cred, err := c.Login(context.Background(), f.tenant(), "u", "p", "r")
	require.NoError(t, err)
	assert.Equal(t, f.tenant()+"#XYZ#2", cred.Token)
}

func TestLogin_RawTextFallback(t *testing.T) {
	f := newFakeTenant(t)
	f.setLogin(http.StatusOK, "plain-session\n")
	c := f.client()

	cred, err := c.Login(context.Background(), f.tenant(), "u", "p", "r")
	require.NoError(t, err)
	assert.Equal(t, f.tenant()+"#plain-session#2", cred.Token)
}

func TestLogin_HTTPErrorCachesNothing(t *testing.T) {
	f := newFakeTenant(t)
	f.setLogin(http.StatusUnauthorized, `{"error": "bad credentials"}`)
	c := f.client()

	_, err := c.Login(context.Background(), f.tenant(), "u", "wrong", "r")
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 401, he.StatusCode)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "bad credentials")

	_, ok := c.Credential()
	assert.False(t, ok)
}

func TestLogin_SoftFailureCachesNothing(t *testing.T) {
	f := newFakeTenant(t)
	f.setLogin(http.StatusOK, `{"status":"ok"}`)
	c := f.client()

	_, err := c.Login(context.Background(), f.tenant(), "u", "p", "r")
	assert.ErrorIs(t, err, ErrSessionKeyMissing)
	_, ok := c.Credential()
	assert.False(t, ok)
}

func TestLogin_FailureKeepsPreviousSession(t *testing.T) {
	f := newFakeTenant(t)
	c := f.client()
	first, err := c.Login(context.Background(), f.tenant(), "u", "p", "r")
	require.NoError(t, err)

	f.setLogin(http.StatusInternalServerError, `{"message":"boom"}`)
	_, err = c.Login(context.Background(), f.tenant(), "u", "p", "r")
	require.Error(t, err)

	got, ok := c.Credential()
	require.True(t, ok)
	assert.Equal(t, first, got)
}

func TestLogin_TransportError(t *testing.T) {
	f := newFakeTenant(t)
	c := New() // default client does not trust the test certificate

	_, err := c.Login(context.Background(), f.tenant(), "u", "p", "r")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "request failed")
}

func TestLogin_Timeout(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(200 * time.Millisecond):
		}
	}))
	defer srv.Close()

	hc := srv.Client()
	hc.Timeout = 50 * time.Millisecond
	c := New(WithHTTPClient(hc))

	_, err := c.Login(context.Background(), strings.TrimPrefix(srv.URL, "https://"), "u", "p", "r")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Timeout())
}

func TestLogin_EmptyTenant(t *testing.T) {
	_, err := New().Login(context.Background(), "  ", "u", "p", "r")
	assert.ErrorIs(t, err, ErrTenantRequired)
}

func TestLogin_ReloginPolicies(t *testing.T) {
	f := newFakeTenant(t)

	over := f.client()
	_, err := over.Login(context.Background(), f.tenant(), "a", "p", "r")
	require.NoError(t, err)
	f.setLogin(http.StatusOK, `{"sessionId":"second"}`)
	cred, err := over.Login(context.Background(), f.tenant(), "b", "p", "r")
	require.NoError(t, err)
	assert.Equal(t, f.tenant()+"#second#2", cred.Token)

	f.setLogin(http.StatusOK, `{"sessionId":"first"}`)
	reject := f.client(WithReloginPolicy(config.ReloginReject))
	_, err = reject.Login(context.Background(), f.tenant(), "a", "p", "r")
	require.NoError(t, err)
	before := f.requests.Load()
	_, err = reject.Login(context.Background(), f.tenant(), "b", "p", "r")
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.Equal(t, before, f.requests.Load(), "rejected re-login makes no request")

	assert.True(t, reject.Logout())
	assert.False(t, reject.Logout())
	_, err = reject.Login(context.Background(), f.tenant(), "b", "p", "r")
	assert.NoError(t, err)
}

func TestFetchers_RequireLogin(t *testing.T) {
	f := newFakeTenant(t)
	c := f.client()

	_, err := c.TicketDetail(context.Background(), 10042)
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	_, err = c.UserDetail(context.Background(), "jdoe")
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	assert.Zero(t, f.requests.Load())
}

func TestTicketDetail(t *testing.T) {
	f := newFakeTenant(t)
	c := f.client()
	cred, err := c.Login(context.Background(), f.tenant(), "u", "p", "r")
	require.NoError(t, err)

	raw, err := c.TicketDetail(context.Background(), 10042)
	require.NoError(t, err)
	assert.JSONEq(t, `{"@odata.context":"x","value":[{"RecId":"1"}]}`, string(raw))
	assert.Equal(t, cred.Token, f.lastAuth.Load())
	assert.Equal(t, "incidentnumber eq 10042", f.lastFilter.Load())
}

func TestUserDetail_EscapesQuotes(t *testing.T) {
	f := newFakeTenant(t)
	c := f.client()
	_, err := c.Login(context.Background(), f.tenant(), "u", "p", "r")
	require.NoError(t, err)

	_, err = c.UserDetail(context.Background(), "o'brien")
	require.NoError(t, err)
	assert.Equal(t, "LoginID eq 'o''brien'", f.lastFilter.Load())
}

func TestFetcher_HTTPErrorAndInvalidJSON(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusForbidden)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == loginPath {
			io.WriteString(w, `{"sessionId":"s"}`)
			return
		}
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			io.WriteString(w, `{"message":"no access to employees"}`)
			return
		}
		io.WriteString(w, "<html>not json</html>")
	}))
	defer srv.Close()

	c := New(WithHTTPClient(srv.Client()))
	_, err := c.Login(context.Background(), strings.TrimPrefix(srv.URL, "https://"), "u", "p", "r")
	require.NoError(t, err)

	_, err = c.UserDetail(context.Background(), "x")
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "HTTP 403 - no access to employees", err.Error())

	status.Store(http.StatusOK)
	_, err = c.UserDetail(context.Background(), "x")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.False(t, errors.As(err, &he))
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "https://corp.example.com/api/rest/authentication/login",
		endpoint("corp.example.com", loginPath, nil))
	u := endpoint("corp.example.com", incidentsPath, map[string][]string{"$filter": {"incidentnumber eq 5"}})
	assert.Equal(t, "https://corp.example.com/api/odata/businessobject/incidents?%24filter=incidentnumber+eq+5", u)
}
