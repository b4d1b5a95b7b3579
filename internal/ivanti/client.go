// Package ivanti is a session-based client for the Ivanti Neurons for ITSM
// REST and OData APIs.
//
// A Client holds a single credential slot. Login fills it, the fetchers read
// it, and every caller of the same Client shares that one session.
package ivanti

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/THM-MA/itsm-mcp/internal/config"
	"github.com/THM-MA/itsm-mcp/internal/httpkit"
)

const (
	loginPath     = "/api/rest/authentication/login"
	incidentsPath = "/api/odata/businessobject/incidents"
	employeesPath = "/api/odata/businessobject/employees"

	defaultTimeout = 30 * time.Second
)

// Client talks to one Ivanti tenant at a time.
type Client struct {
	http   *http.Client
	logger *slog.Logger
	policy string

	mu   sync.RWMutex
	cred *Credential
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default 30-second client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithReloginPolicy sets what Login does while a session is held:
// config.ReloginOverwrite (default) or config.ReloginReject.
func WithReloginPolicy(p string) Option {
	return func(c *Client) { c.policy = p }
}

// New creates a client with no session.
func New(opts ...Option) *Client {
	c := &Client{policy: config.ReloginOverwrite}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = httpkit.NewClient(httpkit.WithTimeout(defaultTimeout))
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Credential returns the cached session, if any.
func (c *Client) Credential() (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cred == nil {
		return Credential{}, false
	}
	return *c.cred, true
}

// Logout clears the cached session. It reports whether one was held.
func (c *Client) Logout() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	had := c.cred != nil
	c.cred = nil
	return had
}

type loginRequest struct {
	Tenant   string `json:"tenant"`
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Login authenticates against the tenant and caches the normalized session.
// Nothing is cached on failure.
func (c *Client) Login(ctx context.Context, tenant, username, password, role string) (Credential, error) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return Credential{}, ErrTenantRequired
	}
	if c.policy == config.ReloginReject {
		if _, ok := c.Credential(); ok {
			return Credential{}, ErrSessionActive
		}
	}

	payload, err := json.Marshal(loginRequest{
		Tenant:   tenant,
		Username: username,
		Password: password,
		Role:     role,
	})
	if err != nil {
		return Credential{}, fmt.Errorf("marshal login request: %w", err)
	}

	u := endpoint(tenant, loginPath, nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return Credential{}, &TransportError{Op: "POST " + loginPath, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	body, err := classify("POST "+loginPath, resp, err)
	if err != nil {
		c.logger.Warn("ivanti login failed", "tenant", tenant, "user", username, "error", err)
		return Credential{}, err
	}

	parsed := parseLoginResponse(body)
	value, err := parsed.sessionValue()
	if err != nil {
		c.logger.Warn("ivanti login returned no session",
			"tenant", tenant, "shape", parsed.shape.String(), "error", err)
		return Credential{}, err
	}

	cred := Credential{Tenant: tenant, Token: NormalizeToken(tenant, value)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.policy == config.ReloginReject && c.cred != nil {
		return Credential{}, ErrSessionActive
	}
	replaced := c.cred != nil
	c.cred = &cred

	c.logger.Info("ivanti login succeeded",
		"tenant", tenant,
		"user", username,
		"shape", parsed.shape.String(),
		"replaced", replaced)
	return cred, nil
}

// TicketDetail looks up an incident by its number.
func (c *Client) TicketDetail(ctx context.Context, ticketNumber int64) (json.RawMessage, error) {
	return c.businessObject(ctx, incidentsPath, fmt.Sprintf("incidentnumber eq %d", ticketNumber))
}

// UserDetail looks up an employee by login ID.
func (c *Client) UserDetail(ctx context.Context, loginID string) (json.RawMessage, error) {
	return c.businessObject(ctx, employeesPath, fmt.Sprintf("LoginID eq '%s'", odataString(loginID)))
}

func (c *Client) businessObject(ctx context.Context, path, filter string) (json.RawMessage, error) {
	cred, ok := c.Credential()
	if !ok {
		return nil, ErrNotLoggedIn
	}

	op := "GET " + path
	u := endpoint(cred.Tenant, path, url.Values{"$filter": {filter}})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", cred.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	body, err := classify(op, resp, err)
	if err != nil {
		c.logger.Warn("ivanti request failed", "path", path, "filter", filter, "error", err)
		var he *HTTPError
		if errors.As(err, &he) && he.StatusCode == http.StatusUnauthorized {
			c.logger.Info("ivanti session rejected; call login_ivanti again", "tenant", cred.Tenant)
		}
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &TransportError{Op: op, Err: errors.New("response is not valid JSON")}
	}
	c.logger.Debug("ivanti request succeeded", "path", path, "bytes", len(body))
	return json.RawMessage(body), nil
}

// endpoint builds https://{tenant}{path}?{query}.
func endpoint(tenant, path string, query url.Values) string {
	u := url.URL{Scheme: "https", Host: tenant, Path: path}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// odataString escapes a value for an OData single-quoted string literal.
func odataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
