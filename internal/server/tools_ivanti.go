package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/THM-MA/itsm-mcp/internal/ivanti"
)

func (s *Server) registerIvantiTools() {
	// ── login_ivanti ─────────────────────────────────────────────────────────
	s.add(&mcp.Tool{
		Name:        "login_ivanti",
		Description: "Log in to Ivanti and cache the session key for the other Ivanti tools. Requires tenant, username, password and role.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"tenant":{"type":"string","description":"Tenant host, e.g. corp.ivanticloud.com"},"username":{"type":"string"},"password":{"type":"string"},"role":{"type":"string","description":"Role to log in as, e.g. Admin"}},"required":["tenant","username","password","role"]}`),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var args struct {
			Tenant   string `json:"tenant"`
			Username string `json:"username"`
			Password string `json:"password"`
			Role     string `json:"role"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		var missing []string
		for _, f := range []struct{ name, value string }{
			{"tenant", args.Tenant},
			{"username", args.Username},
			{"password", args.Password},
			{"role", args.Role},
		} {
			if f.value == "" {
				missing = append(missing, f.name)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("missing required arguments: %s", strings.Join(missing, ", "))
		}

		cred, err := s.itsm.Login(ctx, args.Tenant, args.Username, args.Password, args.Role)
		if err != nil {
			return nil, loginError(err)
		}
		return textResult(fmt.Sprintf("Login succeeded, session key cached for tenant %s.", cred.Tenant)), nil
	})

	// ── logout_ivanti ────────────────────────────────────────────────────────
	s.add(&mcp.Tool{
		Name:        "logout_ivanti",
		Description: "Forget the cached Ivanti session key.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	}, func(ctx context.Context, _ json.RawMessage) (*mcp.CallToolResult, error) {
		if s.itsm.Logout() {
			return textResult("Logged out, session key cleared."), nil
		}
		return textResult("No Ivanti session was active."), nil
	})

	// ── get_ticket_detail ────────────────────────────────────────────────────
	s.add(&mcp.Tool{
		Name:        "get_ticket_detail",
		Description: "Fetch an Ivanti incident by its ticket number. Log in with login_ivanti first. The argument is named 'ticket_number'.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"ticket_number":{"type":"integer","description":"Incident number"}},"required":["ticket_number"]}`),
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var args struct {
			TicketNumber *int64 `json:"ticket_number"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return fetchFailure(err)
		}
		if args.TicketNumber == nil {
			return fetchFailure(errors.New("ticket_number is required"))
		}
		body, err := s.itsm.TicketDetail(ctx, *args.TicketNumber)
		if err != nil {
			return fetchFailure(err)
		}
		return textResult(string(body)), nil
	})

	// ── get_user_detail ──────────────────────────────────────────────────────
	s.add(&mcp.Tool{
		Name:        "get_user_detail",
		Description: "Fetch an Ivanti employee record by login ID. Log in with login_ivanti first. The argument is named 'login_id'.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"login_id":{"type":"string","description":"Employee login ID"}},"required":["login_id"]}`),
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var args struct {
			LoginID string `json:"login_id"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return fetchFailure(err)
		}
		if args.LoginID == "" {
			return fetchFailure(errors.New("login_id is required"))
		}
		body, err := s.itsm.UserDetail(ctx, args.LoginID)
		if err != nil {
			return fetchFailure(err)
		}
		return textResult(string(body)), nil
	})
}

// fetchFailure reports err as an {"error": ...} object so the fetch tools
// always answer with JSON.
func fetchFailure(err error) (*mcp.CallToolResult, error) {
	res := jsonResult(map[string]string{"error": err.Error()})
	res.IsError = true
	return res, err
}

// loginError prefixes upstream failures so the caller can tell a rejected
// login from one that never reached the tenant.
func loginError(err error) error {
	var httpErr *ivanti.HTTPError
	var transportErr *ivanti.TransportError
	switch {
	case errors.As(err, &httpErr):
		return fmt.Errorf("login failed: %w", err)
	case errors.As(err, &transportErr):
		return fmt.Errorf("login request error: %w", err)
	}
	return err
}
