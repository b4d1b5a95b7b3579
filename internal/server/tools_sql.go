package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/THM-MA/itsm-mcp/internal/sqlgate"
)

func (s *Server) registerSQLTools() {
	readOnly := &mcp.ToolAnnotations{ReadOnlyHint: true}

	// ── list_tables ──────────────────────────────────────────────────────────
	s.add(&mcp.Tool{
		Name:        "list_tables",
		Description: "List every table in the database with its exact row count and approximate size in MB.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		Annotations: readOnly,
	}, func(ctx context.Context, _ json.RawMessage) (*mcp.CallToolResult, error) {
		tables, err := s.db.ListTables(ctx)
		if err != nil {
			return nil, err
		}
		if tables == nil {
			tables = []sqlgate.TableSummary{}
		}
		return jsonResult(tables), nil
	})

	// ── describe_table ───────────────────────────────────────────────────────
	s.add(&mcp.Tool{
		Name:        "describe_table",
		Description: "Describe the columns of a table (name, type, nullability, key). The argument is named 'table'.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"table":{"type":"string","description":"Table name"}},"required":["table"]}`),
		Annotations: readOnly,
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var args struct {
			Table string `json:"table"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.Table == "" {
			return nil, errors.New("table is required")
		}
		cols, err := s.db.DescribeTable(ctx, args.Table)
		if err != nil {
			return nil, err
		}
		if cols == nil {
			cols = []sqlgate.Column{}
		}
		return jsonResult(map[string]any{"columns": cols}), nil
	})

	// ── query_mysql ──────────────────────────────────────────────────────────
	s.add(&mcp.Tool{
		Name:        "query_mysql",
		Description: "Run a read-only SELECT ... FROM ... query and return its rows. The argument is named 'query'.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"A SELECT statement"}},"required":["query"]}`),
		Annotations: readOnly,
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var args struct {
			Query string `json:"query"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		rows, err := s.db.QuerySelect(ctx, args.Query)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []sqlgate.Record{}
		}
		return jsonResult(map[string]any{
			"payload": map[string]any{
				"query": args.Query,
				"rows":  rows,
			},
		}), nil
	})
}
