package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// ragStatus is the {status, message} object the index tools and every
// failure answer with.
type ragStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ragAnswer is a successful query. Response is kept even when empty.
type ragAnswer struct {
	Status   string `json:"status"`
	Response string `json:"response"`
}

// ragFailure reports err as a status object and still marks the call failed.
func ragFailure(err error) (*mcp.CallToolResult, error) {
	res := jsonResult(ragStatus{Status: statusError, Message: err.Error()})
	res.IsError = true
	return res, err
}

func (s *Server) registerRAGTools() {
	// ── build_rag_index ──────────────────────────────────────────────────────
	s.add(&mcp.Tool{
		Name:        "build_rag_index",
		Description: "Index the documents at document_path (a file or directory) and persist the index to persist_path.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"document_path":{"type":"string","description":"File or directory of documents"},"persist_path":{"type":"string","description":"Directory the index is written to"}},"required":["document_path","persist_path"]}`),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var args struct {
			DocumentPath string `json:"document_path"`
			PersistPath  string `json:"persist_path"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return ragFailure(err)
		}
		stats, err := s.rag.BuildIndex(ctx, args.DocumentPath, args.PersistPath)
		if err != nil {
			return ragFailure(err)
		}
		return jsonResult(ragStatus{
			Status: statusSuccess,
			Message: fmt.Sprintf("Index built from %d documents (%d chunks) and persisted to %s",
				stats.Documents, stats.Chunks, stats.PersistPath),
		}), nil
	})

	// ── init_rag_index ───────────────────────────────────────────────────────
	s.add(&mcp.Tool{
		Name:        "init_rag_index",
		Description: "Load a persisted index from persist_path and make it the active query engine.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"persist_path":{"type":"string","description":"Directory a previous build_rag_index wrote to"}},"required":["persist_path"]}`),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var args struct {
			PersistPath string `json:"persist_path"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return ragFailure(err)
		}
		if err := s.rag.InitIndex(ctx, args.PersistPath); err != nil {
			return ragFailure(err)
		}
		return jsonResult(ragStatus{
			Status:  statusSuccess,
			Message: "Index loaded from " + args.PersistPath,
		}), nil
	})

	// ── run_rag_query ────────────────────────────────────────────────────────
	s.add(&mcp.Tool{
		Name:        "run_rag_query",
		Description: "Answer a natural-language question from the active index. Call init_rag_index first.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query_str":{"type":"string","description":"The question"}},"required":["query_str"]}`),
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var args struct {
			QueryStr string `json:"query_str"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return ragFailure(err)
		}
		if args.QueryStr == "" {
			return ragFailure(errors.New("query_str is required"))
		}
		answer, err := s.rag.Query(ctx, args.QueryStr)
		if err != nil {
			return ragFailure(err)
		}
		return jsonResult(ragAnswer{Status: statusSuccess, Response: answer}), nil
	})
}
