// Package rag is the retrieval-augmented query facade behind the
// build_rag_index, init_rag_index and run_rag_query tools.
//
// The Service only sequences calls; indexing and querying are done by the
// Indexer, Loader and QueryEngine it is given. VectorIndex is the built-in
// implementation of the first two.
package rag

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrNotInitialized is returned by Query before a successful InitIndex.
var ErrNotInitialized = errors.New("RAG query engine is not initialized: call init_rag_index first")

// BuildStats summarizes an index build.
type BuildStats struct {
	Documents   int    `json:"documents"`
	Chunks      int    `json:"chunks"`
	PersistPath string `json:"persist_path"`
}

// Indexer builds a persisted index from documents.
type Indexer interface {
	Build(ctx context.Context, documentPath, persistPath string) (BuildStats, error)
}

// Loader opens a persisted index and returns an engine over it.
type Loader interface {
	Load(ctx context.Context, persistPath string) (QueryEngine, error)
}

// QueryEngine answers natural-language queries.
type QueryEngine interface {
	Query(ctx context.Context, query string) (string, error)
}

// Service holds the current query engine.
type Service struct {
	indexer Indexer
	loader  Loader
	logger  *slog.Logger

	mu     sync.RWMutex
	engine QueryEngine
	path   string
}

// NewService creates a service with no engine loaded.
func NewService(indexer Indexer, loader Loader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{indexer: indexer, loader: loader, logger: logger}
}

// BuildIndex indexes documentPath into persistPath. It does not load the
// result; call InitIndex for that.
func (s *Service) BuildIndex(ctx context.Context, documentPath, persistPath string) (BuildStats, error) {
	if documentPath == "" || persistPath == "" {
		return BuildStats{}, errors.New("document_path and persist_path are required")
	}
	stats, err := s.indexer.Build(ctx, documentPath, persistPath)
	if err != nil {
		return BuildStats{}, err
	}
	s.logger.Info("rag index built",
		"documents", stats.Documents,
		"chunks", stats.Chunks,
		"persist_path", persistPath)
	return stats, nil
}

// InitIndex loads the index at persistPath and makes it the active engine.
// On failure the previous engine, if any, stays active.
func (s *Service) InitIndex(ctx context.Context, persistPath string) error {
	if persistPath == "" {
		return errors.New("persist_path is required")
	}
	engine, err := s.loader.Load(ctx, persistPath)
	if err != nil {
		return err
	}

	previous, replaced := s.Active()
	s.mu.Lock()
	s.engine = engine
	s.path = persistPath
	s.mu.Unlock()

	if replaced {
		s.logger.Info("rag index loaded", "persist_path", persistPath, "replaced", previous)
	} else {
		s.logger.Info("rag index loaded", "persist_path", persistPath)
	}
	return nil
}

// Query runs q against the active engine.
func (s *Service) Query(ctx context.Context, q string) (string, error) {
	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()
	if engine == nil {
		return "", ErrNotInitialized
	}
	return engine.Query(ctx, q)
}

// Active returns the persist path of the loaded index.
func (s *Service) Active() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path, s.engine != nil
}
