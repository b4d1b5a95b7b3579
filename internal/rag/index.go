package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Options tunes a VectorIndex.
type Options struct {
	ChunkSize int // runes per chunk, default 1000
	TopK      int // chunks retrieved per query, default 4
	// Generator, when set, writes the answer from the retrieved chunks.
	// Without it Query returns the chunks themselves.
	Generator Generator
	Logger    *slog.Logger
}

// VectorIndex builds and loads SQLite-backed embedding indexes. It
// implements Indexer and Loader.
type VectorIndex struct {
	embedder  Embedder
	generator Generator
	chunkSize int
	topK      int
	logger    *slog.Logger
}

// NewVectorIndex creates an index using embedder for documents and queries.
func NewVectorIndex(embedder Embedder, opts Options) *VectorIndex {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1000
	}
	if opts.TopK <= 0 {
		opts.TopK = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &VectorIndex{
		embedder:  embedder,
		generator: opts.Generator,
		chunkSize: opts.ChunkSize,
		topK:      opts.TopK,
		logger:    opts.Logger,
	}
}

// Build implements Indexer. An existing index at persistPath is replaced.
func (v *VectorIndex) Build(ctx context.Context, documentPath, persistPath string) (BuildStats, error) {
	docs, err := loadDocuments(documentPath)
	if err != nil {
		return BuildStats{}, err
	}

	var chunks []chunk
	seen := make(map[string]bool)
	for _, d := range docs {
		for i, body := range splitText(d.text, v.chunkSize) {
			id := chunkID(body)
			if seen[id] {
				continue
			}
			seen[id] = true
			chunks = append(chunks, chunk{id: id, source: d.source, ordinal: i, body: body})
		}
	}
	if len(chunks) == 0 {
		return BuildStats{}, fmt.Errorf("documents under %s produced no text", documentPath)
	}

	for i := range chunks {
		if err := ctx.Err(); err != nil {
			return BuildStats{}, err
		}
		emb, err := v.embedder.Embed(ctx, chunks[i].body)
		if err != nil {
			return BuildStats{}, fmt.Errorf("embed %s chunk %d: %w", chunks[i].source, chunks[i].ordinal, err)
		}
		chunks[i].embedding = emb
	}

	st, err := openStore(persistPath, true)
	if err != nil {
		return BuildStats{}, err
	}
	defer st.Close()

	stored, err := st.replace(ctx, chunks, map[string]string{
		"embed_model": v.embedder.Model(),
		"chunk_size":  strconv.Itoa(v.chunkSize),
		"built_at":    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return BuildStats{}, fmt.Errorf("persist index: %w", err)
	}

	v.logger.Debug("index persisted", "path", persistPath, "chunks", stored)
	return BuildStats{Documents: len(docs), Chunks: stored, PersistPath: persistPath}, nil
}

// Load implements Loader. The whole index is read into memory.
func (v *VectorIndex) Load(ctx context.Context, persistPath string) (QueryEngine, error) {
	st, err := openStore(persistPath, false)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	model, err := st.meta(ctx, "embed_model")
	if err != nil {
		return nil, fmt.Errorf("read index metadata: %w", err)
	}
	if model != "" && model != v.embedder.Model() {
		return nil, fmt.Errorf("index was built with embedding model %q, configured model is %q",
			model, v.embedder.Model())
	}

	chunks, err := st.chunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("index at %s is empty", persistPath)
	}
	return &vectorEngine{
		chunks:    chunks,
		embedder:  v.embedder,
		generator: v.generator,
		topK:      v.topK,
	}, nil
}

type vectorEngine struct {
	chunks    []chunk
	embedder  Embedder
	generator Generator
	topK      int
}

type hit struct {
	chunk *chunk
	score float32
}

func (e *vectorEngine) Query(ctx context.Context, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query_str is required")
	}
	qv, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}

	hits := e.retrieve(qv)
	if e.generator != nil {
		return e.generator.Generate(ctx, answerPrompt(query, hits))
	}

	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] %s", h.chunk.source, h.chunk.body)
	}
	return b.String(), nil
}

// retrieve returns the topK chunks by cosine similarity, best first.
func (e *vectorEngine) retrieve(qv []float32) []hit {
	hits := make([]hit, len(e.chunks))
	for i := range e.chunks {
		hits[i] = hit{chunk: &e.chunks[i], score: cosineSimilarity(qv, e.chunks[i].embedding)}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > e.topK {
		hits = hits[:e.topK]
	}
	return hits
}

func answerPrompt(query string, hits []hit) string {
	var b strings.Builder
	b.WriteString("Context information is below.\n---------------------\n")
	for _, h := range hits {
		b.WriteString(h.chunk.body)
		b.WriteString("\n\n")
	}
	b.WriteString("---------------------\n")
	b.WriteString("Given the context information and not prior knowledge, answer the query.\n")
	fmt.Fprintf(&b, "Query: %s\nAnswer: ", query)
	return b.String()
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(na))) * float32(math.Sqrt(float64(nb))))
}
