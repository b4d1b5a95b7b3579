package rag

import (
	"context"
	"errors"
	"hash/fnv"
	"path/filepath"
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashEmbedder is a bag-of-words embedder: each word bumps one of 256
// buckets, so texts sharing words score high on cosine similarity.
type hashEmbedder struct {
	model string
	calls int
	err   error
}

func (h *hashEmbedder) Model() string { return h.model }

func (h *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	v := make([]float32, 256)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		f := fnv.New32a()
		f.Write([]byte(w))
		v[f.Sum32()%256]++
	}
	return v, nil
}

type recordingGenerator struct {
	prompt string
}

func (g *recordingGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompt = prompt
	return "use the portal", nil
}

func writeCorpus(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), "# Password reset\n\nTo reset a password open the self service portal.\n")
	writeFile(t, filepath.Join(dir, "b.txt"), "Printer jams are fixed by opening tray two.")
	writeFile(t, filepath.Join(dir, "c.txt"), "Printer jams are fixed by opening tray two.")
	return dir
}

func TestVectorIndex_BuildLoadQuery(t *testing.T) {
	ctx := context.Background()
	docs := writeCorpus(t)
	persist := filepath.Join(t.TempDir(), "idx")
	emb := &hashEmbedder{model: "hash"}
	vi := NewVectorIndex(emb, Options{TopK: 1})

	stats, err := vi.Build(ctx, docs, persist)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Documents)
	assert.Equal(t, 2, stats.Chunks, "identical documents share one chunk")
	assert.Equal(t, persist, stats.PersistPath)
	assert.FileExists(t, filepath.Join(persist, indexFile))

	engine, err := vi.Load(ctx, persist)
	require.NoError(t, err)

	got, err := engine.Query(ctx, "how do I reset my password")
	require.NoError(t, err)
	assert.Contains(t, got, "a.md]")
	assert.Contains(t, got, "self service portal")
	assert.NotContains(t, got, "Printer")

	_, err = engine.Query(ctx, "  ")
	require.Error(t, err)
}

func TestVectorIndex_Generator(t *testing.T) {
	ctx := context.Background()
	persist := filepath.Join(t.TempDir(), "idx")
	gen := &recordingGenerator{}
	vi := NewVectorIndex(&hashEmbedder{model: "hash"}, Options{TopK: 1, Generator: gen})

	_, err := vi.Build(ctx, writeCorpus(t), persist)
	require.NoError(t, err)
	engine, err := vi.Load(ctx, persist)
	require.NoError(t, err)

	got, err := engine.Query(ctx, "printer jams")
	require.NoError(t, err)
	assert.Equal(t, "use the portal", got)
	assert.Contains(t, gen.prompt, "Printer jams are fixed")
	assert.Contains(t, gen.prompt, "Query: printer jams")
}

func TestVectorIndex_LoadRejectsOtherModel(t *testing.T) {
	ctx := context.Background()
	persist := filepath.Join(t.TempDir(), "idx")

	_, err := NewVectorIndex(&hashEmbedder{model: "hash"}, Options{}).Build(ctx, writeCorpus(t), persist)
	require.NoError(t, err)

	_, err = NewVectorIndex(&hashEmbedder{model: "other"}, Options{}).Load(ctx, persist)
	require.ErrorContains(t, err, `embedding model "hash"`)
}

func TestVectorIndex_LoadMissing(t *testing.T) {
	_, err := NewVectorIndex(&hashEmbedder{model: "hash"}, Options{}).Load(context.Background(), t.TempDir())
	require.Error(t, err)
}

func TestVectorIndex_BuildEmbedFailure(t *testing.T) {
	persist := filepath.Join(t.TempDir(), "idx")
	emb := &hashEmbedder{model: "hash", err: errors.New("connection refused")}

	_, err := NewVectorIndex(emb, Options{}).Build(context.Background(), writeCorpus(t), persist)
	require.ErrorContains(t, err, "connection refused")
	assert.NoFileExists(t, filepath.Join(persist, indexFile))
}

func TestVectorIndex_ServiceIntegration(t *testing.T) {
	ctx := context.Background()
	persist := filepath.Join(t.TempDir(), "idx")
	vi := NewVectorIndex(&hashEmbedder{model: "hash"}, Options{TopK: 2})
	svc := NewService(vi, vi, nil)

	_, err := svc.BuildIndex(ctx, writeCorpus(t), persist)
	require.NoError(t, err)
	require.NoError(t, svc.InitIndex(ctx, persist))

	got, err := svc.Query(ctx, "printer")
	require.NoError(t, err)
	assert.Contains(t, got, "tray two")
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-6)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 2}))
}
