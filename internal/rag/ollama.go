package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/THM-MA/itsm-mcp/internal/httpkit"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model names the embedding model; an index only loads with the model
	// it was built with.
	Model() string
}

// Generator answers a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// OllamaConfig configures an Ollama client.
type OllamaConfig struct {
	BaseURL    string // e.g. "http://localhost:11434"
	EmbedModel string // e.g. "nomic-embed-text"
	// GenerateModel is used by Generate; empty disables generation.
	GenerateModel string
}

// Ollama implements Embedder and Generator against an Ollama server.
type Ollama struct {
	baseURL       string
	embedModel    string
	generateModel string
	client        *http.Client
}

// NewOllama creates a client. Embedding calls use a 30 second timeout;
// generation gets two minutes.
func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "nomic-embed-text"
	}
	return &Ollama{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		embedModel:    cfg.EmbedModel,
		generateModel: cfg.GenerateModel,
		client:        httpkit.NewClient(httpkit.WithTimeout(2 * time.Minute)),
	}
}

// Model implements Embedder.
func (o *Ollama) Model() string { return o.embedModel }

// CanGenerate reports whether a generation model is configured.
func (o *Ollama) CanGenerate() bool { return o.generateModel != "" }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed implements Embedder.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, httpkit.DefaultTimeout)
	defer cancel()

	var out embedResponse
	if err := o.post(ctx, "/api/embeddings", embedRequest{Model: o.embedModel, Prompt: text}, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding for model %s", o.embedModel)
	}
	return out.Embedding, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate implements Generator.
func (o *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	if o.generateModel == "" {
		return "", fmt.Errorf("no generation model configured")
	}
	var out generateResponse
	if err := o.post(ctx, "/api/generate", generateRequest{Model: o.generateModel, Prompt: prompt}, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Response), nil
}

func (o *Ollama) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, errBody)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
