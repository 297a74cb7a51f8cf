package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// vendor holds the defaults applied by NewProvider for a named backend.
// Every backend speaks the OpenAI chat-completions dialect including
// function calling; they differ in base URL, path prefix and embedding
// endpoint.
type vendor struct {
	baseURL    string
	model      string
	pathPrefix string
	// nativeEmbed selects Ollama's /api/embed batch endpoint.
	nativeEmbed bool
}

var vendors = map[string]vendor{
	"ollama":     {baseURL: "http://localhost:11434", pathPrefix: "/v1", nativeEmbed: true},
	"lmstudio":   {baseURL: "http://localhost:1234", pathPrefix: "/v1"},
	"openrouter": {baseURL: "https://openrouter.ai/api", pathPrefix: "/v1"},
	"openai":     {baseURL: "https://api.openai.com", model: "gpt-4o-mini", pathPrefix: "/v1"},
	"groq":       {baseURL: "https://api.groq.com/openai", model: "llama-3.3-70b-versatile", pathPrefix: "/v1"},
	"xai":        {baseURL: "https://api.x.ai", pathPrefix: "/v1"},
	// Gemini's OpenAI-compatible surface has no /v1 segment.
	"gemini": {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai"},
	"custom": {pathPrefix: "/v1"},
}

// compatProvider serves every vendor that needs nothing beyond the shared
// OpenAI-compatible client.
type compatProvider struct {
	name string
	base openAICompatClient
}

func (p *compatProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *compatProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}

// ollamaProvider chats through Ollama's OpenAI-compatible endpoint but
// embeds through the native API, which accepts batches.
type ollamaProvider struct {
	base openAICompatClient
}

func (p *ollamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// Embed batches texts through /api/embed with the shared retry policy.
func (p *ollamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := p.base.doPost(ctx, "/api/embed", ollamaEmbedRequest{Model: p.base.cfg.Model, Input: texts})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("llm: decoding ollama embeddings: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("llm: ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}
