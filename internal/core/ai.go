package core

import "context"

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// Usage is token accounting reported (or estimated) for one provider call.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Embedding is a fixed-dimension vector plus the usage it cost.
type Embedding struct {
	Vector []float32
	Usage  Usage
}

// ChatResult is a completed chat response.
type ChatResult struct {
	Text  string
	Usage Usage
}

// StreamChunk is one delta of a streamed chat response. A chunk with Err set is
// the last one sent on the channel.
type StreamChunk struct {
	Text string
	Err  error
}

// AIProvider is the capability set every AI backend implements.
type AIProvider interface {
	Name() string
	Model() string
	Dimension() int
	// MaxConcurrent is the in-flight request budget; callers fanning out should not exceed it.
	MaxConcurrent() int

	Chat(ctx context.Context, messages []Message) (*ChatResult, error)
	StreamChat(ctx context.Context, messages []Message) (<-chan StreamChunk, error)
	GenerateEmbedding(ctx context.Context, text string) (*Embedding, error)
	// IsAvailable never returns an error; failures are reported as false.
	IsAvailable(ctx context.Context) bool

	Close() error
}

// EmbeddingProvider is the narrow view the document processor needs.
type EmbeddingProvider interface {
	Name() string
	Model() string
	MaxConcurrent() int
	GenerateEmbedding(ctx context.Context, text string) (*Embedding, error)
}

// LLMProvider generates text from a system prompt and a user prompt.
type LLMProvider interface {
	Generate(ctx context.Context, systemPrompt string, userPrompt string) (string, error)
}
