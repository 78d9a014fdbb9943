package backend

import (
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// ChatRequest is the inbound chat completion body. Messages are forwarded
// byte for byte; they are only decoded to validate and size the prompt.
type ChatRequest struct {
	Model    string          `json:"model"`
	Messages json.RawMessage `json:"messages"`
	Stream   bool            `json:"stream,omitempty"`
}

// ChatMessages decodes the messages in their OpenAI shape
func (r *ChatRequest) ChatMessages() ([]openai.ChatCompletionMessage, error) {
	var msgs []openai.ChatCompletionMessage
	if err := json.Unmarshal(r.Messages, &msgs); err != nil {
		return nil, fmt.Errorf("invalid messages: %w", err)
	}
	return msgs, nil
}

// PromptChars is the total length of message text
func PromptChars(msgs []openai.ChatCompletionMessage) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
		for _, part := range m.MultiContent {
			n += len(part.Text)
		}
	}
	return n
}

// backendRequest is the body sent to the backend. Model is the backend tag.
type backendRequest struct {
	Model    string          `json:"model"`
	Messages json.RawMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

// Usage is the token accounting extracted from a backend response
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ollamaCounts is the token accounting of an Ollama /api/chat response
// (the final chunk when streaming)
type ollamaCounts struct {
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

// openaiCounts is the usage block of an OpenAI-style response or chunk
type openaiCounts struct {
	Usage *openai.Usage `json:"usage"`
}

func parseOllamaUsage(body []byte) (Usage, bool) {
	var c ollamaCounts
	if err := json.Unmarshal(body, &c); err != nil {
		return Usage{}, false
	}
	if c.PromptEvalCount == 0 && c.EvalCount == 0 {
		return Usage{}, false
	}
	return Usage{InputTokens: c.PromptEvalCount, OutputTokens: c.EvalCount}, true
}

func parseOpenAIUsage(body []byte) (Usage, bool) {
	var c openaiCounts
	if err := json.Unmarshal(body, &c); err != nil || c.Usage == nil {
		return Usage{}, false
	}
	return Usage{InputTokens: c.Usage.PromptTokens, OutputTokens: c.Usage.CompletionTokens}, true
}
