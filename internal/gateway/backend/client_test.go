package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/gwerr"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ollamaReply = `{"model":"llama3","message":{"role":"assistant","content":"hi"},"done":true,"prompt_eval_count":12,"eval_count":7}`

func chatRequest(t *testing.T, stream bool) *ChatRequest {
	t.Helper()
	return &ChatRequest{
		Model:    "gpt-mini",
		Messages: json.RawMessage(`[{"role":"user","content":"hello","images":["aGk="]}]`),
		Stream:   stream,
	}
}

func newTestClient(srv *httptest.Server, api string) *Client {
	return NewClient(Options{
		BaseURL: srv.URL,
		API:     api,
		Breaker: BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, MinRequests: 3, FailureRatio: 0.5},
	})
}

func TestProxy_Ollama(t *testing.T) {
	var got map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		io.WriteString(w, ollamaReply)
	}))
	defer srv.Close()

	c := newTestClient(srv, config.BackendOllama)
	rec := httptest.NewRecorder()
	res, err := c.Proxy(context.Background(), rec, "llama3", chatRequest(t, false))
	require.NoError(t, err)

	assert.JSONEq(t, `"llama3"`, string(got["model"]))
	assert.JSONEq(t, `false`, string(got["stream"]))
	// messages are forwarded untouched, including fields the gateway does not know
	assert.JSONEq(t, `[{"role":"user","content":"hello","images":["aGk="]}]`, string(got["messages"]))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ollamaReply, rec.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, res.Committed)
	assert.True(t, res.UsageKnown)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 7}, res.Usage)
	assert.Equal(t, int64(len(ollamaReply)), res.Bytes)
}

func TestProxy_OllamaStream(t *testing.T) {
	chunks := []string{
		`{"message":{"role":"assistant","content":"he"},"done":false}`,
		`{"message":{"role":"assistant","content":"llo"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":5,"eval_count":2}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			io.WriteString(w, c+"\n")
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := newTestClient(srv, config.BackendOllama)
	rec := httptest.NewRecorder()
	res, err := c.Proxy(context.Background(), rec, "llama3", chatRequest(t, true))
	require.NoError(t, err)

	assert.Equal(t, strings.Join(chunks, "\n")+"\n", rec.Body.String())
	assert.True(t, rec.Flushed)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.True(t, res.UsageKnown)
	assert.Equal(t, Usage{InputTokens: 5, OutputTokens: 2}, res.Usage)
}

func TestProxy_OpenAI(t *testing.T) {
	reply := `{"id":"x","object":"chat.completion","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, reply)
	}))
	defer srv.Close()

	c := newTestClient(srv, config.BackendOpenAI)
	rec := httptest.NewRecorder()
	res, err := c.Proxy(context.Background(), rec, "llama3", chatRequest(t, false))
	require.NoError(t, err)

	assert.Equal(t, reply, rec.Body.String())
	assert.Equal(t, Usage{InputTokens: 3, OutputTokens: 4}, res.Usage)
}

func TestProxy_OpenAIStreamSSE(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":9,\"completion_tokens\":1,\"total_tokens\":10}}\n\n" +
		"data: [DONE]\n\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, body)
	}))
	defer srv.Close()

	c := newTestClient(srv, config.BackendOpenAI)
	rec := httptest.NewRecorder()
	res, err := c.Proxy(context.Background(), rec, "llama3", chatRequest(t, true))
	require.NoError(t, err)

	assert.Equal(t, body, rec.Body.String())
	assert.Equal(t, Usage{InputTokens: 9, OutputTokens: 1}, res.Usage)
}

func TestProxy_BackendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"model 'llama3' not found"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv, config.BackendOllama)
	rec := httptest.NewRecorder()
	res, err := c.Proxy(context.Background(), rec, "llama3", chatRequest(t, false))

	require.Error(t, err)
	assert.Equal(t, gwerr.BackendError, gwerr.KindOf(err))
	assert.Contains(t, err.Error(), "404")
	var gerr *gwerr.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "backend returned status 404: model 'llama3' not found", gerr.Message)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.False(t, res.Committed)
	assert.Zero(t, rec.Body.Len())
}

func TestProxy_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(Options{BaseURL: url})
	res, err := c.Proxy(context.Background(), httptest.NewRecorder(), "llama3", chatRequest(t, false))

	require.Error(t, err)
	assert.Equal(t, gwerr.BackendUnavailable, gwerr.KindOf(err))
	assert.Zero(t, res.StatusCode)
}

func TestProxy_BreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv, config.BackendOllama)
	for i := 0; i < 3; i++ {
		_, err := c.Proxy(context.Background(), httptest.NewRecorder(), "llama3", chatRequest(t, false))
		assert.Equal(t, gwerr.BackendError, gwerr.KindOf(err))
	}

	_, err := c.Proxy(context.Background(), httptest.NewRecorder(), "llama3", chatRequest(t, false))
	require.Error(t, err)
	assert.Equal(t, gwerr.BackendUnavailable, gwerr.KindOf(err))
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, int32(3), calls.Load())
}

func TestProxy_CancelledBeforeResponse(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(srv, config.BackendOllama)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res, err := c.Proxy(ctx, httptest.NewRecorder(), "llama3", chatRequest(t, false))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, res.Committed)

	// cancellations do not count against the backend
	assert.Equal(t, "closed", c.breaker.State().String())
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			io.WriteString(w, `{"models":[]}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	assert.NoError(t, newTestClient(srv, config.BackendOllama).Ping(context.Background()))
	assert.Error(t, newTestClient(srv, config.BackendOpenAI).Ping(context.Background()))
}

func TestChatMessagesAndPromptChars(t *testing.T) {
	req := &ChatRequest{Messages: json.RawMessage(`[{"role":"system","content":"be brief"},{"role":"user","content":"hello"}]`)}
	msgs, err := req.ChatMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, len("be brief")+len("hello"), PromptChars(msgs))

	bad := &ChatRequest{Messages: json.RawMessage(`"nope"`)}
	_, err = bad.ChatMessages()
	assert.Error(t, err)
}

func TestUsageScanner(t *testing.T) {
	s := &usageScanner{parse: parseOllamaUsage}
	s.Write([]byte(`{"done":false}` + "\n" + `{"done":true,"prompt_eval_count":1`))
	assert.False(t, s.found)
	s.Write([]byte(`,"eval_count":2}`))
	s.Close()
	assert.True(t, s.found)
	assert.Equal(t, Usage{InputTokens: 1, OutputTokens: 2}, s.usage)
}

func TestErrorDetail(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"ollama", `{"error":"model 'x' not found, try pulling it first"}`, "model 'x' not found, try pulling it first"},
		{"openai", `{"error":{"message":"bad model","type":"invalid_request_error"}}`, "bad model"},
		{"plain text", "  upstream exploded\n", "upstream exploded"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorDetail([]byte(tt.body)))
		})
	}
}
