// Package backend forwards chat completions to the inference server and
// copies its response back to the caller unchanged.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/gwerr"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/config"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/metrics"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// maxErrorBody bounds how much of a failed backend response is read
const maxErrorBody = 4 << 10

// errServerStatus marks a 5xx backend answer so the breaker counts it
var errServerStatus = errors.New("backend server error")

// BreakerSettings configures the circuit breaker around backend calls
type BreakerSettings struct {
	MaxRequests  uint32        // requests allowed in half-open state
	Interval     time.Duration // cyclic period of the closed state to clear counts
	Timeout      time.Duration // period of the open state before half-open
	MinRequests  uint32
	FailureRatio float64
}

// Options configures a Client
type Options struct {
	BaseURL string
	API     string // config.BackendOllama or config.BackendOpenAI
	Timeout time.Duration
	Breaker BreakerSettings
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// HTTPClient overrides the default client (tests)
	HTTPClient *http.Client
}

// OptionsFromConfig builds client options from the gateway config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL: cfg.BackendURL,
		API:     cfg.BackendAPI,
		Timeout: cfg.BackendTimeout,
		Breaker: BreakerSettings{
			MaxRequests:  cfg.BreakerMaxRequests,
			Interval:     cfg.BreakerInterval,
			Timeout:      cfg.BreakerOpenTimeout,
			MinRequests:  cfg.BreakerMinRequests,
			FailureRatio: cfg.BreakerFailureRatio,
		},
	}
}

// Client talks to a single inference backend
type Client struct {
	baseURL    string
	api        string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a backend client. A zero Timeout means calls are only
// bounded by the caller's context.
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.API == "" {
		opts.API = config.BackendOllama
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	c := &Client{
		baseURL:    opts.BaseURL,
		api:        opts.API,
		httpClient: httpClient,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}

	bs := opts.Breaker
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "backend",
		MaxRequests: bs.MaxRequests,
		Interval:    bs.Interval,
		Timeout:     bs.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if bs.MinRequests == 0 || bs.FailureRatio <= 0 {
				return counts.ConsecutiveFailures > 5
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= bs.MinRequests && failureRatio >= bs.FailureRatio
		},
		// a caller hanging up says nothing about backend health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			c.metrics.SetBreakerState(stateToInt(to))
		},
	})

	return c
}

// Result describes a proxied call
type Result struct {
	// StatusCode is the backend status, zero if no response was received
	StatusCode int
	Usage      Usage
	UsageKnown bool

	// Committed is true once response headers were sent to the caller; after
	// that no error body can be written.
	Committed bool
	Bytes     int64
}

// Proxy sends req to the backend with its model replaced by backendTag and
// copies a successful response to w. Streaming bodies are flushed as they
// arrive. Failures before anything is written are returned as *gwerr.Error
// (BackendUnavailable or BackendError) or as the context error when ctx was
// cancelled; a non-nil Result is always returned.
func (c *Client) Proxy(ctx context.Context, w http.ResponseWriter, backendTag string, req *ChatRequest) (*Result, error) {
	res := &Result{}
	start := time.Now()

	resp, err := c.send(ctx, backendTag, req)
	if err != nil {
		if ctx.Err() != nil {
			c.metrics.RecordBackendCall("cancelled", time.Since(start))
			return res, ctx.Err()
		}
		c.metrics.RecordBackendCall("unavailable", time.Since(start))
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return res, gwerr.Wrap(gwerr.BackendUnavailable, "backend unavailable: circuit breaker open", err)
		}
		return res, gwerr.Wrap(gwerr.BackendUnavailable, "backend unreachable", err)
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.metrics.RecordBackendCall("error", time.Since(start))
		c.logger.Warn("backend returned error status",
			zap.Int("status", resp.StatusCode),
			zap.String("backend_tag", backendTag),
			zap.ByteString("body", detail))
		msg := fmt.Sprintf("backend returned status %d", resp.StatusCode)
		if reason := errorDetail(detail); reason != "" {
			msg += ": " + reason
		}
		return res, gwerr.New(gwerr.BackendError, msg)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}

	if req.Stream {
		err = c.copyStream(w, resp, res)
	} else {
		err = c.copyWhole(w, resp, res)
	}

	outcome := "ok"
	switch {
	case err != nil && ctx.Err() != nil:
		outcome = "cancelled"
		err = ctx.Err()
	case err != nil:
		outcome = "interrupted"
	}
	c.metrics.RecordBackendCall(outcome, time.Since(start))

	return res, err
}

// send issues the request through the circuit breaker
func (c *Client) send(ctx context.Context, backendTag string, req *ChatRequest) (*http.Response, error) {
	body, err := json.Marshal(backendRequest{
		Model:    backendTag,
		Messages: req.Messages,
		Stream:   req.Stream,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL(), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if req.Stream {
			httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson")
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errServerStatus
		}
		return resp, nil
	})
	if errors.Is(err, errServerStatus) {
		return resp, nil
	}
	if err != nil && resp != nil {
		resp.Body.Close()
	}
	return resp, err
}

func (c *Client) copyWhole(w http.ResponseWriter, resp *http.Response, res *Result) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	res.Usage, res.UsageKnown = c.parseUsage(body)
	res.Committed = true
	w.WriteHeader(resp.StatusCode)
	n, err := w.Write(body)
	res.Bytes = int64(n)
	return err
}

func (c *Client) copyStream(w http.ResponseWriter, resp *http.Response, res *Result) error {
	flusher, _ := w.(http.Flusher)
	scanner := &usageScanner{parse: c.parseUsage}

	res.Committed = true
	w.WriteHeader(resp.StatusCode)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, 32<<10)
	var copyErr error
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			scanner.Write(buf[:n])
			written, werr := w.Write(buf[:n])
			res.Bytes += int64(written)
			if werr != nil {
				copyErr = werr
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			copyErr = err
			break
		}
	}

	scanner.Close()
	res.Usage, res.UsageKnown = scanner.usage, scanner.found
	return copyErr
}

func (c *Client) parseUsage(body []byte) (Usage, bool) {
	if c.api == config.BackendOpenAI {
		return parseOpenAIUsage(body)
	}
	return parseOllamaUsage(body)
}

func (c *Client) chatURL() string {
	if c.api == config.BackendOpenAI {
		return c.baseURL + "/v1/chat/completions"
	}
	return c.baseURL + "/api/chat"
}

func (c *Client) pingURL() string {
	if c.api == config.BackendOpenAI {
		return c.baseURL + "/v1/models"
	}
	return c.baseURL + "/api/tags"
}

// Ping checks that the backend answers
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pingURL(), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend ping failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend ping returned status %d", resp.StatusCode)
	}
	return nil
}

// stateToInt converts a circuit breaker state to an integer for metrics
// 0=closed, 1=half-open, 2=open
func stateToInt(state gobreaker.State) int {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// errorDetail extracts the reason from a backend error body. Both Ollama and
// OpenAI-style servers put it under "error", as a string or an object with a
// message.
func errorDetail(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Error) > 0 {
		var msg string
		if json.Unmarshal(payload.Error, &msg) == nil && msg != "" {
			return msg
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(payload.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
	}
	return string(body)
}
