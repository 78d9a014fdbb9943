package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/backend"
	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/gwerr"
	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/policy"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/database"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/logger"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// StatusClientClosedRequest is recorded when the caller went away mid-dispatch
	StatusClientClosedRequest = 499

	maxRequestBody = 10 << 20

	// rough prompt size estimate used before the backend reports usage
	charsPerToken = 4

	touchTimeout = 5 * time.Second
)

// ModelRegistry resolves client-facing aliases
type ModelRegistry interface {
	ResolveAlias(ctx context.Context, alias string) (*models.Model, error)
	ListModels(ctx context.Context, offset, limit int) ([]models.Model, error)
}

// Policy admits and releases requests
type Policy interface {
	Admit(key *models.APIKey, alias string, estimatedCost decimal.Decimal) (*policy.Ticket, error)
	Release(t *policy.Ticket, actualCost decimal.Decimal, succeeded bool) bool
}

// Backend forwards an admitted request
type Backend interface {
	Proxy(ctx context.Context, w http.ResponseWriter, backendTag string, req *backend.ChatRequest) (*backend.Result, error)
}

// UsageRecorder appends usage events
type UsageRecorder interface {
	Record(ctx context.Context, event *models.UsageEvent)
}

type ChatHandler struct {
	keys     KeyStore
	registry ModelRegistry
	policy   Policy
	backend  Backend
	usage    UsageRecorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewChatHandler(keys KeyStore, registry ModelRegistry, pol Policy, be Backend, usage UsageRecorder, m *metrics.Metrics, log *zap.Logger) *ChatHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatHandler{
		keys:     keys,
		registry: registry,
		policy:   pol,
		backend:  be,
		usage:    usage,
		metrics:  m,
		logger:   log,
	}
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()
	log := logger.WithContext(ctx, h.logger)

	// Get API key from context (set by auth middleware)
	apiKey, ok := APIKeyFromContext(ctx)
	if !ok {
		gwerr.Write(w, gwerr.New(gwerr.AuthMissing, "missing bearer credential"))
		return
	}

	var req backend.ChatRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		gwerr.Write(w, gwerr.Wrap(gwerr.InvalidRequest, "invalid request body", err))
		return
	}
	// reading to EOF lets net/http watch the connection for a disconnect
	if _, err := io.Copy(io.Discard, body); err != nil {
		gwerr.Write(w, gwerr.Wrap(gwerr.InvalidRequest, "invalid request body", err))
		return
	}
	if req.Model == "" {
		gwerr.Write(w, gwerr.New(gwerr.InvalidRequest, "model is required"))
		return
	}
	msgs, err := req.ChatMessages()
	if err != nil || len(msgs) == 0 {
		gwerr.Write(w, gwerr.Wrap(gwerr.InvalidRequest, "messages must be a non-empty array", err))
		return
	}

	model, err := h.resolve(ctx, req.Model)
	if err != nil {
		if gwerr.KindOf(err) == gwerr.Internal {
			log.Error("model lookup failed", zap.String("model", req.Model), zap.Error(err))
		}
		gwerr.Write(w, err)
		return
	}

	promptTokens := backend.PromptChars(msgs) / charsPerToken
	estimate := model.Cost(promptTokens, 0).Decimal

	ticket, err := h.policy.Admit(apiKey, req.Model, estimate)
	if err != nil {
		kind := gwerr.KindOf(err)
		h.metrics.RecordAdmission(string(kind))
		if kind == gwerr.RateLimitExceeded {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(apiKey.RateLimitRPM))
			w.Header().Set("X-RateLimit-Remaining", "0")
		}
		log.Info("request rejected",
			zap.String("key_id", apiKey.ID),
			zap.String("model", req.Model),
			zap.String("kind", string(kind)))
		gwerr.Write(w, err)
		return
	}
	h.metrics.RecordAdmission("admitted")
	h.metrics.IncInFlight()

	if ticket.RateLimit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(ticket.RateLimit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(ticket.RateRemaining))
	}

	go h.touch(ctx, apiKey.ID, ticket.AdmittedAt)

	d := &dispatch{
		ticket:       ticket,
		key:          apiKey,
		model:        model,
		promptTokens: promptTokens,
		start:        startTime,
	}

	defer func() {
		p := recover()
		if p != nil {
			d.err = fmt.Errorf("panic during dispatch: %v", p)
		}
		h.settle(ctx, d, log)
		if p != nil {
			panic(p)
		}
		h.respond(w, d)
	}()

	// latency and cost are only known once the body has been copied
	w.Header().Set("Trailer", "X-Latency-Ms, X-Cost-USD")

	d.result, d.err = h.backend.Proxy(ctx, w, model.BackendTag, &req)
}

// resolve maps an alias to an enabled model
func (h *ChatHandler) resolve(ctx context.Context, alias string) (*models.Model, error) {
	model, err := h.registry.ResolveAlias(ctx, alias)
	if errors.Is(err, database.ErrNotFound) {
		return nil, gwerr.New(gwerr.ModelUnknown, fmt.Sprintf("model %q does not exist", alias))
	}
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "model lookup failed", err)
	}
	if !model.Enabled {
		return nil, gwerr.New(gwerr.ModelUnknown, fmt.Sprintf("model %q is disabled", alias))
	}
	return model, nil
}

func (h *ChatHandler) touch(ctx context.Context, keyID string, t time.Time) {
	touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
	defer cancel()

	if err := h.keys.TouchLastUsed(touchCtx, keyID, t); err != nil {
		logger.WithContext(ctx, h.logger).Warn("failed to update key last_used_at",
			zap.String("key_id", keyID), zap.Error(err))
	}
}

// dispatch carries one admitted request through recording
type dispatch struct {
	ticket       *policy.Ticket
	key          *models.APIKey
	model        *models.Model
	promptTokens int
	start        time.Time

	result *backend.Result
	err    error

	status  int
	latency time.Duration
	cost    decimal.NullDecimal
}

func (d *dispatch) committed() bool {
	return d.result != nil && d.result.Committed
}

// reachedBackend reports whether the backend may have done work for the
// request: it answered, or the caller left while it was still working.
func (d *dispatch) reachedBackend() bool {
	if d.result != nil && d.result.StatusCode != 0 {
		return true
	}
	return d.result != nil && d.status == StatusClientClosedRequest
}

// settle releases the ticket and records the usage event. It runs once per
// admitted request, whatever the dispatch outcome.
func (h *ChatHandler) settle(ctx context.Context, d *dispatch, log *zap.Logger) {
	d.latency = time.Since(d.start)
	d.status = outcomeStatus(ctx, d)

	var usage backend.Usage
	switch {
	case d.result != nil && d.result.UsageKnown:
		usage = d.result.Usage
		h.metrics.RecordTokens(usage.InputTokens, usage.OutputTokens)
		d.cost = d.model.Cost(usage.InputTokens, usage.OutputTokens)
	case d.reachedBackend():
		usage = backend.Usage{InputTokens: d.promptTokens}
		d.cost = d.model.Cost(usage.InputTokens, 0)
	}

	// a request the backend never saw costs nothing
	h.policy.Release(d.ticket, d.cost.Decimal, d.err == nil)
	h.metrics.DecInFlight()

	event := &models.UsageEvent{
		Timestamp:    d.ticket.AdmittedAt.UTC(),
		KeyID:        d.key.ID,
		ModelID:      d.model.ID,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		LatencyMs:    int(d.latency.Milliseconds()),
		StatusCode:   d.status,
		Cost:         d.cost,
	}
	if d.err != nil {
		msg := d.err.Error()
		event.ErrorMessage = &msg
	}
	h.usage.Record(ctx, event)

	fields := []zap.Field{
		zap.String("key_id", d.key.ID),
		zap.String("model", d.model.Alias),
		zap.String("backend_tag", d.model.BackendTag),
		zap.Int("status", d.status),
		zap.Int64("latency_ms", d.latency.Milliseconds()),
	}
	if d.err != nil {
		log.Warn("chat request failed", append(fields, zap.Error(d.err))...)
		return
	}
	log.Info("chat request completed", fields...)
}

// outcomeStatus is the status code recorded for the request
func outcomeStatus(ctx context.Context, d *dispatch) int {
	switch {
	case d.err == nil && d.result != nil && d.result.StatusCode != 0:
		return d.result.StatusCode
	case d.err == nil:
		return http.StatusOK
	case errors.Is(d.err, context.Canceled) || ctx.Err() != nil:
		return StatusClientClosedRequest
	case d.committed():
		// the stream broke after the backend status was sent on
		return d.result.StatusCode
	default:
		return gwerr.KindOf(d.err).HTTPStatus()
	}
}

// respond finishes the response after settle
func (h *ChatHandler) respond(w http.ResponseWriter, d *dispatch) {
	latency := strconv.FormatInt(d.latency.Milliseconds(), 10)

	if d.committed() || d.err == nil {
		w.Header().Set("X-Latency-Ms", latency)
		if d.cost.Valid {
			w.Header().Set("X-Cost-USD", d.cost.Decimal.StringFixed(6))
		}
		return
	}

	if d.status == StatusClientClosedRequest {
		// nobody is listening
		return
	}

	w.Header().Del("Trailer")
	w.Header().Set("X-Latency-Ms", latency)
	gwerr.Write(w, d.err)
}
