package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/gwerr"
	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/keys"
	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/policy"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/database"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/logger"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultConcurrencyLimit = 10
	defaultRateLimitRPM     = 1000
)

// AdminStore is the persistence used by the admin API
type AdminStore interface {
	CreateAPIKey(ctx context.Context, apiKey *models.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*models.APIKey, error)
	SetAPIKeyActive(ctx context.Context, id string, active bool) error
	SummarizeUsage(ctx context.Context, keyID string, from, to time.Time) (*database.UsageSummary, error)
	ListModels(ctx context.Context, offset, limit int) ([]models.Model, error)
	CreateModel(ctx context.Context, m *models.Model) error
}

// StatsSource reports live policy counters
type StatsSource interface {
	Stats(keyID string) policy.KeyStats
}

type AdminHandler struct {
	store  AdminStore
	stats  StatsSource
	now    func() time.Time
	logger *zap.Logger
}

func NewAdminHandler(store AdminStore, stats StatsSource, log *zap.Logger) *AdminHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandler{store: store, stats: stats, now: time.Now, logger: log}
}

type createKeyRequest struct {
	Name             string           `json:"name"`
	OwnerID          *string          `json:"owner_id"`
	AllowedModels    []string         `json:"allowed_models"`
	ConcurrencyLimit *int             `json:"concurrency_limit"`
	RateLimitRPM     *int             `json:"rate_limit_rpm"`
	MonthlyBudget    *decimal.Decimal `json:"monthly_budget"`
}

type keyResponse struct {
	ID               string           `json:"id"`
	Key              string           `json:"key,omitempty"`
	KeyPrefix        string           `json:"key_prefix"`
	Name             string           `json:"name"`
	OwnerID          *string          `json:"owner_id"`
	IsActive         bool             `json:"is_active"`
	AllowedModels    []string         `json:"allowed_models"`
	ConcurrencyLimit int              `json:"concurrency_limit"`
	RateLimitRPM     int              `json:"rate_limit_rpm"`
	MonthlyBudget    *decimal.Decimal `json:"monthly_budget"`
	CreatedAt        time.Time        `json:"created_at"`
	LastUsedAt       *time.Time       `json:"last_used_at"`
}

func toKeyResponse(k *models.APIKey) keyResponse {
	resp := keyResponse{
		ID:               k.ID,
		KeyPrefix:        k.KeyPrefix,
		Name:             k.Name,
		OwnerID:          k.OwnerID,
		IsActive:         k.IsActive,
		AllowedModels:    []string{models.WildcardModels},
		ConcurrencyLimit: k.ConcurrencyLimit,
		RateLimitRPM:     k.RateLimitRPM,
		CreatedAt:        k.CreatedAt,
		LastUsedAt:       k.LastUsedAt,
	}
	if !k.AllowedModels.IsAll() {
		resp.AllowedModels = k.AllowedModels.Aliases()
	}
	if k.MonthlyBudget.Valid {
		b := k.MonthlyBudget.Decimal
		resp.MonthlyBudget = &b
	}
	return resp
}

// parseAllowedModels treats a missing list or a "*" entry as every model
func parseAllowedModels(raw []string) models.ModelSet {
	if raw == nil {
		return models.AllModels()
	}
	aliases := make([]string, 0, len(raw))
	for _, a := range raw {
		a = strings.TrimSpace(a)
		if a == models.WildcardModels {
			return models.AllModels()
		}
		if a != "" {
			aliases = append(aliases, a)
		}
	}
	return models.NewModelSet(aliases...)
}

// HandleCreateKey handles POST /admin/keys. The secret is in this response
// and nowhere else.
func (h *AdminHandler) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerr.Write(w, gwerr.Wrap(gwerr.InvalidRequest, "invalid request body", err))
		return
	}

	spec := keys.Spec{
		Name:             req.Name,
		OwnerID:          req.OwnerID,
		AllowedModels:    parseAllowedModels(req.AllowedModels),
		ConcurrencyLimit: defaultConcurrencyLimit,
		RateLimitRPM:     defaultRateLimitRPM,
	}
	if req.ConcurrencyLimit != nil {
		spec.ConcurrencyLimit = *req.ConcurrencyLimit
	}
	if req.RateLimitRPM != nil {
		spec.RateLimitRPM = *req.RateLimitRPM
	}
	if req.MonthlyBudget != nil {
		spec.MonthlyBudget = decimal.NewNullDecimal(*req.MonthlyBudget)
	}

	issued, err := keys.Issue(spec, h.now())
	if err != nil {
		gwerr.Write(w, gwerr.Wrap(gwerr.InvalidRequest, err.Error(), err))
		return
	}

	if err := h.store.CreateAPIKey(ctx, issued.Key); err != nil {
		logger.WithContext(ctx, h.logger).Error("failed to create api key", zap.Error(err))
		gwerr.Write(w, gwerr.Wrap(gwerr.Internal, "failed to create api key", err))
		return
	}

	logger.WithContext(ctx, h.logger).Info("api key issued",
		zap.String("key_id", issued.Key.ID),
		zap.String("key_prefix", issued.Key.KeyPrefix),
		zap.String("name", issued.Key.Name))

	resp := toKeyResponse(issued.Key)
	resp.Key = issued.Secret
	writeJSON(w, http.StatusCreated, resp)
}

// HandleGetKey handles GET /admin/keys/{id}
func (h *AdminHandler) HandleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.store.GetAPIKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toKeyResponse(key))
}

// HandleSetKeyActive returns a handler for POST /admin/keys/{id}/activate and
// /deactivate
func (h *AdminHandler) HandleSetKeyActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := h.store.SetAPIKeyActive(r.Context(), id, active); err != nil {
			h.writeLookupError(w, r, err)
			return
		}

		logger.WithContext(r.Context(), h.logger).Info("api key updated",
			zap.String("key_id", id), zap.Bool("is_active", active))
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_active": active})
	}
}

type keyUsageResponse struct {
	KeyID        string          `json:"key_id"`
	Month        string          `json:"month"`
	InFlight     int             `json:"in_flight"`
	WindowCount  int             `json:"requests_last_minute"`
	Spent        decimal.Decimal `json:"spent"`
	Requests     int             `json:"requests"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	LedgerCost   decimal.Decimal `json:"ledger_cost"`
}

// HandleKeyUsage handles GET /admin/keys/{id}/usage. It combines the live
// policy counters with the ledger totals for the current month.
func (h *AdminHandler) HandleKeyUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := h.store.GetAPIKey(ctx, id); err != nil {
		h.writeLookupError(w, r, err)
		return
	}

	now := h.now().UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	summary, err := h.store.SummarizeUsage(ctx, id, from, to)
	if err != nil {
		logger.WithContext(ctx, h.logger).Error("failed to summarize usage", zap.Error(err))
		gwerr.Write(w, gwerr.Wrap(gwerr.Internal, "failed to summarize usage", err))
		return
	}

	stats := h.stats.Stats(id)
	writeJSON(w, http.StatusOK, keyUsageResponse{
		KeyID:        id,
		Month:        stats.Month,
		InFlight:     stats.InFlight,
		WindowCount:  stats.WindowCount,
		Spent:        stats.Spent,
		Requests:     summary.Requests,
		InputTokens:  summary.InputTokens,
		OutputTokens: summary.OutputTokens,
		LedgerCost:   summary.Cost,
	})
}

type modelPayload struct {
	ID               string           `json:"id,omitempty"`
	Name             string           `json:"name"`
	Alias            string           `json:"alias"`
	BackendTag       string           `json:"backend_tag"`
	Enabled          *bool            `json:"enabled,omitempty"`
	InputPricePer1K  *decimal.Decimal `json:"input_price_per_1k"`
	OutputPricePer1K *decimal.Decimal `json:"output_price_per_1k"`
	CreatedAt        *time.Time       `json:"created_at,omitempty"`
}

func toModelPayload(m *models.Model) modelPayload {
	enabled := m.Enabled
	created := m.CreatedAt
	p := modelPayload{
		ID:         m.ID,
		Name:       m.Name,
		Alias:      m.Alias,
		BackendTag: m.BackendTag,
		Enabled:    &enabled,
		CreatedAt:  &created,
	}
	if m.InputPricePer1K.Valid {
		in := m.InputPricePer1K.Decimal
		p.InputPricePer1K = &in
	}
	if m.OutputPricePer1K.Valid {
		out := m.OutputPricePer1K.Decimal
		p.OutputPricePer1K = &out
	}
	return p
}

// HandleListModels handles GET /admin/models?offset=&limit=
func (h *AdminHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}

	list, err := h.store.ListModels(r.Context(), offset, limit)
	if err != nil {
		logger.WithContext(r.Context(), h.logger).Error("failed to list models", zap.Error(err))
		gwerr.Write(w, gwerr.Wrap(gwerr.Internal, "failed to list models", err))
		return
	}

	out := make([]modelPayload, 0, len(list))
	for i := range list {
		out = append(out, toModelPayload(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleCreateModel handles POST /admin/models
func (h *AdminHandler) HandleCreateModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req modelPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerr.Write(w, gwerr.Wrap(gwerr.InvalidRequest, "invalid request body", err))
		return
	}

	req.Alias = strings.TrimSpace(req.Alias)
	req.BackendTag = strings.TrimSpace(req.BackendTag)
	if req.Alias == "" || req.BackendTag == "" {
		gwerr.Write(w, gwerr.New(gwerr.InvalidRequest, "alias and backend_tag are required"))
		return
	}
	if req.Alias == models.WildcardModels {
		gwerr.Write(w, gwerr.New(gwerr.InvalidRequest, "alias \"*\" is reserved"))
		return
	}
	if (req.InputPricePer1K != nil && req.InputPricePer1K.IsNegative()) ||
		(req.OutputPricePer1K != nil && req.OutputPricePer1K.IsNegative()) {
		gwerr.Write(w, gwerr.New(gwerr.InvalidRequest, "prices must not be negative"))
		return
	}

	m := &models.Model{
		Name:       req.Name,
		Alias:      req.Alias,
		BackendTag: req.BackendTag,
		Enabled:    true,
	}
	if m.Name == "" {
		m.Name = m.Alias
	}
	if req.Enabled != nil {
		m.Enabled = *req.Enabled
	}
	if req.InputPricePer1K != nil {
		m.InputPricePer1K = decimal.NewNullDecimal(*req.InputPricePer1K)
	}
	if req.OutputPricePer1K != nil {
		m.OutputPricePer1K = decimal.NewNullDecimal(*req.OutputPricePer1K)
	}

	if err := h.store.CreateModel(ctx, m); err != nil {
		if errors.Is(err, database.ErrConflict) {
			gwerr.Write(w, gwerr.Wrap(gwerr.Conflict, "model alias already registered", err))
			return
		}
		logger.WithContext(ctx, h.logger).Error("failed to create model", zap.Error(err))
		gwerr.Write(w, gwerr.Wrap(gwerr.Internal, "failed to create model", err))
		return
	}

	writeJSON(w, http.StatusCreated, toModelPayload(m))
}

func (h *AdminHandler) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, database.ErrNotFound) {
		gwerr.Write(w, gwerr.New(gwerr.NotFound, "api key not found"))
		return
	}
	logger.WithContext(r.Context(), h.logger).Error("api key lookup failed", zap.Error(err))
	gwerr.Write(w, gwerr.Wrap(gwerr.Internal, "api key lookup failed", err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
