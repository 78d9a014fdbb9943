package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/gwerr"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/logger"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const modelsPageSize = 100

type ModelsHandler struct {
	registry ModelRegistry
	logger   *zap.Logger
}

func NewModelsHandler(registry ModelRegistry, log *zap.Logger) *ModelsHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ModelsHandler{registry: registry, logger: log}
}

type modelList struct {
	Object string         `json:"object"`
	Data   []openai.Model `json:"data"`
}

// HandleListModels handles GET /v1/models. Only enabled aliases the caller's
// key may use are listed.
func (h *ModelsHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	apiKey, ok := APIKeyFromContext(ctx)
	if !ok {
		gwerr.Write(w, gwerr.New(gwerr.AuthMissing, "missing bearer credential"))
		return
	}

	out := modelList{Object: "list", Data: []openai.Model{}}
	for offset := 0; ; offset += modelsPageSize {
		page, err := h.registry.ListModels(ctx, offset, modelsPageSize)
		if err != nil {
			logger.WithContext(ctx, h.logger).Error("failed to list models", zap.Error(err))
			gwerr.Write(w, gwerr.Wrap(gwerr.Internal, "failed to list models", err))
			return
		}

		for _, m := range page {
			if !m.Enabled || !apiKey.AllowedModels.Contains(m.Alias) {
				continue
			}
			out.Data = append(out.Data, openai.Model{
				ID:        m.Alias,
				Object:    "model",
				CreatedAt: m.CreatedAt.Unix(),
				OwnedBy:   "gateway",
			})
		}

		if len(page) < modelsPageSize {
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
