package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/gwerr"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/models"
	"go.uber.org/zap"
)

// writeTimeout bounds a single usage write
const writeTimeout = 5 * time.Second

// Writer persists usage events
type Writer interface {
	InsertUsageEvent(ctx context.Context, event *models.UsageEvent) error
}

// Ledger records one usage event per admitted request. Recording is best
// effort: writes happen in the background, and a failed write is logged and
// counted, never returned to the caller.
type Ledger struct {
	writer  Writer
	logger  *zap.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// New creates a Ledger. logger and m may be nil.
func New(writer Writer, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{writer: writer, logger: logger, metrics: m}
}

// Record queues event for writing and returns immediately. The write is
// detached from ctx cancellation so a dropped client connection does not lose
// the row.
func (l *Ledger) Record(ctx context.Context, event *models.UsageEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.write(context.WithoutCancel(ctx), event)
	}()
}

// Close waits for pending writes, or until ctx is done.
func (l *Ledger) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Ledger) write(ctx context.Context, event *models.UsageEvent) {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := l.writer.InsertUsageEvent(writeCtx, event); err != nil {
		l.logger.Error("usage event write failed",
			zap.String("kind", string(gwerr.LedgerWriteFailed)),
			zap.String("key_id", event.KeyID),
			zap.String("model_id", event.ModelID),
			zap.Int("status_code", event.StatusCode),
			zap.Error(err),
		)
		l.metrics.RecordUsageEvent(false)
		return
	}

	l.metrics.RecordUsageEvent(true)
}
