package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/image-job-worker/internal/metrics"
	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

// Recorder writes one ai_usage_logs row per provider call that reported
// token usage. Errors are logged and never returned.
type Recorder struct {
	db      *sqlx.DB
	pricing Pricing
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRecorder creates a Recorder. A nil pricing uses DefaultPricing.
func NewRecorder(db *sqlx.DB, pricing Pricing, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &Recorder{
		db:      db,
		pricing: pricing,
		metrics: m,
		logger:  logger,
	}
}

type logRow struct {
	UserID           sql.NullString `db:"user_id"`
	SessionID        string         `db:"session_id"`
	Model            string         `db:"model"`
	Feature          string         `db:"feature"`
	PromptTokens     int            `db:"prompt_tokens"`
	CompletionTokens int            `db:"completion_tokens"`
	TotalTokens      int            `db:"total_tokens"`
	CachedTokens     int            `db:"cached_tokens"`
	ThoughtsTokens   int            `db:"thoughts_tokens"`
	CacheHit         bool           `db:"cache_hit"`
	InputCost        float64        `db:"input_cost_usd"`
	OutputCost       float64        `db:"output_cost_usd"`
	CachedCost       float64        `db:"cached_cost_usd"`
	TotalCost        float64        `db:"total_cost_usd"`
	DurationMS       int64          `db:"duration_ms"`
	Metadata         string         `db:"metadata"`
}

// Record stores the event. Events without usage, or with zero prompt and
// completion tokens, are skipped.
func (r *Recorder) Record(ctx context.Context, ev domain.UsageEvent) {
	row, ok := r.build(ev)
	if !ok {
		return
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO ai_usage_logs (
			user_id, session_id, model, feature,
			prompt_tokens, completion_tokens, total_tokens, cached_tokens, thoughts_tokens, cache_hit,
			input_cost_usd, output_cost_usd, cached_cost_usd, total_cost_usd,
			duration_ms, metadata
		) VALUES (
			:user_id, :session_id, :model, :feature,
			:prompt_tokens, :completion_tokens, :total_tokens, :cached_tokens, :thoughts_tokens, :cache_hit,
			:input_cost_usd, :output_cost_usd, :cached_cost_usd, :total_cost_usd,
			:duration_ms, CAST(:metadata AS jsonb)
		)`, row)
	if err != nil {
		r.logger.Warn("Failed to record ai usage", "job_id", ev.JobID, "model", ev.Model, "error", err)
		return
	}

	r.metrics.AIUsage(row.Model, row.PromptTokens, row.CompletionTokens, row.TotalCost)
	r.logger.Debug("Recorded ai usage",
		"job_id", ev.JobID,
		"model", row.Model,
		"total_tokens", row.TotalTokens,
		"total_cost_usd", row.TotalCost,
	)
}

func (r *Recorder) build(ev domain.UsageEvent) (*logRow, bool) {
	u := ev.Usage
	if u == nil || (u.PromptTokens == 0 && u.CompletionTokens == 0) {
		return nil, false
	}

	model := ev.Model
	if model == "" {
		model = DefaultModel
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	cost := r.pricing.Cost(model, u.PromptTokens, u.CompletionTokens, u.CachedTokens, u.ThoughtsTokens)

	metadata, err := json.Marshal(map[string]any{
		"service":   ev.Service,
		"room_type": ev.RoomType,
		"style":     ev.Style,
		"success":   ev.Success,
	})
	if err != nil {
		metadata = []byte("{}")
	}

	return &logRow{
		UserID:           sql.NullString{String: ev.UserID, Valid: ev.UserID != ""},
		SessionID:        ev.JobID,
		Model:            model,
		Feature:          Feature(ev.Service),
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      total,
		CachedTokens:     u.CachedTokens,
		ThoughtsTokens:   u.ThoughtsTokens,
		CacheHit:         u.CachedTokens > 0,
		InputCost:        cost.Input,
		OutputCost:       cost.Output,
		CachedCost:       cost.Cached,
		TotalCost:        cost.Total,
		DurationMS:       ev.Duration.Milliseconds(),
		Metadata:         string(metadata),
	}, true
}

// Feature is the ai_usage_logs feature name of a service.
func Feature(service string) string {
	return strings.ReplaceAll(service, "-", "_")
}
