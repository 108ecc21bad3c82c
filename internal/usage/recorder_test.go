package usage

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/image-job-worker/internal/metrics"
	"github.com/cuongbtq/image-job-worker/internal/testutil"
	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func usageEvent() domain.UsageEvent {
	return domain.UsageEvent{
		JobID:    uuid.NewString(),
		UserID:   uuid.NewString(),
		Service:  domain.ServiceVirtualStaging,
		RoomType: "bedroom",
		Style:    "modern",
		Model:    "gemini-2.0-flash",
		Usage:    &domain.TokenUsage{PromptTokens: 1000, CompletionTokens: 2000, CachedTokens: 200},
		Duration: 1500 * time.Millisecond,
		Success:  true,
	}
}

func TestFeature(t *testing.T) {
	assert.Equal(t, "virtual_staging", Feature(domain.ServiceVirtualStaging))
	assert.Equal(t, "limpar_baguncca", Feature(domain.ServiceDeclutter))
	assert.Equal(t, "foto_revista", Feature(domain.ServicePhotoEnhance))
}

func TestRecorder_Build(t *testing.T) {
	r := NewRecorder(nil, nil, nil, discardLogger())

	t.Run("derives totals and costs", func(t *testing.T) {
		ev := usageEvent()
		row, ok := r.build(ev)
		require.True(t, ok)

		assert.Equal(t, ev.JobID, row.SessionID)
		assert.True(t, row.UserID.Valid)
		assert.Equal(t, "virtual_staging", row.Feature)
		assert.Equal(t, 3000, row.TotalTokens)
		assert.True(t, row.CacheHit)
		assert.Equal(t, int64(1500), row.DurationMS)
		assert.InDelta(t, 0.000885, row.TotalCost, 1e-9)
		assert.JSONEq(t, `{"service":"virtual-staging","room_type":"bedroom","style":"modern","success":true}`, row.Metadata)
	})

	t.Run("empty model falls back to default pricing", func(t *testing.T) {
		ev := usageEvent()
		ev.Model = ""
		row, ok := r.build(ev)
		require.True(t, ok)
		assert.Equal(t, DefaultModel, row.Model)
	})

	t.Run("skips missing or empty usage", func(t *testing.T) {
		ev := usageEvent()
		ev.Usage = nil
		_, ok := r.build(ev)
		assert.False(t, ok)

		ev.Usage = &domain.TokenUsage{TotalTokens: 10}
		_, ok = r.build(ev)
		assert.False(t, ok)
	})
}

func TestRecorder_Record(t *testing.T) {
	db := testutil.NewTestDB(t)
	reg := prometheus.NewRegistry()
	r := NewRecorder(db, nil, metrics.New(reg), discardLogger())

	ev := usageEvent()
	ev.Success = false
	r.Record(context.Background(), ev)

	var got struct {
		UserID    string  `db:"user_id"`
		Feature   string  `db:"feature"`
		Prompt    int     `db:"prompt_tokens"`
		Total     int     `db:"total_tokens"`
		CacheHit  bool    `db:"cache_hit"`
		TotalCost float64 `db:"total_cost_usd"`
		Duration  int64   `db:"duration_ms"`
		Metadata  []byte  `db:"metadata"`
	}
	require.NoError(t, db.Get(&got, `
		SELECT user_id, feature, prompt_tokens, total_tokens, cache_hit, total_cost_usd, duration_ms, metadata
		FROM ai_usage_logs WHERE session_id = $1`, ev.JobID))

	assert.Equal(t, ev.UserID, got.UserID)
	assert.Equal(t, "virtual_staging", got.Feature)
	assert.Equal(t, 1000, got.Prompt)
	assert.Equal(t, 3000, got.Total)
	assert.True(t, got.CacheHit)
	assert.InDelta(t, 0.000885, got.TotalCost, 1e-9)
	assert.Equal(t, int64(1500), got.Duration)

	var metadata map[string]any
	require.NoError(t, json.Unmarshal(got.Metadata, &metadata))
	assert.Equal(t, false, metadata["success"])

	mfs, err := reg.Gather()
	require.NoError(t, err)
	var cost float64
	for _, mf := range mfs {
		if mf.GetName() == "image_worker_ai_cost_usd_total" {
			cost = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.InDelta(t, 0.000885, cost, 1e-9)
}

func TestRecorder_RecordSwallowsErrors(t *testing.T) {
	db := testutil.NewTestDB(t)
	r := NewRecorder(db, nil, nil, discardLogger())

	ev := usageEvent()
	ev.UserID = "not-a-uuid"

	assert.NotPanics(t, func() { r.Record(context.Background(), ev) })

	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM ai_usage_logs`))
	assert.Zero(t, n)
}
