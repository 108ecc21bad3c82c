package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/replicate/replicate-go"
	"golang.org/x/time/rate"

	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

const replicateProvider = "replicate"

// runFunc runs a prediction to completion and returns its output.
type runFunc func(ctx context.Context, model string, input replicate.PredictionInput) (replicate.PredictionOutput, error)

// ReplicateConfig configures the enhance-image adapter.
type ReplicateConfig struct {
	APIToken          string
	Model             string
	RequestsPerSecond float64
}

// Replicate enhances photos with a Replicate upscaling model.
type Replicate struct {
	run     runFunc
	model   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewReplicate creates a Replicate client and wraps it.
func NewReplicate(cfg ReplicateConfig, logger *slog.Logger) (*Replicate, error) {
	if cfg.APIToken == "" {
		return nil, errors.New("replicate api token is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("replicate model is required")
	}

	client, err := replicate.NewClient(replicate.WithToken(cfg.APIToken))
	if err != nil {
		return nil, fmt.Errorf("failed to create replicate client: %w", err)
	}

	run := func(ctx context.Context, model string, input replicate.PredictionInput) (replicate.PredictionOutput, error) {
		return client.Run(ctx, model, input, nil)
	}
	return newReplicate(run, cfg, logger), nil
}

func newReplicate(run runFunc, cfg ReplicateConfig, logger *slog.Logger) *Replicate {
	return &Replicate{
		run:     run,
		model:   cfg.Model,
		limiter: newLimiter(cfg.RequestsPerSecond),
		logger:  logger.With(slog.String("provider", replicateProvider)),
	}
}

// enhanceInput holds the fixed model parameters. Only the image varies.
func enhanceInput(dataURI string) replicate.PredictionInput {
	return replicate.PredictionInput{
		"image":               dataURI,
		"prompt":              "professional real estate photography, HDR, natural lighting, sharp details, vibrant colors, high quality",
		"negative_prompt":     "blurry, low quality, distorted, noisy, dark, underexposed",
		"dynamic":             6,
		"creativity":          0.35,
		"resemblance":         0.6,
		"scale":               2,
		"sd_model":            "juggernaut_reborn.safetensors [338b85bc4f]",
		"scheduler":           "DPM++ 3M SDE Karras",
		"num_inference_steps": 18,
		"downscaling":         false,
	}
}

// Generate runs the enhancement model on the input image. The output is a
// remote URL; the sink downloads it before upload.
func (r *Replicate) Generate(ctx context.Context, req *domain.GenerateRequest) (*domain.GenerateResult, error) {
	if req.Input == nil || len(req.Input.Data) == 0 {
		return nil, domain.NewProviderError(replicateProvider, errors.New("input image is empty"), false)
	}
	if err := waitTurn(ctx, r.limiter, replicateProvider); err != nil {
		return nil, err
	}

	mimeType := req.Input.MIMEType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURI := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(req.Input.Data)

	output, err := r.run(ctx, r.model, enhanceInput(dataURI))
	if err != nil {
		return nil, mapReplicateError(err)
	}

	url, ok := outputURL(output)
	if !ok {
		r.logger.Warn("Unexpected replicate output", slog.String("job_id", req.Job.ID), slog.Any("output", output))
		return nil, domain.NewProviderError(replicateProvider, domain.ErrNoImage, false)
	}

	return &domain.GenerateResult{
		Artifact: &domain.Artifact{URL: url},
		Model:    r.model,
	}, nil
}

// outputURL accepts a single URL or a list whose first entry is a URL.
func outputURL(output replicate.PredictionOutput) (string, bool) {
	switch v := output.(type) {
	case string:
		return v, v != ""
	case []string:
		if len(v) > 0 && v[0] != "" {
			return v[0], true
		}
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func mapReplicateError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	lower := strings.ToLower(err.Error())
	rateLimited := strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests")

	var apiErr *replicate.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests {
		rateLimited = true
	}

	return domain.NewProviderError(replicateProvider, err, rateLimited)
}
