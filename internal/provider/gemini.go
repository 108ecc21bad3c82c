// Package provider contains the adapters for the external image producers.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

const geminiProvider = "gemini"

// contentGenerator is the part of genai.Models the adapter uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiConfig configures the edit-image adapter.
type GeminiConfig struct {
	APIKey            string
	Model             string
	RequestsPerSecond float64
}

// Gemini edits images with a Gemini image model.
type Gemini struct {
	models  contentGenerator
	model   string
	prompts *PromptLibrary
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewGemini creates a Gemini API client and wraps it.
func NewGemini(ctx context.Context, cfg GeminiConfig, prompts *PromptLibrary, logger *slog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return newGemini(client.Models, cfg, prompts, logger), nil
}

func newGemini(models contentGenerator, cfg GeminiConfig, prompts *PromptLibrary, logger *slog.Logger) *Gemini {
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	return &Gemini{
		models:  models,
		model:   cfg.Model,
		prompts: prompts,
		limiter: newLimiter(cfg.RequestsPerSecond),
		logger:  logger.With(slog.String("provider", geminiProvider)),
	}
}

// Generate sends the input image and the job's prompt and returns the first
// inline image of the response. A result carrying usage is returned with the
// error when the model answered without an image.
func (g *Gemini) Generate(ctx context.Context, req *domain.GenerateRequest) (*domain.GenerateResult, error) {
	if req.Input == nil || len(req.Input.Data) == 0 {
		return nil, domain.NewProviderError(geminiProvider, errors.New("input image is empty"), false)
	}
	if err := waitTurn(ctx, g.limiter, geminiProvider); err != nil {
		return nil, err
	}

	mimeType := req.Input.MIMEType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(req.Input.Data, mimeType),
			genai.NewPartFromText(g.prompts.Build(req.Job)),
		}, genai.RoleUser),
	}

	// Image only: listing TEXT too lets the model answer with a description.
	resp, err := g.models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityImage)},
	})
	if err != nil {
		return nil, mapGeminiError(err)
	}

	result := &domain.GenerateResult{
		Model: g.model,
		Usage: usageOf(resp),
	}

	blob, finishReason := firstImage(resp)
	if blob == nil {
		g.logger.Warn("Gemini response had no image",
			slog.String("job_id", req.Job.ID),
			slog.String("finish_reason", finishReason),
		)
		return result, domain.NewProviderError(geminiProvider, fmt.Errorf("%w: %s", domain.ErrNoImage, describeNoImage(resp)), false)
	}

	mime := blob.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	result.Artifact = &domain.Artifact{Data: blob.Data, MIMEType: mime}
	return result, nil
}

func firstImage(resp *genai.GenerateContentResponse) (*genai.Blob, string) {
	if resp == nil {
		return nil, ""
	}
	var finishReason string
	for _, cand := range resp.Candidates {
		if cand == nil {
			continue
		}
		if finishReason == "" {
			finishReason = string(cand.FinishReason)
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData, string(cand.FinishReason)
			}
		}
	}
	return nil, finishReason
}

func describeNoImage(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return "empty response"
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "prompt blocked: " + string(resp.PromptFeedback.BlockReason)
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.Text != "" && !part.Thought {
				return fmt.Sprintf("text: %q", truncate(part.Text, 200))
			}
		}
	}
	return "no candidates"
}

func usageOf(resp *genai.GenerateContentResponse) *domain.TokenUsage {
	if resp == nil || resp.UsageMetadata == nil {
		return nil
	}
	u := resp.UsageMetadata
	usage := &domain.TokenUsage{
		PromptTokens:     int(u.PromptTokenCount),
		CompletionTokens: int(u.CandidatesTokenCount),
		TotalTokens:      int(u.TotalTokenCount),
		CachedTokens:     int(u.CachedContentTokenCount),
		ThoughtsTokens:   int(u.ThoughtsTokenCount),
	}
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return nil
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

func mapGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		rateLimited := apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED"
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Status
		}
		return &domain.ProviderError{
			Provider:    geminiProvider,
			Message:     fmt.Sprintf("HTTP %d: %s", apiErr.Code, msg),
			RateLimited: rateLimited,
			Err:         err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return domain.NewProviderError(geminiProvider, err, false)
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

// waitTurn blocks until the limiter admits one call. A wait cut short by the
// call deadline, or one that would outlast it, is a rate-limited failure.
func waitTurn(ctx context.Context, limiter *rate.Limiter, provider string) error {
	if err := limiter.Wait(ctx); err != nil {
		return &domain.ProviderError{
			Provider:    provider,
			Message:     "rate limiter: " + err.Error(),
			RateLimited: true,
			Err:         err,
		}
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
