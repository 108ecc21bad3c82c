package domain

import "time"

// GenerateRequest is what a provider adapter receives for one job.
type GenerateRequest struct {
	Job   *Job
	Input *Artifact
}

// TokenUsage is the token accounting reported by a provider, if any.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CachedTokens     int
	ThoughtsTokens   int
}

// GenerateResult is a provider response. Adapters may return a non-nil result
// alongside an error so usage is still recorded for failed calls.
type GenerateResult struct {
	Artifact *Artifact
	Model    string
	Usage    *TokenUsage
}

// UsageEvent describes one provider call for cost accounting.
type UsageEvent struct {
	JobID    string
	UserID   string
	Service  string
	RoomType string
	Style    string
	Model    string
	Usage    *TokenUsage
	Duration time.Duration
	Success  bool
}
