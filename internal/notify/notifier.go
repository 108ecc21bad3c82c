// Package notify delivers job outcome notifications. Every channel is best
// effort: failures are logged and counted, never returned to the scheduler.
package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/image-job-worker/internal/metrics"
	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

// Kind is the outcome being announced.
type Kind string

const (
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

// Profile is the requester's account data used by email and chat alerts.
type Profile struct {
	ID                 string         `db:"id"`
	Email              string         `db:"email"`
	FullName           sql.NullString `db:"full_name"`
	Credits            int            `db:"credits"`
	EmailNotifications bool           `db:"email_notifications"`
}

// DisplayName returns the full name or the local part of the email.
func (p *Profile) DisplayName() string {
	if p.FullName.Valid && p.FullName.String != "" {
		return p.FullName.String
	}
	local, _, _ := strings.Cut(p.Email, "@")
	return local
}

// Event is what each channel receives. Profile is nil when the lookup failed
// or the user has no profile row.
type Event struct {
	Kind       Kind
	Meta       domain.Meta
	Reason     string
	Profile    *Profile
	OccurredAt time.Time
}

// Channel delivers an event to one destination.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// ProfileStore looks up user profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
}

// ErrProfileNotFound is returned when a user has no profile row.
var ErrProfileNotFound = errors.New("profile not found")

// Notifier fans an outcome out to every configured channel in order.
type Notifier struct {
	profiles ProfileStore
	channels []Channel
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a notifier. profiles may be nil.
func New(profiles ProfileStore, channels []Channel, m *metrics.Metrics, logger *slog.Logger) *Notifier {
	return &Notifier{
		profiles: profiles,
		channels: channels,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// NotifySuccess announces a completed job.
func (n *Notifier) NotifySuccess(ctx context.Context, meta domain.Meta) {
	n.dispatch(ctx, Event{Kind: KindCompleted, Meta: meta})
}

// NotifyFailure announces a permanently failed job.
func (n *Notifier) NotifyFailure(ctx context.Context, meta domain.Meta, reason string) {
	n.dispatch(ctx, Event{Kind: KindFailed, Meta: meta, Reason: reason})
}

func (n *Notifier) dispatch(ctx context.Context, ev Event) {
	ev.OccurredAt = n.now()
	logger := n.logger.With(slog.String("job_id", ev.Meta.JobID), slog.String("event", string(ev.Kind)))

	if n.profiles != nil && ev.Meta.UserID != "" {
		profile, err := n.profiles.GetProfile(ctx, ev.Meta.UserID)
		switch {
		case errors.Is(err, ErrProfileNotFound):
			logger.Debug("No profile for user", slog.String("user_id", ev.Meta.UserID))
		case err != nil:
			logger.Warn("Failed to load profile", slog.Any("error", err))
		default:
			ev.Profile = profile
		}
	}

	for _, ch := range n.channels {
		if err := n.deliver(ctx, ch, ev); err != nil {
			n.metrics.NotificationFailed(ch.Name())
			logger.Warn("Notification delivery failed",
				slog.String("channel", ch.Name()),
				slog.Any("error", err),
			)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, ch Channel, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return ch.Deliver(ctx, ev)
}

// Profiles reads the profiles table.
type Profiles struct {
	db *sqlx.DB
}

// NewProfiles creates a profile store.
func NewProfiles(db *sqlx.DB) *Profiles {
	return &Profiles{db: db}
}

// GetProfile returns the profile of userID.
func (p *Profiles) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var profile Profile
	err := p.db.GetContext(ctx, &profile,
		`SELECT id, email, full_name, credits, email_notifications FROM profiles WHERE id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &profile, nil
}

// ServiceLabel returns the product name shown to users.
func ServiceLabel(service string) string {
	switch service {
	case domain.ServiceVirtualStaging:
		return "Virtual Staging"
	case domain.ServiceDeclutter:
		return "Limpeza Virtual"
	case domain.ServicePhotoEnhance:
		return "Foto Turbinada"
	default:
		return service
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
