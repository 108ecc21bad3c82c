package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

// InApp writes a row to user_notifications.
type InApp struct {
	db     *sqlx.DB
	appURL string
}

// NewInApp creates the in-app channel. appURL is used for gallery links.
func NewInApp(db *sqlx.DB, appURL string) *InApp {
	return &InApp{db: db, appURL: appURL}
}

func (c *InApp) Name() string { return "in_app" }

// inAppRow mirrors user_notifications columns.
type inAppRow struct {
	UserID   string `db:"user_id"`
	Type     string `db:"type"`
	Title    string `db:"title"`
	Message  string `db:"message"`
	Link     string `db:"link"`
	Metadata string `db:"metadata"`
}

func (c *InApp) Deliver(ctx context.Context, ev Event) error {
	if ev.Meta.UserID == "" {
		return nil
	}

	row, err := c.build(ev)
	if err != nil {
		return err
	}

	_, err = c.db.NamedExecContext(ctx, `
		INSERT INTO user_notifications (user_id, type, title, message, link, metadata)
		VALUES (:user_id, :type, :title, :message, :link, CAST(:metadata AS jsonb))`, row)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (c *InApp) build(ev Event) (*inAppRow, error) {
	row := &inAppRow{
		UserID: ev.Meta.UserID,
		Link:   galleryURL(c.appURL),
	}

	var metadata map[string]any
	switch ev.Kind {
	case KindCompleted:
		row.Type = "processing_complete"
		row.Title = "Virtual Staging complete!"
		if ev.Meta.Service == domain.ServicePhotoEnhance {
			row.Title = "Foto Turbinada ready!"
		}
		row.Message = fmt.Sprintf("Your job (#%s) finished successfully!", shortID(ev.Meta.JobID))
		serviceType := "staging"
		if ev.Meta.Service == domain.ServicePhotoEnhance {
			serviceType = "foto"
		}
		metadata = map[string]any{"service_type": serviceType, "job_id": ev.Meta.JobID}
	case KindFailed:
		row.Type = "system"
		row.Title = "Processing failed"
		row.Message = fmt.Sprintf("We could not process your job (#%s) after %d attempt(s).", shortID(ev.Meta.JobID), ev.Meta.Attempts)
		metadata = map[string]any{"service": ev.Meta.Service, "job_id": ev.Meta.JobID}
	default:
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification metadata: %w", err)
	}
	row.Metadata = string(data)
	return row, nil
}

func galleryURL(appURL string) string {
	return strings.TrimRight(appURL, "/") + "/gallery"
}
