package notify

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	htmltpl "html/template"
	"strings"
	texttpl "text/template"

	"github.com/wneessen/go-mail"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// One template per file so the "subject" blocks do not collide.
var (
	completedHTML = htmltpl.Must(htmltpl.ParseFS(templateFS, "templates/job_completed.html.tmpl"))
	completedText = texttpl.Must(texttpl.ParseFS(templateFS, "templates/job_completed.txt.tmpl"))
	failedHTML    = htmltpl.Must(htmltpl.ParseFS(templateFS, "templates/job_failed.html.tmpl"))
	failedText    = texttpl.Must(texttpl.ParseFS(templateFS, "templates/job_failed.txt.tmpl"))
)

// SMTPConfig holds SMTP connection parameters.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	TLSPolicy string
}

// mailer sends one multipart message.
type mailer interface {
	Send(ctx context.Context, to, subject, htmlBody, textBody string) error
}

// Email sends outcome emails to users who have not opted out.
type Email struct {
	mailer mailer
	brand  string
	appURL string
}

// NewEmail creates the email channel backed by SMTP.
func NewEmail(cfg SMTPConfig, brand, appURL string) *Email {
	return newEmail(&smtpMailer{cfg: cfg}, brand, appURL)
}

func newEmail(m mailer, brand, appURL string) *Email {
	return &Email{mailer: m, brand: brand, appURL: appURL}
}

func (c *Email) Name() string { return "email" }

// emailData is the template context.
type emailData struct {
	Brand        string
	Name         string
	ServiceLabel string
	GalleryURL   string
	Attempts     int
	Year         int
}

func (c *Email) Deliver(ctx context.Context, ev Event) error {
	p := ev.Profile
	if p == nil || p.Email == "" || !p.EmailNotifications {
		return nil
	}

	data := emailData{
		Brand:        c.brand,
		Name:         p.DisplayName(),
		ServiceLabel: ServiceLabel(ev.Meta.Service),
		GalleryURL:   galleryURL(c.appURL),
		Attempts:     ev.Meta.Attempts,
		Year:         ev.OccurredAt.Year(),
	}

	var (
		subject, html, text string
		err                 error
	)
	switch ev.Kind {
	case KindCompleted:
		subject, html, text, err = render(completedHTML, completedText, data)
	case KindFailed:
		subject, html, text, err = render(failedHTML, failedText, data)
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if err != nil {
		return err
	}

	return c.mailer.Send(ctx, p.Email, subject, html, text)
}

func render(html *htmltpl.Template, text *texttpl.Template, data emailData) (string, string, string, error) {
	var subject bytes.Buffer
	if err := text.ExecuteTemplate(&subject, "subject", data); err != nil {
		return "", "", "", fmt.Errorf("render subject: %w", err)
	}

	var htmlBody bytes.Buffer
	if err := html.Execute(&htmlBody, data); err != nil {
		return "", "", "", fmt.Errorf("render html: %w", err)
	}

	var textBody bytes.Buffer
	if err := text.Execute(&textBody, data); err != nil {
		return "", "", "", fmt.Errorf("render text: %w", err)
	}

	return sanitizeSubject(subject.String()), htmlBody.String(), textBody.String(), nil
}

// sanitizeSubject strips CR/LF to prevent header injection.
func sanitizeSubject(s string) string {
	return strings.TrimSpace(strings.NewReplacer("\r", "", "\n", " ").Replace(s))
}

type smtpMailer struct {
	cfg SMTPConfig
}

// Send dials per message; outcome emails are sporadic.
func (m *smtpMailer) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	msg, err := buildMessage(m.cfg.From, to, subject, htmlBody, textBody)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(m.cfg.Host, clientOptions(m.cfg)...)
	if err != nil {
		return fmt.Errorf("email send: create client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

func buildMessage(from, to, subject, htmlBody, textBody string) (*mail.Msg, error) {
	if to == "" {
		return nil, errors.New("email send: no recipient")
	}

	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("email send: set from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("email send: set to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, textBody)
	msg.AddAlternativeString(mail.TypeTextHTML, htmlBody)
	return msg, nil
}

func clientOptions(cfg SMTPConfig) []mail.Option {
	// The TLS policy option also picks a default port, so the explicit port
	// goes after it.
	opts := []mail.Option{mail.WithTLSPortPolicy(tlsPolicy(cfg.TLSPolicy))}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	return opts
}

func tlsPolicy(name string) mail.TLSPolicy {
	switch strings.ToLower(name) {
	case "none":
		return mail.NoTLS
	case "opportunistic":
		return mail.TLSOpportunistic
	default:
		return mail.TLSMandatory
	}
}
