// Package notifications pushes created alerts to Slack and email. It wraps
// the alert sink so notification failures never reach the risk pipeline.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/docrisk/internal/anomaly"
	"github.com/sentinelsec/docrisk/internal/models"
)

// Config holds notification configuration.
type Config struct {
	MinSeverity models.Severity
	Slack       SlackConfig
	Email       EmailConfig
}

// SlackConfig holds Slack webhook configuration.
type SlackConfig struct {
	Enabled    bool
	WebhookURL string
	Channel    string
}

// EmailConfig holds SMTP configuration.
type EmailConfig struct {
	Enabled  bool
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
	To       []string
}

// Notifier decorates an alert sink: every alert is stored first, then pushed
// to the enabled channels when it meets the severity floor. Channel failures
// are logged and swallowed.
type Notifier struct {
	sink   anomaly.AlertSink
	config Config
	logger *slog.Logger
	client *http.Client
}

// NewNotifier wraps sink with channel delivery.
func NewNotifier(sink anomaly.AlertSink, config Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MinSeverity == "" {
		config.MinSeverity = models.SeverityHigh
	}

	return &Notifier{
		sink:   sink,
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateAlert stores the alert and fans it out to the enabled channels.
func (n *Notifier) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if err := n.sink.CreateAlert(ctx, alert); err != nil {
		return err
	}

	if !n.shouldNotify(alert.Severity) {
		return nil
	}

	if n.config.Slack.Enabled {
		if err := n.sendSlack(ctx, alert); err != nil {
			n.logger.Error("slack notification failed", "alert_id", alert.ID, "error", err)
		}
	}
	if n.config.Email.Enabled {
		if err := n.sendEmail(alert); err != nil {
			n.logger.Error("email notification failed", "alert_id", alert.ID, "error", err)
		}
	}

	return nil
}

// ResolveAlert passes through to the wrapped sink.
func (n *Notifier) ResolveAlert(ctx context.Context, id uuid.UUID) error {
	return n.sink.ResolveAlert(ctx, id)
}

func (n *Notifier) shouldNotify(actual models.Severity) bool {
	severityOrder := map[models.Severity]int{
		models.SeverityLow:      1,
		models.SeverityMedium:   2,
		models.SeverityHigh:     3,
		models.SeverityCritical: 4,
	}

	return severityOrder[actual] >= severityOrder[n.config.MinSeverity]
}

// slackMessage is the webhook payload.
type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []slackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (n *Notifier) sendSlack(ctx context.Context, alert *models.Alert) error {
	fields := []slackField{
		{Title: "User", Value: alert.UserID, Short: true},
		{Title: "Severity", Value: string(alert.Severity), Short: true},
		{Title: "Risk Score", Value: fmt.Sprintf("%.2f", alert.RiskScore), Short: true},
	}
	if alert.DocumentName != "" {
		fields = append(fields, slackField{Title: "Document", Value: alert.DocumentName, Short: true})
	}

	title := alertTitle(alert)
	msg := slackMessage{
		Channel: n.config.Slack.Channel,
		Attachments: []slackAttachment{
			{
				Color:     severityColor(alert.Severity),
				Title:     title,
				Text:      alert.Description,
				Fallback:  fmt.Sprintf("%s: %s", title, alert.Description),
				Fields:    fields,
				Footer:    "Document Risk Engine",
				Timestamp: alert.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	n.logger.Info("slack notification sent", "alert_type", alert.AlertType, "severity", alert.Severity)
	return nil
}

func (n *Notifier) sendEmail(alert *models.Alert) error {
	subject := fmt.Sprintf("[Risk Alert] %s", alertTitle(alert))
	body := n.formatEmailBody(alert)

	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", n.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(n.config.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	auth := smtp.PlainAuth("", n.config.Email.Username, n.config.Email.Password, n.config.Email.SMTPHost)
	addr := fmt.Sprintf("%s:%d", n.config.Email.SMTPHost, n.config.Email.SMTPPort)

	if err := smtp.SendMail(addr, auth, n.config.Email.From, n.config.Email.To, []byte(msg.String())); err != nil {
		return err
	}

	n.logger.Info("email notification sent",
		"alert_type", alert.AlertType,
		"severity", alert.Severity,
		"recipients", len(n.config.Email.To))
	return nil
}

func (n *Notifier) formatEmailBody(alert *models.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert:       %s\r\n", alert.AlertType)
	fmt.Fprintf(&b, "Severity:    %s\r\n", alert.Severity)
	fmt.Fprintf(&b, "User:        %s\r\n", alert.UserID)
	if alert.DocumentName != "" {
		fmt.Fprintf(&b, "Document:    %s\r\n", alert.DocumentName)
	}
	fmt.Fprintf(&b, "Risk score:  %.2f\r\n", alert.RiskScore)
	fmt.Fprintf(&b, "Time:        %s\r\n", alert.Timestamp.Format(time.RFC1123))
	fmt.Fprintf(&b, "\r\n%s\r\n", alert.Description)
	return b.String()
}

func alertTitle(alert *models.Alert) string {
	words := strings.Split(string(alert.AlertType), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func severityColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "#FF0000"
	case models.SeverityHigh:
		return "#FFA500"
	case models.SeverityMedium:
		return "#FFFF00"
	default:
		return "#36A64F"
	}
}
