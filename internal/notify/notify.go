// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

// Package notify defines the narrow interfaces the engine uses to reach
// the host platform's notification fabric, plus the one sender the engine
// owns outright: the alert webhook.
//
// Email, SMS, and in-app delivery belong to the host application; the
// engine only addresses them through Notifier. The dispatcher fans one
// alert out to every configured channel and reports which succeeded, so
// the monitor can record delivery on the alert itself.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/logging"
)

// Channel names recorded on delivered alerts.
const (
	ChannelInApp   = "in_app"
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
)

const webhookTimeout = 10 * time.Second

// Webhook deliveries are capped so a cascading failure cannot flood the
// receiving endpoint. Throttled alerts still land in the catalog.
const (
	webhookRateInterval = 10 * time.Second
	webhookRateBurst    = 5
)

// Recipient is one alert recipient resolved from the host's identity
// directory.
type Recipient struct {
	UserID string
	Email  string
	Phone  string
}

// IdentityDirectory enumerates who receives operational alerts.
type IdentityDirectory interface {
	PlatformAdministrators(ctx context.Context) ([]Recipient, error)
}

// Notifier is the host platform's delivery fabric.
type Notifier interface {
	CreateInApp(ctx context.Context, userID, title, body, actionURL string) error
	SendEmail(ctx context.Context, userID, template string, context map[string]any, subject string) error
	SendSMS(ctx context.Context, userID, body, kind string) error
}

// WebhookSender posts a JSON payload to an HTTP endpoint.
type WebhookSender interface {
	PostWebhook(ctx context.Context, url string, payload any) error
}

// HTTPWebhook posts alert payloads with a bounded timeout.
type HTTPWebhook struct {
	client *http.Client
}

// NewHTTPWebhook creates a webhook sender with the default 10 s timeout.
func NewHTTPWebhook() *HTTPWebhook {
	return &HTTPWebhook{client: &http.Client{Timeout: webhookTimeout}}
}

// PostWebhook sends payload as JSON. Any non-2xx response is an error.
func (h *HTTPWebhook) PostWebhook(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "custodius")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Best effort cleanup

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Dispatcher fans one alert out to every configured channel.
type Dispatcher struct {
	notifier   Notifier
	webhook    WebhookSender
	directory  IdentityDirectory
	webhookURL string
	limiter    *rate.Limiter
}

// NewDispatcher wires the delivery channels. notifier and directory may be
// nil when the host fabric is unavailable; webhookURL may be empty.
func NewDispatcher(notifier Notifier, webhook WebhookSender, directory IdentityDirectory, webhookURL string) *Dispatcher {
	return &Dispatcher{
		notifier:   notifier,
		webhook:    webhook,
		directory:  directory,
		webhookURL: webhookURL,
		limiter:    rate.NewLimiter(rate.Every(webhookRateInterval), webhookRateBurst),
	}
}

// allowWebhook applies the storm limiter. CRITICAL alerts always go out.
func (d *Dispatcher) allowWebhook(alert *catalog.Alert) bool {
	if alert.Severity == catalog.SeverityCritical {
		return true
	}
	if d.limiter.Allow() {
		return true
	}
	logging.Warn().Str("alert_id", alert.ID).Msg("Webhook delivery throttled")
	return false
}

// Dispatch delivers the alert on every available channel and returns the
// names of the channels that succeeded. Delivery failures are logged, never
// fatal: an alert that reaches one channel is an alert delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *catalog.Alert) []string {
	var delivered []string

	if d.webhook != nil && d.webhookURL != "" && d.allowWebhook(alert) {
		payload := map[string]any{
			"kind":       alert.Kind,
			"severity":   alert.Severity,
			"message":    alert.Message,
			"details":    alert.Details,
			"backup_id":  alert.BackupID,
			"restore_id": alert.RestoreID,
			"created_at": alert.CreatedAt,
		}
		if err := d.webhook.PostWebhook(ctx, d.webhookURL, payload); err != nil {
			logging.Warn().Err(err).Str("alert_id", alert.ID).Msg("Webhook delivery failed")
		} else {
			delivered = append(delivered, ChannelWebhook)
		}
	}

	if d.notifier == nil || d.directory == nil {
		return delivered
	}

	recipients, err := d.directory.PlatformAdministrators(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to resolve alert recipients")
		return delivered
	}

	title := fmt.Sprintf("[%s] %s", alert.Severity, alert.Kind)
	inApp, email, sms := false, false, false
	for _, r := range recipients {
		if err := d.notifier.CreateInApp(ctx, r.UserID, title, alert.Message, ""); err != nil {
			logging.Warn().Err(err).Str("user_id", r.UserID).Msg("In-app delivery failed")
		} else {
			inApp = true
		}
		if r.Email != "" {
			err := d.notifier.SendEmail(ctx, r.UserID, "backup_alert",
				map[string]any{"alert": alert}, title)
			if err != nil {
				logging.Warn().Err(err).Str("user_id", r.UserID).Msg("Email delivery failed")
			} else {
				email = true
			}
		}
		// SMS is reserved for pages that demand immediate attention
		if r.Phone != "" && alert.Severity == catalog.SeverityCritical {
			if err := d.notifier.SendSMS(ctx, r.UserID, alert.Message, "alert"); err != nil {
				logging.Warn().Err(err).Str("user_id", r.UserID).Msg("SMS delivery failed")
			} else {
				sms = true
			}
		}
	}
	if inApp {
		delivered = append(delivered, ChannelInApp)
	}
	if email {
		delivered = append(delivered, ChannelEmail)
	}
	if sms {
		delivered = append(delivered, ChannelSMS)
	}
	return delivered
}
