// Package hooks delivers worker events to user-registered webhooks. The
// automation engine's notify action and failure reporting go through here.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/torboard/torboard/internal/database"
)

type Manager struct {
	db         *database.DB
	httpClient *http.Client
}

func New(db *database.DB) *Manager {
	return &Manager{
		db:         db,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Emit delivers the event to every enabled webhook subscribed to its type.
// Delivery is fire-and-forget; failures are logged only.
func (m *Manager) Emit(ctx context.Context, event *Event) {
	webhooks, err := m.webhooksForEvent(event.Type)
	if err != nil {
		slog.Error("Failed to get webhooks", "error", err)
		return
	}
	for _, webhook := range webhooks {
		go m.deliver(ctx, webhook, event)
	}
}

func (m *Manager) webhooksForEvent(eventType string) ([]database.Webhook, error) {
	var webhooks []database.Webhook
	if err := m.db.Where("enabled = ?", true).Find(&webhooks).Error; err != nil {
		return nil, err
	}

	var matching []database.Webhook
	for _, wh := range webhooks {
		var events []string
		if json.Unmarshal([]byte(wh.Events), &events) != nil {
			continue
		}
		for _, e := range events {
			if e == eventType || e == "*" {
				matching = append(matching, wh)
				break
			}
		}
	}
	return matching, nil
}

func (m *Manager) deliver(ctx context.Context, webhook database.Webhook, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to marshal event", "error", err, "webhookID", webhook.ID)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(payload))
	if err != nil {
		slog.Error("Failed to create request", "error", err, "webhookID", webhook.ID)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Torboard/1.0")

	if len(webhook.Headers) > 0 {
		var headers map[string]string
		if json.Unmarshal(webhook.Headers, &headers) == nil {
			for k, v := range headers {
				req.Header.Set(k, v)
			}
		}
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		slog.Error("Webhook delivery failed", "error", err, "webhookID", webhook.ID)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.Warn("Webhook error", "status", resp.StatusCode, "webhookID", webhook.ID)
	}
}

func (m *Manager) CreateWebhook(name, url string, events []string) (*database.Webhook, error) {
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return nil, err
	}
	webhook := &database.Webhook{
		Name:    name,
		URL:     url,
		Events:  string(eventsJSON),
		Enabled: true,
	}
	if err := m.db.Create(webhook).Error; err != nil {
		return nil, err
	}
	return webhook, nil
}

func (m *Manager) ListWebhooks() ([]database.Webhook, error) {
	var webhooks []database.Webhook
	return webhooks, m.db.Find(&webhooks).Error
}

func AllEvents() []string {
	return []string{
		EventRuleExecuted,
		EventRuleFailed,
		EventRuleMatched,
		EventPollFailed,
	}
}

func IsValidEvent(event string) bool {
	if event == "*" {
		return true
	}
	for _, e := range AllEvents() {
		if strings.EqualFold(e, event) {
			return true
		}
	}
	return false
}
