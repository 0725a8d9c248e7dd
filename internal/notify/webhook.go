// Package notify delivers budget alerts to external webhook endpoints.
// Payloads are signed with HMAC-SHA256 when a secret is configured so
// receivers can verify authenticity.
package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

// WebhookSink posts every budget alert to a webhook URL. It implements
// the budget monitor's AlertSink interface; delivery failures are logged
// and never propagate into the spending path.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSink creates a sink for the given URL. An empty secret
// disables signing.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Handle posts the alert. Synchronous by contract with the monitor; the
// HTTP client timeout bounds the stall.
func (s *WebhookSink) Handle(alert models.BudgetAlert) {
	body, err := json.Marshal(alert)
	if err != nil {
		log.Error().Err(err).Msg("marshal budget alert")
		return
	}

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Str("url", s.url).Msg("build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set("X-Signature-256", "sha256="+sign(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", s.url).Msg("budget alert webhook failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warn().
			Int("status", resp.StatusCode).
			Str("url", s.url).
			Str("tenant_id", alert.TenantID).
			Msg("budget alert webhook rejected")
		return
	}
	log.Debug().
		Str("tenant_id", alert.TenantID).
		Str("type", string(alert.Type)).
		Msg("budget alert delivered")
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
