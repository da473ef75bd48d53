package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeSafetyAbort  AlertType = "safety_abort"
	AlertTypeStateCorrupt AlertType = "state_corrupt"
	AlertTypeCycleError   AlertType = "cycle_error"
	AlertTypeRecovery     AlertType = "recovery"
)

// Alert represents a notification alert for one mapping.
type Alert struct {
	Type      AlertType
	MappingID string
	Message   string
	Details   string
	Timestamp time.Time
}

// Config holds notification configuration.
type Config struct {
	WebhookURL string

	// CooldownPeriod suppresses repeat alerts for the same mapping.
	CooldownPeriod time.Duration
}

// Notifier sends alert notifications to a webhook endpoint.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client

	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
	failing        map[string]bool
}

// New creates a new Notifier.
func New(cfg *Config) *Notifier {
	return &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		lastAlertTimes: make(map[string]time.Time),
		failing:        make(map[string]bool),
	}
}

// IsEnabled returns true if a webhook endpoint is configured.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookURL != ""
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.WebhookURL != "" {
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return fmt.Errorf("invalid webhook URL: %w", err)
		}
	}
	if cfg.CooldownPeriod < time.Minute {
		return fmt.Errorf("cooldown period must be at least 1 minute")
	}
	return nil
}

// validateWebhookURL validates that the webhook URL is safe to use.
func validateWebhookURL(webhookURL string) error {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Scheme != "https" {
		return fmt.Errorf("webhook URL must use HTTPS")
	}

	// Block localhost and internal hostnames to prevent SSRF
	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return fmt.Errorf("webhook URL cannot point to localhost")
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("webhook URL cannot point to internal hosts")
	}

	return nil
}

// SendFailureAlert reports a failed mapping cycle. Returns true if the alert
// was dispatched, false when the mapping is still in its cooldown window.
func (n *Notifier) SendFailureAlert(ctx context.Context, alertType AlertType, mappingID, message, details string) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	if n.failing[mappingID] {
		if last, ok := n.lastAlertTimes[mappingID]; ok && time.Since(last) < n.cfg.CooldownPeriod {
			n.mu.Unlock()
			return false
		}
	}
	n.failing[mappingID] = true
	n.lastAlertTimes[mappingID] = time.Now()
	n.mu.Unlock()

	alert := Alert{
		Type:      alertType,
		MappingID: mappingID,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}

	// Send in background to not block the sync loop
	go n.send(ctx, alert)
	return true
}

// SendRecoveryAlert reports that a previously failing mapping completed a
// clean cycle. No-op when the mapping was not in a failing state.
func (n *Notifier) SendRecoveryAlert(ctx context.Context, mappingID string) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	wasFailing := n.failing[mappingID]
	if wasFailing {
		delete(n.failing, mappingID)
		delete(n.lastAlertTimes, mappingID)
	}
	n.mu.Unlock()

	if !wasFailing {
		return false
	}

	alert := Alert{
		Type:      AlertTypeRecovery,
		MappingID: mappingID,
		Message:   fmt.Sprintf("Mapping '%s' has recovered", mappingID),
		Details:   "Cycles are completing normally again",
		Timestamp: time.Now(),
	}

	go n.send(ctx, alert)
	return true
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType string `json:"alert_type"`
	MappingID string `json:"mapping_id"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
	// Slack-compatible field
	Text string `json:"text,omitempty"`
}

func (n *Notifier) send(ctx context.Context, alert Alert) {
	if err := n.sendWebhook(ctx, alert); err != nil {
		log.Printf("[Notify] Webhook error: %v", err)
	}
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	emoji := ":warning:"
	if alert.Type == AlertTypeRecovery {
		emoji = ":white_check_mark:"
	}

	payload := WebhookPayload{
		AlertType: string(alert.Type),
		MappingID: alert.MappingID,
		Message:   alert.Message,
		Details:   alert.Details,
		Timestamp: alert.Timestamp.Format(time.RFC3339),
		Text:      fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
