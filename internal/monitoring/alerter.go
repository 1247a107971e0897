package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/trap-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertOrphanRate       AlertType = "orphan_rate"
	AlertLowDatapoints    AlertType = "low_datapoints"
	AlertStoreUnavailable AlertType = "store_unavailable"
)

// Minimum population before rate alerts fire.
const (
	minDetectionsForRate   = 100
	minSourcesForDatapoint = 50
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// A high share of detections without a running source means forced-null
	// fits are landing where nothing was ever seen.
	if a.cfg.OrphanRateThreshold > 0 && snap.Stats.Detections >= minDetectionsForRate &&
		snap.OrphanRate > a.cfg.OrphanRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertOrphanRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Unassociated detections %.1f%% exceed threshold %.1f%% (%d of %d)",
				snap.OrphanRate*100, a.cfg.OrphanRateThreshold*100,
				snap.Unassociated, snap.Stats.Detections,
			),
			Details: map[string]any{
				"orphan_rate":  snap.OrphanRate,
				"threshold":    a.cfg.OrphanRateThreshold,
				"unassociated": snap.Unassociated,
				"detections":   snap.Stats.Detections,
			},
			Timestamp: now,
		})
	}

	// Running sources that never grow past one datapoint usually mean the
	// search radius or De Ruiter cutoff is too tight.
	if a.cfg.MinMeanDatapoints > 0 && snap.Stats.RunningSources >= minSourcesForDatapoint &&
		snap.Stats.Images > 1 && snap.MeanDatapoints < a.cfg.MinMeanDatapoints {
		alerts = append(alerts, Alert{
			Type:     AlertLowDatapoints,
			Severity: "high",
			Message: fmt.Sprintf(
				"Mean datapoints per running source %.2f below %.2f across %d images",
				snap.MeanDatapoints, a.cfg.MinMeanDatapoints, snap.Stats.Images,
			),
			Details: map[string]any{
				"mean_datapoints": snap.MeanDatapoints,
				"threshold":       a.cfg.MinMeanDatapoints,
				"running_sources": snap.Stats.RunningSources,
				"images":          snap.Stats.Images,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// StoreUnavailable builds the alert raised when a snapshot cannot be taken.
func StoreUnavailable(err error) Alert {
	return Alert{
		Type:      AlertStoreUnavailable,
		Severity:  "critical",
		Message:   "Association store unavailable: " + err.Error(),
		Timestamp: time.Now().UTC(),
	}
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
