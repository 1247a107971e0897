package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trap-cli/internal/config"
	"github.com/sells-group/trap-cli/internal/store"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		OrphanRateThreshold: 0.25,
		MinMeanDatapoints:   1.5,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &Snapshot{
		Stats:          store.Stats{Images: 10, Detections: 1000, DetectionEdges: 950, RunningSources: 100},
		Unassociated:   50,
		OrphanRate:     0.05,
		MeanDatapoints: 9.5,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_OrphanRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &Snapshot{
		Stats:          store.Stats{Images: 4, Detections: 200, DetectionEdges: 120, RunningSources: 30},
		Unassociated:   80,
		OrphanRate:     0.4,
		MeanDatapoints: 4,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertOrphanRate, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_LowDatapoints(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &Snapshot{
		Stats:          store.Stats{Images: 5, Detections: 60, DetectionEdges: 60, RunningSources: 60},
		MeanDatapoints: 1,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLowDatapoints, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "1.00 below 1.50")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &Snapshot{
		Stats:          store.Stats{Images: 3, Detections: 300, DetectionEdges: 100, RunningSources: 100},
		Unassociated:   200,
		OrphanRate:     0.66,
		MeanDatapoints: 1,
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 2)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertOrphanRate])
	assert.True(t, types[AlertLowDatapoints])
}

func TestAlerter_Evaluate_MinimumPopulation(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	// Too few detections and sources for either rate to mean anything.
	snap := &Snapshot{
		Stats:          store.Stats{Images: 2, Detections: 10, DetectionEdges: 2, RunningSources: 2},
		Unassociated:   8,
		OrphanRate:     0.8,
		MeanDatapoints: 1,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_SingleImage(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	// One epoch cannot produce more than one datapoint per source.
	snap := &Snapshot{
		Stats:          store.Stats{Images: 1, Detections: 500, DetectionEdges: 500, RunningSources: 500},
		MeanDatapoints: 1,
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_DisabledThresholds(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &Snapshot{
		Stats:          store.Stats{Images: 9, Detections: 900, DetectionEdges: 100, RunningSources: 100},
		Unassociated:   800,
		OrphanRate:     0.9,
		MeanDatapoints: 1,
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestStoreUnavailable(t *testing.T) {
	alert := StoreUnavailable(errors.New("connection refused"))
	assert.Equal(t, AlertStoreUnavailable, alert.Type)
	assert.Equal(t, "critical", alert.Severity)
	assert.Contains(t, alert.Message, "connection refused")
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertOrphanRate, Severity: "medium", Message: "test alert 1"},
		{Type: AlertLowDatapoints, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertOrphanRate, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertOrphanRate, Message: "test"}})
	assert.Equal(t, 0, sent)
}
