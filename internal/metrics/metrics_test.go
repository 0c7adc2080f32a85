package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func TestRecordJobLifecycle(t *testing.T) {
	before := getCounterValue(JobsTotal, "succeeded")
	active := getGaugeValue(JobsActive)

	RecordJobStarted()
	if got := getGaugeValue(JobsActive); got != active+1 {
		t.Fatalf("active after start = %v, want %v", got, active+1)
	}

	RecordJobTerminal("succeeded", 3*time.Second)
	RecordJobFinished()
	if got := getCounterValue(JobsTotal, "succeeded"); got != before+1 {
		t.Fatalf("jobs_total = %v, want %v", got, before+1)
	}
	if got := getGaugeValue(JobsActive); got != active {
		t.Fatalf("active after finish = %v, want %v", got, active)
	}
}

func TestRecordTokensByKind(t *testing.T) {
	prompt := getCounterValue(TokensTotal, "test-model", "prompt")
	completion := getCounterValue(TokensTotal, "test-model", "completion")

	RecordTokens("test-model", 120, 45)

	if got := getCounterValue(TokensTotal, "test-model", "prompt"); got != prompt+120 {
		t.Fatalf("prompt tokens = %v, want %v", got, prompt+120)
	}
	if got := getCounterValue(TokensTotal, "test-model", "completion"); got != completion+45 {
		t.Fatalf("completion tokens = %v, want %v", got, completion+45)
	}
}

func TestReadinessGauges(t *testing.T) {
	SetEmbedderReady(true)
	if getGaugeValue(EmbedderReady) != 1 {
		t.Fatal("embedder gauge should be 1")
	}
	SetEmbedderReady(false)
	if getGaugeValue(EmbedderReady) != 0 {
		t.Fatal("embedder gauge should be 0")
	}

	SetDBReady(true)
	if getGaugeValue(DBReady) != 1 {
		t.Fatal("db gauge should be 1")
	}
}

func TestTextHandlerServesRegistry(t *testing.T) {
	RecordSearch("hybrid")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	TextHandler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "quaesitor_searches_total") {
		t.Fatalf("exposition missing quaesitor_searches_total:\n%s", body)
	}
}
