package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/spigell/hh-sieve/internal/filtering"
)

func TestEngineCounters(t *testing.T) {
	m := New()

	m.RunFinished("ok", time.Second)
	m.Outcomes(filtering.StatusAccepted, 3)
	m.Outcomes(filtering.StatusErrored, 2)
	m.ChunkFinished(true)
	m.ChunkFinished(false)
	m.Retried("rate_limit")
	m.PersistFailed(2)

	if got := testutil.ToFloat64(m.outcomes.WithLabelValues("accepted")); got != 3 {
		t.Fatalf("unexpected accepted count %v", got)
	}
	if got := testutil.ToFloat64(m.chunks.WithLabelValues("failed")); got != 1 {
		t.Fatalf("unexpected failed chunk count %v", got)
	}
	if got := testutil.ToFloat64(m.persistFailures); got != 2 {
		t.Fatalf("unexpected persist failures %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`hh_sieve_runs_total{reason="ok"} 1`,
		`hh_sieve_classifier_retries_total{kind="rate_limit"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}
