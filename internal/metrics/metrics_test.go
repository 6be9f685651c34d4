package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/neurotatarlar/gec-annotation-platform/internal/texts"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	registry := prometheus.NewRegistry()
	return NewRecorderWith(registry, registry)
}

func TestRecorderCountsWorkflowEvents(t *testing.T) {
	recorder := newTestRecorder(t)

	recorder.AssignmentServed(texts.OutcomeAssigned)
	recorder.AssignmentServed(texts.OutcomeAssigned)
	recorder.AssignmentServed(texts.OutcomeEmpty)
	recorder.AnnotationsSaved(texts.OutcomeSaved, 3)
	recorder.AnnotationsSaved(texts.OutcomeRejected, 5)
	recorder.Submitted(true)
	recorder.LocksReleased(2)
	recorder.LocksReleased(0)
	recorder.Flagged(texts.FlagTypeTrash)

	if got := testutil.ToFloat64(recorder.assignments.WithLabelValues(texts.OutcomeAssigned)); got != 2 {
		t.Fatalf("expected two assignments, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.savedItems); got != 3 {
		t.Fatalf("expected rejected items to be excluded, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.submissions.WithLabelValues("true")); got != 1 {
		t.Fatalf("expected one completed submission, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.locksReleased); got != 2 {
		t.Fatalf("expected two released locks, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.flags.WithLabelValues("trash")); got != 1 {
		t.Fatalf("expected one trash flag, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	recorder := newTestRecorder(t)
	recorder.ObserveRender(3 * time.Millisecond)
	recorder.Flagged(texts.FlagTypeSkip)

	server := httptest.NewServer(recorder.Handler())
	defer server.Close()

	response, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("failed to scrape metrics: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read metrics: %v", err)
	}
	for _, name := range []string{"gec_render_duration_seconds_count 1", `gec_texts_flags_total{flag_type="skip"} 1`} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("expected %q in scrape output:\n%s", name, body)
		}
	}
}
