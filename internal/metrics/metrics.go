package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neurotatarlar/gec-annotation-platform/internal/texts"
)

const namespace = "gec"

// Recorder publishes annotation workflow counters to a Prometheus registry.
type Recorder struct {
	gatherer prometheus.Gatherer

	assignments   *prometheus.CounterVec
	saves         *prometheus.CounterVec
	savedItems    prometheus.Counter
	submissions   *prometheus.CounterVec
	locksReleased prometheus.Counter
	flags         *prometheus.CounterVec
	renderLatency prometheus.Histogram
}

var _ texts.Recorder = (*Recorder)(nil)

// NewRecorder registers the workflow metrics on a fresh registry that also carries the Go and process collectors.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return NewRecorderWith(registry, registry)
}

// NewRecorderWith registers the workflow metrics on the provided registerer.
func NewRecorderWith(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Recorder {
	factory := promauto.With(registerer)
	return &Recorder{
		gatherer: gatherer,
		assignments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "requests_total",
			Help:      "Next-text requests by outcome (assigned, resumed, empty).",
		}, []string{"outcome"}),
		saves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "annotations",
			Name:      "saves_total",
			Help:      "Annotation batch saves by outcome (saved, rejected).",
		}, []string{"outcome"}),
		savedItems: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "annotations",
			Name:      "saved_items_total",
			Help:      "Edit items contained in accepted batches.",
		}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "submissions_total",
			Help:      "Task submissions, labelled by whether the text reached its threshold.",
		}, []string{"completed"}),
		locksReleased: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "expired_locks_released_total",
			Help:      "Text locks cleared after their TTL elapsed.",
		}),
		flags: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "texts",
			Name:      "flags_total",
			Help:      "Texts flagged out of circulation by flag type.",
		}, []string{"flag_type"}),
		renderLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "duration_seconds",
			Help:      "Corrected-text preview latency.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

func (r *Recorder) AssignmentServed(outcome string) {
	r.assignments.WithLabelValues(outcome).Inc()
}

func (r *Recorder) AnnotationsSaved(outcome string, count int) {
	r.saves.WithLabelValues(outcome).Inc()
	if outcome == texts.OutcomeSaved && count > 0 {
		r.savedItems.Add(float64(count))
	}
}

func (r *Recorder) Submitted(completed bool) {
	label := "false"
	if completed {
		label = "true"
	}
	r.submissions.WithLabelValues(label).Inc()
}

func (r *Recorder) LocksReleased(count int64) {
	if count > 0 {
		r.locksReleased.Add(float64(count))
	}
}

func (r *Recorder) Flagged(flagType texts.FlagType) {
	r.flags.WithLabelValues(string(flagType)).Inc()
}

// ObserveRender records how long a preview render took.
func (r *Recorder) ObserveRender(elapsed time.Duration) {
	r.renderLatency.Observe(elapsed.Seconds())
}

// Handler exposes the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
