package anchorage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Edit paths reported by the edits applied counter.
const (
	PathLocal  = "local"
	PathShared = "shared"
	PathRemote = "remote"
)

// Reasons reported by the dropped instructions counter.
const (
	DropUnresolvable = "unresolvable"
	DropDuplicate    = "duplicate"
	DropOwnOrigin    = "own_origin"
	DropMalformed    = "malformed"
	DropRejected     = "rejected"
)

// Metrics holds the library's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	// editsApplied counts non-identity edits expanded into the store.
	// Labels:
	//   - path: "local", "shared" or "remote"
	editsApplied *prometheus.CounterVec

	// editsSkipped counts identity edits short-circuited before expansion.
	editsSkipped prometheus.Counter

	// instructionsDropped counts received shared instructions that were not applied.
	// Labels:
	//   - reason: "unresolvable", "duplicate", "own_origin", "malformed" or "rejected"
	instructionsDropped *prometheus.CounterVec

	// componentCommitFailures counts OnCommit hooks that returned an error or panicked.
	// Labels:
	//   - component: component key
	componentCommitFailures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		editsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anchorage_edits_applied_total",
				Help: "Total number of edits applied to documents",
			},
			[]string{"path"},
		),
		editsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "anchorage_edits_skipped_total",
				Help: "Total number of identity edits skipped",
			},
		),
		instructionsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anchorage_instructions_dropped_total",
				Help: "Total number of received shared instructions dropped",
			},
			[]string{"reason"},
		),
		componentCommitFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anchorage_component_commit_failures_total",
				Help: "Total number of failed component commit hooks",
			},
			[]string{"component"},
		),
	}

	for _, c := range []prometheus.Collector{m.editsApplied, m.editsSkipped, m.instructionsDropped, m.componentCommitFailures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) editApplied(path string) {
	if m != nil {
		m.editsApplied.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) editSkipped() {
	if m != nil {
		m.editsSkipped.Inc()
	}
}

func (m *Metrics) instructionDropped(reason string) {
	if m != nil {
		m.instructionsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) componentCommitFailed(key ComponentKey) {
	if m != nil {
		m.componentCommitFailures.WithLabelValues(string(key)).Inc()
	}
}
