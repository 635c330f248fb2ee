package anchorage

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.editApplied(PathLocal)
		m.editSkipped()
		m.instructionDropped(DropDuplicate)
		m.componentCommitFailed("x")
	})
}

func TestNewMetricsRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestEditPathsAreCounted(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	lib := newTestLibrary(t, LibraryOptions{Metrics: metrics})

	local := newTestDocument(t, lib, "abc")
	shared, err := lib.CreateDocument(ctx, DocumentOptions{Content: "abc", Shared: true})
	require.NoError(t, err)

	require.NoError(t, lib.Mutate(ctx, local.ID(), func(m *Mutation) error { return m.Insert(0, "x") }))
	require.NoError(t, lib.Mutate(ctx, shared.ID(), func(m *Mutation) error { return m.Delete(0, 1) }))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.editsApplied.WithLabelValues(PathLocal)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.editsApplied.WithLabelValues(PathShared)))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.editsApplied))

	n, err := testutil.GatherAndCount(reg, "anchorage_edits_applied_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
