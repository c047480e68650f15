package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	want := attribute.NewSet(attrs...)
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) {
			return dp.Value
		}
	}
	return 0
}

func newTestMetrics(t *testing.T) (*LotMetrics, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	m, err := NewLotMetrics(provider.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func TestLotMetrics_Registration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRegistration(ctx, fiscal.FamilyInvoice, "created")
	m.RecordRegistration(ctx, fiscal.FamilyInvoice, "created")
	m.RecordRegistration(ctx, fiscal.FamilyCreditNote, "conflict")

	got := collect(t, reader)
	regs := got["fiscal_lot_registrations_total"]
	assert.Equal(t, int64(2), sumFor(t, regs, AttrFamily.String("01"), AttrOutcome.String("created")))
	assert.Equal(t, int64(1), sumFor(t, regs, AttrFamily.String("91"), AttrOutcome.String("conflict")))
}

func TestLotMetrics_Reconcile(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordReconcile(ctx, fiscal.FamilyDebitNote, 2, 1, 3*time.Second)

	got := collect(t, reader)
	rec := got["fiscal_lot_reconciled_total"]
	assert.Equal(t, int64(2), sumFor(t, rec, AttrFamily.String("92"), AttrOutcome.String("succeeded")))
	assert.Equal(t, int64(1), sumFor(t, rec, AttrFamily.String("92"), AttrOutcome.String("failed")))

	hist, ok := got["fiscal_lot_batch_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.InDelta(t, 3.0, hist.DataPoints[0].Sum, 0.001)
}

func TestLotMetrics_SkippedSweepHasNoDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSweep(ctx, "skipped", time.Second)

	got := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, got["fiscal_lot_sweeps_total"], AttrOutcome.String("skipped")))
	_, recorded := got["fiscal_lot_sweep_duration_seconds"]
	assert.False(t, recorded)
}

func TestProviders_DisabledAreNoop(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	cfg := Config{Enabled: false, ServiceName: "fiscalsync"}

	tp, err := NewTracerProvider(ctx, cfg, logger)
	require.NoError(t, err)
	assert.False(t, tp.IsEnabled())
	assert.NotNil(t, tp.Tracer("x"))
	assert.NoError(t, tp.Shutdown(ctx))

	mp, err := NewMeterProvider(ctx, cfg, 0, logger)
	require.NoError(t, err)
	_, err = NewLotMetrics(mp.Meter("x"))
	assert.NoError(t, err)
	assert.NoError(t, mp.Shutdown(ctx))

	lp, err := NewLoggerProvider(ctx, cfg, logger)
	require.NoError(t, err)
	assert.False(t, lp.IsEnabled())
	assert.Same(t, logger, lp.Bridge(logger, "fiscalsync", zapcore.InfoLevel))
}

func TestLevelFilterCore(t *testing.T) {
	inner, logs := observer.New(zapcore.DebugLevel)
	core := &levelFilterCore{Core: inner, minLevel: zapcore.WarnLevel}
	logger := zap.New(core).With(zap.String("svc", "x"))

	logger.Info("dropped")
	logger.Warn("kept")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "kept", logs.All()[0].Message)
}

func TestSamplerFor(t *testing.T) {
	assert.Contains(t, samplerFor(1).Description(), "AlwaysOn")
	assert.Contains(t, samplerFor(0).Description(), "AlwaysOff")
	assert.Contains(t, samplerFor(0.5).Description(), "ParentBased")
}
