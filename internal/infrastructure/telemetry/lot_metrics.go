package telemetry

import (
	"context"
	"time"

	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"go.opentelemetry.io/otel/metric"
)

// LotMetrics records lease and reconciliation instruments.
// It satisfies the application Recorder.
type LotMetrics struct {
	registrations *Counter
	finishes      *Counter
	reconciled    *Counter
	batchDuration *Histogram
	sweeps        *Counter
	sweepDuration *Histogram
}

// NewLotMetrics creates the lot instruments on meter
func NewLotMetrics(meter metric.Meter) (*LotMetrics, error) {
	var (
		m   LotMetrics
		err error
	)
	if m.registrations, err = NewCounter(meter, "fiscal_lot_registrations_total", "Lease registrations by outcome", "{registration}"); err != nil {
		return nil, err
	}
	if m.finishes, err = NewCounter(meter, "fiscal_lot_finishes_total", "Lease completions", "{finish}"); err != nil {
		return nil, err
	}
	if m.reconciled, err = NewCounter(meter, "fiscal_lot_reconciled_total", "Documents reconciled by outcome", "{document}"); err != nil {
		return nil, err
	}
	if m.batchDuration, err = NewHistogram(meter, "fiscal_lot_batch_duration_seconds", "Batch reconciliation duration", "s", BatchDurationBuckets...); err != nil {
		return nil, err
	}
	if m.sweeps, err = NewCounter(meter, "fiscal_lot_sweeps_total", "Sweep runs", "{sweep}"); err != nil {
		return nil, err
	}
	if m.sweepDuration, err = NewHistogram(meter, "fiscal_lot_sweep_duration_seconds", "Sweep duration", "s", BatchDurationBuckets...); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *LotMetrics) RecordRegistration(ctx context.Context, family fiscal.Family, outcome string) {
	m.registrations.Inc(ctx, AttrFamily.String(string(family)), AttrOutcome.String(outcome))
}

func (m *LotMetrics) RecordFinish(ctx context.Context, family fiscal.Family, success, applied bool) {
	m.finishes.Inc(ctx, AttrFamily.String(string(family)), AttrSuccess.Bool(success), AttrApplied.Bool(applied))
}

func (m *LotMetrics) RecordReconcile(ctx context.Context, family fiscal.Family, succeeded, failed int, elapsed time.Duration) {
	fam := AttrFamily.String(string(family))
	if succeeded > 0 {
		m.reconciled.Add(ctx, int64(succeeded), fam, AttrOutcome.String("succeeded"))
	}
	if failed > 0 {
		m.reconciled.Add(ctx, int64(failed), fam, AttrOutcome.String("failed"))
	}
	m.batchDuration.RecordDuration(ctx, elapsed, fam)
}

// RecordSweep counts one sweep run; outcome is "completed", "skipped" or "failed".
func (m *LotMetrics) RecordSweep(ctx context.Context, outcome string, elapsed time.Duration) {
	attr := AttrOutcome.String(outcome)
	m.sweeps.Inc(ctx, attr)
	if outcome != "skipped" {
		m.sweepDuration.RecordDuration(ctx, elapsed, attr)
	}
}

