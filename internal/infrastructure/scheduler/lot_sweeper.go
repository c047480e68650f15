package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appfiscal "github.com/erp/fiscalsync/internal/application/fiscal"
	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sweepLockKey = "lot-sweep"

// Reconciler is the part of the lot service the sweeper drives
type Reconciler interface {
	Families() []fiscal.Family
	Candidates(ctx context.Context, family fiscal.Family, filter fiscal.CandidateFilter) ([]fiscal.Lease, error)
	ReconcileFamily(ctx context.Context, ids []string, family fiscal.Family) (*appfiscal.BatchReport, error)
}

// Locker guards a sweep against concurrent replicas
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// SweepRecorder receives sweep measurements
type SweepRecorder interface {
	RecordSweep(ctx context.Context, outcome string, elapsed time.Duration)
}

// SweeperConfig holds sweeper configuration
type SweeperConfig struct {
	Interval      time.Duration
	Location      *time.Location
	IncludeActive bool
	FamilyTimeout time.Duration
	LockTTL       time.Duration
}

// DefaultSweeperConfig returns the ten-minute Bogota schedule
func DefaultSweeperConfig() SweeperConfig {
	loc, err := time.LoadLocation("America/Bogota")
	if err != nil {
		loc = time.FixedZone("COT", -5*60*60)
	}
	return SweeperConfig{
		Interval:      10 * time.Minute,
		Location:      loc,
		IncludeActive: true,
		FamilyTimeout: 5 * time.Minute,
		LockTTL:       9 * time.Minute,
	}
}

// FamilySweep is the outcome of one family within a sweep
type FamilySweep struct {
	Family     fiscal.Family          `json:"family"`
	Candidates int                    `json:"candidates"`
	Report     *appfiscal.BatchReport `json:"report,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// SweepReport is the outcome of one sweep
type SweepReport struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Families   []FamilySweep `json:"families"`
}

// LotSweeper periodically resyncs leases stuck in Processing or Error.
type LotSweeper struct {
	config     SweeperConfig
	reconciler Reconciler
	lock       Locker
	recorder   SweepRecorder
	logger     *zap.Logger
	now        func() time.Time

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// LotSweeperOption configures a LotSweeper
type LotSweeperOption func(*LotSweeper)

// WithLock sets the sweep lock. Without one, sweeps in this process are still serialized.
func WithLock(l Locker) LotSweeperOption {
	return func(s *LotSweeper) {
		if l != nil {
			s.lock = l
		}
	}
}

// WithSweepRecorder sets the metrics recorder
func WithSweepRecorder(r SweepRecorder) LotSweeperOption {
	return func(s *LotSweeper) {
		s.recorder = r
	}
}

// WithClock overrides the wall clock
func WithClock(now func() time.Time) LotSweeperOption {
	return func(s *LotSweeper) {
		s.now = now
	}
}

// NewLotSweeper creates a sweeper
func NewLotSweeper(config SweeperConfig, reconciler Reconciler, logger *zap.Logger, opts ...LotSweeperOption) (*LotSweeper, error) {
	if config.Interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.LockTTL <= 0 {
		config.LockTTL = config.Interval
	}
	s := &LotSweeper{
		config:     config,
		reconciler: reconciler,
		lock:       &localLock{},
		logger:     logger.Named("lot_sweeper"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs the sweep loop in the background
func (s *LotSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.runLoop(ctx)

	s.logger.Info("Lot sweeper started",
		zap.Duration("interval", s.config.Interval),
		zap.String("timezone", s.config.Location.String()),
		zap.Bool("include_active", s.config.IncludeActive),
	)
	return nil
}

// Stop cancels the loop and waits for an in-flight sweep
func (s *LotSweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Lot sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the loop is active
func (s *LotSweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

func (s *LotSweeper) runLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		now := s.now()
		next := NextBoundary(now, s.config.Interval, s.config.Location)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.SweepNow(ctx); err != nil {
			if errors.Is(err, ErrSweepInProgress) {
				s.logger.Info("Sweep skipped, lock held elsewhere")
				continue
			}
			s.logger.Error("Sweep failed", zap.Error(err))
		}
	}
}

// SweepNow runs one sweep synchronously. Each family is reconciled independently;
// a family failure is recorded in its FamilySweep and never stops the others.
func (s *LotSweeper) SweepNow(ctx context.Context) (*SweepReport, error) {
	start := s.now()

	token, ok, err := s.lock.TryAcquire(ctx, sweepLockKey, s.config.LockTTL)
	if err != nil {
		s.record(ctx, "failed", time.Since(start))
		return nil, fmt.Errorf("sweep lock: %w", err)
	}
	if !ok {
		s.record(ctx, "skipped", 0)
		return nil, ErrSweepInProgress
	}
	defer func() {
		// the lock may have expired under a long sweep
		if err := s.lock.Release(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
			s.logger.Warn("Failed to release sweep lock", zap.Error(err))
		}
	}()

	report := &SweepReport{RunID: uuid.NewString(), StartedAt: start}
	log := s.logger.With(zap.String("run_id", report.RunID))

	for _, family := range s.reconciler.Families() {
		if ctx.Err() != nil {
			report.Families = append(report.Families, FamilySweep{Family: family, Error: ctx.Err().Error()})
			continue
		}
		report.Families = append(report.Families, s.sweepFamily(ctx, family, log))
	}

	report.FinishedAt = s.now()
	s.record(ctx, "completed", report.FinishedAt.Sub(start))
	log.Info("Sweep completed",
		zap.Int("families", len(report.Families)),
		zap.Duration("elapsed", report.FinishedAt.Sub(start)),
	)
	return report, nil
}

func (s *LotSweeper) sweepFamily(ctx context.Context, family fiscal.Family, log *zap.Logger) FamilySweep {
	result := FamilySweep{Family: family}
	log = log.With(zap.String("family", family.Label()))

	if s.config.FamilyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.FamilyTimeout)
		defer cancel()
	}

	leases, err := s.reconciler.Candidates(ctx, family, fiscal.CandidateFilter{IncludeActive: s.config.IncludeActive})
	if err != nil {
		log.Error("Failed to list sweep candidates", zap.Error(err))
		result.Error = err.Error()
		return result
	}
	result.Candidates = len(leases)

	ids := make([]string, len(leases))
	for i := range leases {
		ids[i] = leases[i].ExternalID
	}

	batch, err := s.reconciler.ReconcileFamily(ctx, ids, family)
	if err != nil {
		log.Error("Failed to reconcile family", zap.Int("candidates", len(ids)), zap.Error(err))
		result.Error = err.Error()
		return result
	}
	result.Report = batch
	return result
}

func (s *LotSweeper) record(ctx context.Context, outcome string, elapsed time.Duration) {
	if s.recorder != nil {
		s.recorder.RecordSweep(ctx, outcome, elapsed)
	}
}

// NextBoundary returns the first instant strictly after now that lies on an
// interval boundary counted from local midnight in loc.
func NextBoundary(now time.Time, interval time.Duration, loc *time.Location) time.Time {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	elapsed := local.Sub(midnight)
	next := midnight.Add((elapsed/interval + 1) * interval)

	// the next day's grid restarts at midnight
	nextMidnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	if next.After(nextMidnight) {
		next = nextMidnight
	}
	return next
}

// localLock serializes sweeps within one process when no shared lock is configured
type localLock struct {
	mu    sync.Mutex
	held  bool
	token string
}

func (l *localLock) TryAcquire(context.Context, string, time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return "", false, nil
	}
	l.held = true
	l.token = uuid.NewString()
	return l.token, true, nil
}

func (l *localLock) Release(_ context.Context, _ string, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held && l.token == token {
		l.held = false
	}
	return nil
}
