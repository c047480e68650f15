package fiscal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"github.com/erp/fiscalsync/internal/domain/shared"
	"go.uber.org/zap"
)

// Registration outcomes reported to the Recorder
const (
	OutcomeCreated  = "created"
	OutcomeClaimed  = "claimed"
	OutcomeConflict = "conflict"
	OutcomeInvalid  = "invalid"
	OutcomeError    = "error"
)

// ErrSyncRejected is returned by SyncDocument when the authority refuses a document
var ErrSyncRejected = shared.NewDomainError("FISCAL_SYNC_FAILED", "fiscal authority rejected the document")

// Recorder receives lease lifecycle measurements
type Recorder interface {
	RecordRegistration(ctx context.Context, family fiscal.Family, outcome string)
	RecordFinish(ctx context.Context, family fiscal.Family, success, applied bool)
	RecordReconcile(ctx context.Context, family fiscal.Family, succeeded, failed int, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordRegistration(context.Context, fiscal.Family, string) {}
func (nopRecorder) RecordFinish(context.Context, fiscal.Family, bool, bool) {}
func (nopRecorder) RecordReconcile(context.Context, fiscal.Family, int, int, time.Duration) {}

// LotService orchestrates lease registration, completion and batch reconciliation
// across the document families held by the registry.
type LotService struct {
	registry fiscal.LotRegistry
	logger   *zap.Logger
	recorder Recorder
}

// LotServiceOption configures a LotService
type LotServiceOption func(*LotService)

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) LotServiceOption {
	return func(s *LotService) {
		if r != nil {
			s.recorder = r
		}
	}
}

// NewLotService creates a LotService
func NewLotService(registry fiscal.LotRegistry, logger *zap.Logger, opts ...LotServiceOption) *LotService {
	s := &LotService{
		registry: registry,
		logger:   logger.Named("lot_service"),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Families returns the families the service can reconcile
func (s *LotService) Families() []fiscal.Family {
	return s.registry.Families()
}

func (s *LotService) resolve(family fiscal.Family) (*fiscal.FamilyBinding, error) {
	if !family.Valid() {
		return nil, shared.NewDomainError(fiscal.ErrUnknownFamily.Code, fmt.Sprintf("unknown document family %q", family))
	}
	b, err := s.registry.Resolve(family)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func persistenceError(err error) error {
	return fmt.Errorf("%w: %w", fiscal.ErrPersistence, err)
}

// RegisterOrClaim opens an attempt for the document: it creates a Processing lease
// for a new id, or claims the existing lease when it is claimable.
// A lease held by another attempt returns fiscal.ErrLeaseHeld.
func (s *LotService) RegisterOrClaim(ctx context.Context, externalID string, family fiscal.Family) (*Registration, error) {
	if externalID == "" {
		s.recorder.RecordRegistration(ctx, family, OutcomeInvalid)
		return nil, fiscal.ErrInvalidExternalID
	}
	b, err := s.resolve(family)
	if err != nil {
		s.recorder.RecordRegistration(ctx, family, OutcomeInvalid)
		return nil, err
	}

	log := s.logger.With(zap.String("family", family.Label()), zap.String("external_id", externalID))

	existing, err := b.Store.FindByExternalID(ctx, externalID)
	if err != nil {
		log.Error("lease lookup failed", zap.Error(err))
		s.recorder.RecordRegistration(ctx, family, OutcomeError)
		return nil, persistenceError(err)
	}

	if len(existing) > 0 {
		lease, err := b.Store.Claim(ctx, externalID)
		switch {
		case err == nil:
			log.Info("lease claimed", zap.Time("lease_expires_at", lease.LeaseExpiresAt))
			s.recorder.RecordRegistration(ctx, family, OutcomeClaimed)
			return &Registration{ID: externalID, Family: family, Lease: NewLeaseView(lease)}, nil
		case errors.Is(err, fiscal.ErrLeaseHeld):
			log.Info("lease held by another attempt")
			s.recorder.RecordRegistration(ctx, family, OutcomeConflict)
			return nil, fiscal.ErrLeaseHeld
		default:
			log.Error("lease claim failed", zap.Error(err))
			s.recorder.RecordRegistration(ctx, family, OutcomeError)
			return nil, persistenceError(err)
		}
	}

	lease, err := b.Store.Create(ctx, externalID)
	switch {
	case err == nil:
		log.Info("lease created", zap.Time("lease_expires_at", lease.LeaseExpiresAt))
		s.recorder.RecordRegistration(ctx, family, OutcomeCreated)
		return &Registration{ID: externalID, Family: family, Created: true, Lease: NewLeaseView(lease)}, nil
	case errors.Is(err, shared.ErrAlreadyExists):
		// lost the insert race; the winner holds a fresh lease
		log.Info("lease created concurrently")
		s.recorder.RecordRegistration(ctx, family, OutcomeConflict)
		return nil, fiscal.ErrLeaseHeld
	default:
		log.Error("lease create failed", zap.Error(err))
		s.recorder.RecordRegistration(ctx, family, OutcomeError)
		return nil, persistenceError(err)
	}
}

// Finish records the outcome of an attempt. It never creates a lease:
// an unregistered id returns fiscal.ErrNoLease.
func (s *LotService) Finish(ctx context.Context, externalID string, family fiscal.Family, success bool) (*FinishResult, error) {
	if externalID == "" {
		return nil, fiscal.ErrInvalidExternalID
	}
	b, err := s.resolve(family)
	if err != nil {
		return nil, err
	}

	log := s.logger.With(zap.String("family", family.Label()), zap.String("external_id", externalID), zap.Bool("success", success))

	existing, err := b.Store.FindByExternalID(ctx, externalID)
	if err != nil {
		log.Error("lease lookup failed", zap.Error(err))
		return nil, persistenceError(err)
	}
	if len(existing) == 0 {
		log.Warn("finish without lease")
		return nil, shared.NewDomainError(fiscal.ErrNoLease.Code, fmt.Sprintf("no lease registered for %s in family %s", externalID, family))
	}

	var applied bool
	if success {
		applied, err = b.Store.Complete(ctx, externalID)
	} else {
		applied, err = b.Store.Fail(ctx, externalID)
	}
	if err != nil {
		log.Error("lease finish failed", zap.Error(err))
		return nil, persistenceError(err)
	}

	log.Info("lease finished", zap.Bool("applied", applied))
	s.recorder.RecordFinish(ctx, family, success, applied)
	return &FinishResult{ID: externalID, Family: family, Success: success, Applied: applied}, nil
}

// ReconcileBatch calls syncer once per id in order and partitions the ids into
// accepted and rejected documents. A rejection never stops the batch; a panic
// or a cancelled context aborts it with fiscal.ErrBatchAborted. No lease is written.
func (s *LotService) ReconcileBatch(ctx context.Context, syncer fiscal.DocumentSyncer, ids []string) (report *BatchReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("batch panicked", zap.Any("panic", r), zap.Int("batch_size", len(ids)))
			report = nil
			err = shared.NewDomainError(fiscal.ErrBatchAborted.Code, fmt.Sprintf("batch reconciliation aborted: %v", r))
		}
	}()

	report = &BatchReport{
		Succeeded: make([]SyncSuccess, 0, len(ids)),
		Failed:    make([]SyncFailure, 0),
	}
	for _, id := range ids {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", fiscal.ErrBatchAborted, ctxErr)
		}
		result, syncErr := syncer.Sync(ctx, id)
		if syncErr != nil {
			report.Failed = append(report.Failed, SyncFailure{ID: id, Message: syncErr.Error(), Cause: syncErr})
			continue
		}
		report.Succeeded = append(report.Succeeded, SyncSuccess{ID: id, Result: result})
	}
	return report, nil
}

// ReconcileFamily syncs ids with the family's syncer and writes each outcome
// back: Done for accepted documents, Error for rejected ones. An empty id list
// writes nothing. A per-id write failure is logged and counted in the report
// without stopping the remaining writes. If the batch itself aborts, nothing is written.
func (s *LotService) ReconcileFamily(ctx context.Context, ids []string, family fiscal.Family) (*BatchReport, error) {
	b, err := s.resolve(family)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &BatchReport{Family: family, Succeeded: []SyncSuccess{}, Failed: []SyncFailure{}}, nil
	}

	log := s.logger.With(zap.String("family", family.Label()), zap.Int("batch_size", len(ids)))
	start := time.Now()

	report, err := s.ReconcileBatch(ctx, b.Syncer, ids)
	if err != nil {
		log.Error("batch reconciliation failed", zap.Error(err))
		return nil, err
	}
	report.Family = family

	for _, ok := range report.Succeeded {
		if _, err := b.Store.Complete(ctx, ok.ID); err != nil {
			report.PersistErrors++
			log.Error("failed to mark lease done", zap.String("external_id", ok.ID), zap.Error(err))
		}
	}
	for _, failed := range report.Failed {
		if _, err := b.Store.Fail(ctx, failed.ID); err != nil {
			report.PersistErrors++
			log.Error("failed to mark lease error", zap.String("external_id", failed.ID), zap.Error(err))
		}
	}

	elapsed := time.Since(start)
	log.Info("batch reconciled",
		zap.Int("succeeded", len(report.Succeeded)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("persist_errors", report.PersistErrors),
		zap.Duration("elapsed", elapsed),
	)
	s.recorder.RecordReconcile(ctx, family, len(report.Succeeded), len(report.Failed), elapsed)
	return report, nil
}

// Lookup returns the lease of a document
func (s *LotService) Lookup(ctx context.Context, externalID string, family fiscal.Family) (*fiscal.Lease, error) {
	if externalID == "" {
		return nil, fiscal.ErrInvalidExternalID
	}
	b, err := s.resolve(family)
	if err != nil {
		return nil, err
	}
	leases, err := b.Store.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, persistenceError(err)
	}
	if len(leases) == 0 {
		return nil, shared.NewDomainError(fiscal.ErrNoLease.Code, fmt.Sprintf("no lease registered for %s in family %s", externalID, family))
	}
	return &leases[0], nil
}

// Candidates returns the leases of family due for resynchronization
func (s *LotService) Candidates(ctx context.Context, family fiscal.Family, filter fiscal.CandidateFilter) ([]fiscal.Lease, error) {
	b, err := s.resolve(family)
	if err != nil {
		return nil, err
	}
	leases, err := b.Store.ListCandidates(ctx, filter)
	if err != nil {
		return nil, persistenceError(err)
	}
	return leases, nil
}

// SyncDocument sends one document to the authority without touching its lease.
// The request guard records the outcome.
func (s *LotService) SyncDocument(ctx context.Context, externalID string, family fiscal.Family) (fiscal.SyncResult, error) {
	if externalID == "" {
		return fiscal.SyncResult{}, fiscal.ErrInvalidExternalID
	}
	b, err := s.resolve(family)
	if err != nil {
		return fiscal.SyncResult{}, err
	}
	result, err := b.Syncer.Sync(ctx, externalID)
	if err != nil {
		s.logger.Warn("document sync rejected",
			zap.String("family", family.Label()),
			zap.String("external_id", externalID),
			zap.Error(err),
		)
		return fiscal.SyncResult{}, shared.NewDomainError(ErrSyncRejected.Code, err.Error())
	}
	return result, nil
}
