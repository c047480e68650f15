package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"github.com/erp/fiscalsync/internal/domain/shared"
	"github.com/erp/fiscalsync/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormLotRepository implements fiscal.LotStore for one family table using GORM
type GormLotRepository struct {
	db       *gorm.DB
	table    string
	duration time.Duration
	clock    func() time.Time
}

// LotRepositoryOption configures a GormLotRepository
type LotRepositoryOption func(*GormLotRepository)

// WithLeaseDuration overrides fiscal.LeaseDuration
func WithLeaseDuration(d time.Duration) LotRepositoryOption {
	return func(r *GormLotRepository) {
		if d > 0 {
			r.duration = d
		}
	}
}

// WithClock sets the time source used for lease windows
func WithClock(clock func() time.Time) LotRepositoryOption {
	return func(r *GormLotRepository) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewGormLotRepository creates the lot store for family
func NewGormLotRepository(db *gorm.DB, family fiscal.Family, opts ...LotRepositoryOption) *GormLotRepository {
	r := &GormLotRepository{
		db:       db,
		table:    family.Table(),
		duration: fiscal.LeaseDuration,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewLotStores creates one repository per known family
func NewLotStores(db *gorm.DB, opts ...LotRepositoryOption) map[fiscal.Family]*GormLotRepository {
	stores := make(map[fiscal.Family]*GormLotRepository, len(fiscal.Families()))
	for _, f := range fiscal.Families() {
		stores[f] = NewGormLotRepository(db, f, opts...)
	}
	return stores
}

// Table returns the backing table name
func (r *GormLotRepository) Table() string {
	return r.table
}

// now is truncated to microseconds so values round-trip through postgres unchanged
func (r *GormLotRepository) now() time.Time {
	return r.clock().UTC().Truncate(time.Microsecond)
}

func (r *GormLotRepository) scoped(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Table(r.table)
}

// FindByExternalID returns the leases for externalID; empty when not registered
func (r *GormLotRepository) FindByExternalID(ctx context.Context, externalID string) ([]fiscal.Lease, error) {
	var rows []models.LotModel
	if err := r.scoped(ctx).Where("external_id = ?", externalID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find %s in %s: %w", externalID, r.table, err)
	}
	leases := make([]fiscal.Lease, len(rows))
	for i := range rows {
		leases[i] = *rows[i].ToDomain()
	}
	return leases, nil
}

// Create inserts a Processing lease starting now
func (r *GormLotRepository) Create(ctx context.Context, externalID string) (*fiscal.Lease, error) {
	now := r.now()
	lease := &fiscal.Lease{
		ExternalID:     externalID,
		State:          fiscal.StateProcessing,
		LeaseStartedAt: now,
		LeaseExpiresAt: now.Add(r.duration),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	result := r.scoped(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(models.LotModelFromDomain(lease))
	if result.Error != nil {
		return nil, fmt.Errorf("create %s in %s: %w", externalID, r.table, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("create %s in %s: %w", externalID, r.table, shared.ErrAlreadyExists)
	}
	return lease, nil
}

// Claim takes the lease when it is not Processing, or when its window has passed.
// The condition and the write are one statement, so two concurrent claims cannot both win.
func (r *GormLotRepository) Claim(ctx context.Context, externalID string) (*fiscal.Lease, error) {
	now := r.now()
	result := r.scoped(ctx).
		Where("external_id = ?", externalID).
		Where("(state IN ? OR (state = ? AND lease_expires_at < ?))",
			[]int16{int16(fiscal.StatePending), int16(fiscal.StateDone), int16(fiscal.StateError)},
			int16(fiscal.StateProcessing), now).
		Updates(map[string]any{
			"state":            int16(fiscal.StateProcessing),
			"lease_started_at": now,
			"lease_expires_at": now.Add(r.duration),
			"updated_at":       now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("claim %s in %s: %w", externalID, r.table, result.Error)
	}

	if result.RowsAffected == 0 {
		existing, err := r.FindByExternalID(ctx, externalID)
		if err != nil {
			return nil, err
		}
		if len(existing) == 0 {
			return nil, fmt.Errorf("claim %s in %s: %w", externalID, r.table, shared.ErrNotFound)
		}
		return nil, fmt.Errorf("claim %s in %s: %w", externalID, r.table, fiscal.ErrLeaseHeld)
	}

	return &fiscal.Lease{
		ExternalID:     externalID,
		State:          fiscal.StateProcessing,
		LeaseStartedAt: now,
		LeaseExpiresAt: now.Add(r.duration),
		UpdatedAt:      now,
	}, nil
}

// Complete marks the lease Done
func (r *GormLotRepository) Complete(ctx context.Context, externalID string) (bool, error) {
	return r.transition(ctx, "complete", externalID, fiscal.StateDone)
}

// Fail marks the lease Error. A Done lease is left untouched.
func (r *GormLotRepository) Fail(ctx context.Context, externalID string) (bool, error) {
	return r.transition(ctx, "fail", externalID, fiscal.StateError)
}

func (r *GormLotRepository) transition(ctx context.Context, op, externalID string, to fiscal.LeaseState) (bool, error) {
	result := r.scoped(ctx).
		Where("external_id = ? AND state <> ?", externalID, int16(fiscal.StateDone)).
		Updates(map[string]any{
			"state":      int16(to),
			"updated_at": r.now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("%s %s in %s: %w", op, externalID, r.table, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListCandidates returns Error leases and Processing leases that are either
// expired or, with IncludeActive, still running.
func (r *GormLotRepository) ListCandidates(ctx context.Context, filter fiscal.CandidateFilter) ([]fiscal.Lease, error) {
	q := r.scoped(ctx)
	if filter.IncludeActive {
		q = q.Where("state IN ?", []int16{int16(fiscal.StateProcessing), int16(fiscal.StateError)})
	} else {
		q = q.Where("(state = ? OR (state = ? AND lease_expires_at < ?))",
			int16(fiscal.StateError), int16(fiscal.StateProcessing), r.now())
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []models.LotModel
	if err := q.Order("lease_started_at ASC, external_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list candidates in %s: %w", r.table, err)
	}
	leases := make([]fiscal.Lease, len(rows))
	for i := range rows {
		leases[i] = *rows[i].ToDomain()
	}
	return leases, nil
}

// EnsureLotTables creates the family tables and their sweep index when missing.
// Postgres deployments use the SQL migrations instead; this serves sqlite and tests.
func EnsureLotTables(db *gorm.DB) error {
	for _, f := range fiscal.Families() {
		table := f.Table()
		if err := db.Table(table).AutoMigrate(&models.LotModel{}); err != nil {
			return fmt.Errorf("migrate %s: %w", table, err)
		}
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_state_expiry ON %s (state, lease_expires_at)", table, table)
		if err := db.Exec(idx).Error; err != nil {
			return fmt.Errorf("index %s: %w", table, err)
		}
	}
	return nil
}

var _ fiscal.LotStore = (*GormLotRepository)(nil)
