package models

import (
	"time"

	"github.com/erp/fiscalsync/internal/domain/fiscal"
)

// LotModel is the persistence model for a lease row. The same shape backs
// every family table, so it has no TableName; repositories select the table.
type LotModel struct {
	ExternalID     string    `gorm:"column:external_id;type:varchar(64);primaryKey"`
	State          int16     `gorm:"column:state;type:smallint;not null"`
	LeaseStartedAt time.Time `gorm:"column:lease_started_at;not null"`
	LeaseExpiresAt time.Time `gorm:"column:lease_expires_at;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null"`
}

// ToDomain converts the persistence model to a domain Lease
func (m *LotModel) ToDomain() *fiscal.Lease {
	return &fiscal.Lease{
		ExternalID:     m.ExternalID,
		State:          fiscal.LeaseState(m.State),
		LeaseStartedAt: m.LeaseStartedAt.UTC(),
		LeaseExpiresAt: m.LeaseExpiresAt.UTC(),
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
}

// LotModelFromDomain creates a persistence model from a domain Lease
func LotModelFromDomain(l *fiscal.Lease) *LotModel {
	return &LotModel{
		ExternalID:     l.ExternalID,
		State:          int16(l.State),
		LeaseStartedAt: l.LeaseStartedAt,
		LeaseExpiresAt: l.LeaseExpiresAt,
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}
}
