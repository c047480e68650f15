package fiscal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LotStore persists the leases of one family.
// Every method is a single statement; Claim, Complete and Fail are conditional updates
// so concurrent callers cannot both win or downgrade a Done lease.
type LotStore interface {
	// FindByExternalID returns the matching leases; an empty slice means not registered.
	FindByExternalID(ctx context.Context, externalID string) ([]Lease, error)
	// Create inserts a Processing lease. A duplicate id returns shared.ErrAlreadyExists.
	Create(ctx context.Context, externalID string) (*Lease, error)
	// Claim restarts the lease window if the lease is claimable.
	// It returns ErrLeaseHeld when another attempt holds it and shared.ErrNotFound when absent.
	Claim(ctx context.Context, externalID string) (*Lease, error)
	// Complete marks the lease Done. It reports false when nothing changed.
	Complete(ctx context.Context, externalID string) (bool, error)
	// Fail marks the lease Error unless it is already Done. It reports false when nothing changed.
	Fail(ctx context.Context, externalID string) (bool, error)
	// ListCandidates returns the leases due for resynchronization.
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]Lease, error)
}

// SyncResult is the authority's answer for one document
type SyncResult struct {
	TrackingID string `json:"tracking_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Message    string `json:"message,omitempty"`
}

// DocumentSyncer synchronizes one document of a family with the fiscal authority
type DocumentSyncer interface {
	Sync(ctx context.Context, externalID string) (SyncResult, error)
}

// SyncerFunc adapts a function to DocumentSyncer
type SyncerFunc func(ctx context.Context, externalID string) (SyncResult, error)

// Sync implements DocumentSyncer
func (f SyncerFunc) Sync(ctx context.Context, externalID string) (SyncResult, error) {
	return f(ctx, externalID)
}

// Document is the ERP view of a ledger document
type Document struct {
	ID        string
	Number    string
	Kind      string
	State     string
	Total     decimal.Decimal
	IssuedAt  time.Time
	PartnerID string
}

// Family classifies the document by its ERP kind
func (d *Document) Family() (Family, bool) {
	switch d.Kind {
	case "out_invoice":
		return FamilyInvoice, true
	case "out_refund":
		return FamilyCreditNote, true
	case "out_debit":
		return FamilyDebitNote, true
	default:
		return "", false
	}
}

// Eligible reports whether the document can be sent to the authority
func (d *Document) Eligible() bool {
	_, ok := d.Family()
	return ok && d.State == "posted" && d.Total.IsPositive()
}

// DocumentReader reads document metadata from the ERP
type DocumentReader interface {
	Read(ctx context.Context, externalID string) (*Document, error)
}

// FamilyBinding is everything the orchestrator needs for one family
type FamilyBinding struct {
	Family Family
	Store  LotStore
	Syncer DocumentSyncer
}

// LotRegistry resolves a family code to its binding
type LotRegistry interface {
	Resolve(family Family) (*FamilyBinding, error)
	Families() []Family
}
