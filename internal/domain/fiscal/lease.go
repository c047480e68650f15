package fiscal

import (
	"time"
)

// LeaseDuration is the length of a lease window. Every create and claim sets
// LeaseExpiresAt = LeaseStartedAt + LeaseDuration.
const LeaseDuration = 5 * time.Minute

// LeaseState is the synchronization state of a lease. It is stored as a small integer.
type LeaseState int16

const (
	// StatePending is reserved. No operation produces it, but it is claimable.
	StatePending LeaseState = iota
	// StateProcessing means an attempt holds the lease
	StateProcessing
	// StateDone means the authority accepted the document. Done is only
	// ever left by a new claim.
	StateDone
	// StateError means the last attempt failed and the document awaits resync
	StateError
)

func (s LeaseState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateProcessing:
		return "PROCESSING"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Lease is the per-document record of a family's lot table
type Lease struct {
	ExternalID     string
	State          LeaseState
	LeaseStartedAt time.Time
	LeaseExpiresAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the lease window has passed at now
func (l *Lease) Expired(now time.Time) bool {
	return l.LeaseExpiresAt.Before(now)
}

// Claimable reports whether a claim at now would succeed: any non-Processing
// state, or a Processing lease whose window has passed.
func (l *Lease) Claimable(now time.Time) bool {
	if l.State != StateProcessing {
		return true
	}
	return l.Expired(now)
}

// CandidateFilter selects leases for resynchronization
type CandidateFilter struct {
	// IncludeActive also selects Processing leases whose window has not passed
	IncludeActive bool
	// Limit caps the result; zero means no limit
	Limit int
}
