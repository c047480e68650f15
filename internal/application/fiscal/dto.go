package fiscal

import (
	"time"

	"github.com/erp/fiscalsync/internal/domain/fiscal"
)

// Registration is the outcome of RegisterOrClaim
type Registration struct {
	ID      string        `json:"id"`
	Family  fiscal.Family `json:"family"`
	Created bool          `json:"created"`
	Lease   *LeaseView    `json:"lease"`
}

// FinishResult is the outcome of Finish. Applied is false when the lease was
// already Done and a failure report was ignored, or a completion was repeated.
type FinishResult struct {
	ID      string        `json:"id"`
	Family  fiscal.Family `json:"family"`
	Success bool          `json:"success"`
	Applied bool          `json:"applied"`
}

// SyncSuccess is one accepted document of a batch
type SyncSuccess struct {
	ID     string            `json:"id"`
	Result fiscal.SyncResult `json:"result"`
}

// SyncFailure is one rejected document of a batch
type SyncFailure struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

// BatchReport summarizes a batch. PersistErrors counts ids whose outcome
// could not be written back to the lot store.
type BatchReport struct {
	Family        fiscal.Family `json:"family,omitempty"`
	Succeeded     []SyncSuccess `json:"succeeded"`
	Failed        []SyncFailure `json:"failed"`
	PersistErrors int           `json:"persist_errors"`
}

// SucceededIDs returns the ids of the accepted documents in batch order
func (r *BatchReport) SucceededIDs() []string {
	ids := make([]string, len(r.Succeeded))
	for i, s := range r.Succeeded {
		ids[i] = s.ID
	}
	return ids
}

// FailedIDs returns the ids of the rejected documents in batch order
func (r *BatchReport) FailedIDs() []string {
	ids := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.ID
	}
	return ids
}

// LeaseView is the API representation of a lease
type LeaseView struct {
	ExternalID     string    `json:"external_id"`
	State          string    `json:"state"`
	StateCode      int16     `json:"state_code"`
	LeaseStartedAt time.Time `json:"lease_started_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// NewLeaseView converts a domain lease
func NewLeaseView(l *fiscal.Lease) *LeaseView {
	if l == nil {
		return nil
	}
	return &LeaseView{
		ExternalID:     l.ExternalID,
		State:          l.State.String(),
		StateCode:      int16(l.State),
		LeaseStartedAt: l.LeaseStartedAt,
		LeaseExpiresAt: l.LeaseExpiresAt,
	}
}
