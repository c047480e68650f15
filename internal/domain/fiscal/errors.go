package fiscal

import "github.com/erp/fiscalsync/internal/domain/shared"

var (
	// ErrUnknownFamily is returned for a family code outside the known set
	ErrUnknownFamily = shared.NewDomainError("INVALID_FAMILY", "unknown document family")
	// ErrInvalidExternalID is returned for an empty document id
	ErrInvalidExternalID = shared.NewDomainError("INVALID_INPUT", "external id is required")
	// ErrLeaseHeld is returned when another attempt holds an unexpired lease
	ErrLeaseHeld = shared.NewDomainError("LEASE_HELD", "lease is held by another attempt")
	// ErrNoLease is returned when finishing a document that was never registered
	ErrNoLease = shared.NewDomainError("NOT_FOUND", "no lease registered for document")
	// ErrPersistence is returned when the lot store fails
	ErrPersistence = shared.NewDomainError("INTERNAL_ERROR", "lot store operation failed")
	// ErrBatchAborted is returned when a batch could not run to completion
	ErrBatchAborted = shared.NewDomainError("INTERNAL_ERROR", "batch reconciliation aborted")
	// ErrDocumentNotEligible is returned when a document is not in a syncable state
	ErrDocumentNotEligible = shared.NewDomainError("INVALID_STATE", "document is not eligible for fiscal sync")
)
