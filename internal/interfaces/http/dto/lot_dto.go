package dto

// LotURI addresses one lease
type LotURI struct {
	Family string `uri:"family" binding:"required,family"`
	ID     string `uri:"id" binding:"required,max=64"`
}

// FamilyURI addresses one family
type FamilyURI struct {
	Family string `uri:"family" binding:"required,family"`
}

// DocumentURI addresses one ERP document
type DocumentURI struct {
	ID string `uri:"id" binding:"required,max=64"`
}

// FinishRequest reports the outcome of a document's processing
type FinishRequest struct {
	Success *bool `json:"success" binding:"required"`
}

// ReconcileRequest asks for a batch resync of one family.
// Family is validated by the service so an unknown code maps to ERR_INVALID_FAMILY.
type ReconcileRequest struct {
	Family string   `json:"family" binding:"required"`
	IDs    []string `json:"ids" binding:"max=500,dive,required,max=64"`
}

// CandidatesQuery filters the sweep candidate listing
type CandidatesQuery struct {
	IncludeActive *bool `form:"include_active"`
	Limit         int   `form:"limit" binding:"omitempty,min=1,max=1000"`
}
