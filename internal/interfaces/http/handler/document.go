package handler

import (
	appfiscal "github.com/erp/fiscalsync/internal/application/fiscal"
	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"github.com/erp/fiscalsync/internal/interfaces/http/dto"
	"github.com/erp/fiscalsync/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// DocumentHandler submits ledger documents to the fiscal authority.
// Every submit route runs behind the lot guard, which records the outcome on the
// document's lease.
type DocumentHandler struct {
	BaseHandler
	lots   *appfiscal.LotService
	reader fiscal.DocumentReader
	guard  *middleware.LotGuard
}

// NewDocumentHandler creates a DocumentHandler. reader may be nil, which
// disables the family-agnostic /documents routes.
func NewDocumentHandler(lots *appfiscal.LotService, reader fiscal.DocumentReader, guard *middleware.LotGuard) *DocumentHandler {
	return &DocumentHandler{lots: lots, reader: reader, guard: guard}
}

// familyRoutes maps the per-family route prefixes
var familyRoutes = map[string]fiscal.Family{
	"/invoices":     fiscal.FamilyInvoice,
	"/credit-notes": fiscal.FamilyCreditNote,
	"/debit-notes":  fiscal.FamilyDebitNote,
}

// RegisterRoutes mounts the submit routes under rg
func (h *DocumentHandler) RegisterRoutes(rg *gin.RouterGroup) {
	for prefix, family := range familyRoutes {
		rg.POST(prefix+"/:id/submit", h.guard.Track(family), h.SubmitFamily(family))
	}
	if h.reader != nil {
		rg.GET("/documents/:id", h.Get)
		rg.POST("/documents/:id/submit", h.guard.TrackDocument(), h.Submit)
	}
}

// DocumentResponse is the ERP document as seen by the sync service
type DocumentResponse struct {
	ID       string          `json:"id"`
	Number   string          `json:"number"`
	Kind     string          `json:"kind"`
	State    string          `json:"state"`
	Total    decimal.Decimal `json:"total"`
	Family   fiscal.Family   `json:"family,omitempty"`
	Eligible bool            `json:"eligible"`
}

// SubmitResponse is the authority's answer for a submitted document
type SubmitResponse struct {
	ID     string            `json:"id"`
	Family fiscal.Family     `json:"family"`
	Result fiscal.SyncResult `json:"result"`
}

// SubmitFamily returns the submit handler for a route bound to one family
func (h *DocumentHandler) SubmitFamily(family fiscal.Family) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri dto.DocumentURI
		if err := c.ShouldBindUri(&uri); err != nil {
			h.ValidationError(c, err)
			return
		}
		h.submit(c, uri.ID, family)
	}
}

// Submit resolves the document's family through the ERP and submits it.
// Documents that are not posted, not positive or of an unsupported kind answer 422.
func (h *DocumentHandler) Submit(c *gin.Context) {
	var uri dto.DocumentURI
	if err := c.ShouldBindUri(&uri); err != nil {
		h.ValidationError(c, err)
		return
	}

	doc, err := h.reader.Read(c.Request.Context(), uri.ID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	family, ok := doc.Family()
	if !ok || !doc.Eligible() {
		h.HandleError(c, fiscal.ErrDocumentNotEligible)
		return
	}
	h.submit(c, uri.ID, family)
}

// Get returns the ERP view of a document and whether it can be submitted
func (h *DocumentHandler) Get(c *gin.Context) {
	var uri dto.DocumentURI
	if err := c.ShouldBindUri(&uri); err != nil {
		h.ValidationError(c, err)
		return
	}

	doc, err := h.reader.Read(c.Request.Context(), uri.ID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	family, _ := doc.Family()
	h.Success(c, DocumentResponse{
		ID:       doc.ID,
		Number:   doc.Number,
		Kind:     doc.Kind,
		State:    doc.State,
		Total:    doc.Total,
		Family:   family,
		Eligible: doc.Eligible(),
	})
}

func (h *DocumentHandler) submit(c *gin.Context, id string, family fiscal.Family) {
	result, err := h.lots.SyncDocument(c.Request.Context(), id, family)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, SubmitResponse{ID: id, Family: family, Result: result})
}
