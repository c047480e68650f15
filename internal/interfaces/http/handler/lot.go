package handler

import (
	"context"
	"errors"

	appfiscal "github.com/erp/fiscalsync/internal/application/fiscal"
	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"github.com/erp/fiscalsync/internal/infrastructure/scheduler"
	"github.com/erp/fiscalsync/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
)

// Sweeper runs an on-demand sweep
type Sweeper interface {
	SweepNow(ctx context.Context) (*scheduler.SweepReport, error)
}

// LotHandler exposes lease administration: claim, finish, lookup, candidates,
// batch reconciliation and on-demand sweeps.
type LotHandler struct {
	BaseHandler
	lots          *appfiscal.LotService
	sweeper       Sweeper
	includeActive bool
}

// NewLotHandler creates a LotHandler. sweeper may be nil, which disables POST /lots/sweep.
func NewLotHandler(lots *appfiscal.LotService, sweeper Sweeper, includeActive bool) *LotHandler {
	return &LotHandler{lots: lots, sweeper: sweeper, includeActive: includeActive}
}

// RegisterRoutes mounts /lots routes under rg
func (h *LotHandler) RegisterRoutes(rg *gin.RouterGroup) {
	lots := rg.Group("/lots")
	lots.POST("/reconcile", h.Reconcile)
	lots.POST("/sweep", h.Sweep)
	lots.GET("/:family/candidates", h.Candidates)
	lots.GET("/:family/:id", h.Show)
	lots.POST("/:family/:id/claim", h.Claim)
	lots.POST("/:family/:id/finish", h.Finish)
}

// Claim registers a new lease or reclaims an expired, failed or done one.
// 201 when the lease row was created, 200 when an existing one was reclaimed,
// 409 while another attempt holds it.
func (h *LotHandler) Claim(c *gin.Context) {
	var uri dto.LotURI
	if err := c.ShouldBindUri(&uri); err != nil {
		h.ValidationError(c, err)
		return
	}

	reg, err := h.lots.RegisterOrClaim(c.Request.Context(), uri.ID, fiscal.Family(uri.Family))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if reg.Created {
		h.Created(c, reg)
		return
	}
	h.Success(c, reg)
}

// Finish records the outcome of a document's processing
func (h *LotHandler) Finish(c *gin.Context) {
	var uri dto.LotURI
	if err := c.ShouldBindUri(&uri); err != nil {
		h.ValidationError(c, err)
		return
	}
	var req dto.FinishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.ValidationError(c, err)
		return
	}

	res, err := h.lots.Finish(c.Request.Context(), uri.ID, fiscal.Family(uri.Family), *req.Success)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, res)
}

// Show returns one lease
func (h *LotHandler) Show(c *gin.Context) {
	var uri dto.LotURI
	if err := c.ShouldBindUri(&uri); err != nil {
		h.ValidationError(c, err)
		return
	}

	lease, err := h.lots.Lookup(c.Request.Context(), uri.ID, fiscal.Family(uri.Family))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, appfiscal.NewLeaseView(lease))
}

// Candidates lists the leases the next sweep would resync
func (h *LotHandler) Candidates(c *gin.Context) {
	var uri dto.FamilyURI
	if err := c.ShouldBindUri(&uri); err != nil {
		h.ValidationError(c, err)
		return
	}
	var q dto.CandidatesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.ValidationError(c, err)
		return
	}

	filter := fiscal.CandidateFilter{IncludeActive: h.includeActive, Limit: q.Limit}
	if q.IncludeActive != nil {
		filter.IncludeActive = *q.IncludeActive
	}

	leases, err := h.lots.Candidates(c.Request.Context(), fiscal.Family(uri.Family), filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	views := make([]*appfiscal.LeaseView, len(leases))
	for i := range leases {
		views[i] = appfiscal.NewLeaseView(&leases[i])
	}
	h.Success(c, views)
}

// Reconcile resyncs a batch of one family and writes each outcome back
func (h *LotHandler) Reconcile(c *gin.Context) {
	var req dto.ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.ValidationError(c, err)
		return
	}

	report, err := h.lots.ReconcileFamily(c.Request.Context(), req.IDs, fiscal.Family(req.Family))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, report)
}

// Sweep runs one sweep synchronously
func (h *LotHandler) Sweep(c *gin.Context) {
	if h.sweeper == nil {
		h.ErrorWithCode(c, dto.ErrCodeInvalidState, "sweeper is disabled")
		return
	}

	report, err := h.sweeper.SweepNow(c.Request.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrSweepInProgress) {
			h.ErrorWithCode(c, dto.ErrCodeSweepInProgress, err.Error())
			return
		}
		h.HandleError(c, err)
		return
	}
	h.Success(c, report)
}
