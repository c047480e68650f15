package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	appfiscal "github.com/erp/fiscalsync/internal/application/fiscal"
	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// LotLifecycle is the part of the lot service the guard drives
type LotLifecycle interface {
	RegisterOrClaim(ctx context.Context, externalID string, family fiscal.Family) (*appfiscal.Registration, error)
	Finish(ctx context.Context, externalID string, family fiscal.Family, success bool) (*appfiscal.FinishResult, error)
}

// LotGuard wraps document routes with lease tracking. Registration and finish
// run in goroutines detached from the request, so the handler is never delayed
// and the response is never altered by a tracking failure.
type LotGuard struct {
	lots    LotLifecycle
	reader  fiscal.DocumentReader
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewLotGuard creates a guard. reader may be nil when TrackDocument is unused.
func NewLotGuard(lots LotLifecycle, reader fiscal.DocumentReader, logger *zap.Logger, timeout time.Duration) *LotGuard {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LotGuard{
		lots:    lots,
		reader:  reader,
		logger:  logger.Named("lot_guard"),
		timeout: timeout,
	}
}

// registration is what the finish goroutine waits on
type registration struct {
	family fiscal.Family
	ok     bool
}

// Track tracks the :id document of a route bound to one family
func (g *LotGuard) Track(family fiscal.Family) gin.HandlerFunc {
	return g.track(func(context.Context, string) (fiscal.Family, bool) {
		return family, true
	})
}

// TrackDocument tracks the :id document, resolving its family through the ERP.
// Documents that are not eligible for fiscal sync are not tracked.
func (g *LotGuard) TrackDocument() gin.HandlerFunc {
	return g.track(g.resolveDocument)
}

func (g *LotGuard) resolveDocument(ctx context.Context, id string) (fiscal.Family, bool) {
	if g.reader == nil {
		return "", false
	}
	doc, err := g.reader.Read(ctx, id)
	if err != nil {
		g.logger.Warn("Failed to read document", zap.String("external_id", id), zap.Error(err))
		return "", false
	}
	family, known := doc.Family()
	if !known || !doc.Eligible() {
		g.logger.Debug("Document not tracked",
			zap.String("external_id", id),
			zap.String("kind", doc.Kind),
			zap.String("state", doc.State),
		)
		return "", false
	}
	return family, true
}

func (g *LotGuard) track(resolve func(context.Context, string) (fiscal.Family, bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id == "" {
			c.Next()
			return
		}

		log := g.logger.With(zap.String("external_id", id))
		if rid := GetRequestID(c); rid != "" {
			log = log.With(zap.String("request_id", rid))
		}

		// keeps trace and logger values, drops the request's cancellation
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), g.timeout)
		registered := make(chan registration, 1)

		g.wg.Add(2)
		go func() {
			defer g.wg.Done()
			registered <- g.register(ctx, id, resolve, log)
		}()

		// runs on panic too; the recovery middleware renders the 500
		defer func() {
			status := c.Writer.Status()
			r := recover()
			if r != nil {
				status = http.StatusInternalServerError
			}
			go func() {
				defer g.wg.Done()
				defer cancel()
				g.finish(ctx, id, status, <-registered, log)
			}()
			if r != nil {
				panic(r)
			}
		}()

		c.Next()
	}
}

func (g *LotGuard) register(ctx context.Context, id string, resolve func(context.Context, string) (fiscal.Family, bool), log *zap.Logger) registration {
	family, ok := resolve(ctx, id)
	if !ok {
		return registration{}
	}
	log = log.With(zap.String("family", family.Label()))

	reg, err := g.lots.RegisterOrClaim(ctx, id, family)
	if err != nil {
		log.Warn("Lease registration failed", zap.Error(err))
		return registration{family: family}
	}
	log.Debug("Lease registered", zap.Bool("created", reg.Created))
	return registration{family: family, ok: true}
}

func (g *LotGuard) finish(ctx context.Context, id string, status int, reg registration, log *zap.Logger) {
	if !reg.ok {
		if reg.family != "" {
			log.Info("Skipping lease finish, registration did not succeed", zap.String("family", reg.family.Label()))
		}
		return
	}

	success := status >= http.StatusOK && status < http.StatusMultipleChoices
	res, err := g.lots.Finish(ctx, id, reg.family, success)
	if err != nil {
		log.Error("Lease finish failed",
			zap.String("family", reg.family.Label()),
			zap.Bool("success", success),
			zap.Error(err),
		)
		return
	}
	log.Debug("Lease finished",
		zap.String("family", reg.family.Label()),
		zap.Bool("success", success),
		zap.Bool("applied", res.Applied),
	)
}

// Wait blocks until all in-flight tracking goroutines finish or ctx is done
func (g *LotGuard) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
