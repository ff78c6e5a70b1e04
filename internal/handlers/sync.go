package handlers

import (
	"context"
	"errors"

	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/entity"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
	"github.com/Ramsey-B/fern/pkg/syncerr"
)

// Syncer runs units and batches.
type Syncer interface {
	RunAll(ctx context.Context, trigger orchestrator.Trigger) (*models.BatchResult, error)
	RunForActiveSelections(ctx context.Context, trigger orchestrator.Trigger) (*models.BatchResult, error)
	RunEntity(ctx context.Context, entityType string, scope entity.Scope, trigger orchestrator.Trigger) (models.UnitResult, error)
}

type SyncHandler struct {
	syncer Syncer
}

func NewSyncHandler(syncer Syncer) *SyncHandler {
	return &SyncHandler{syncer: syncer}
}

func (h *SyncHandler) RegisterRoutes(g *echo.Group) {
	sync := g.Group("/sync")
	sync.POST("/all", h.RunAll)
	sync.POST("/selections", h.RunSelections)
	sync.POST("/entities/:type", h.RunEntity)
}

// RunAll handles POST /sync/all
func (h *SyncHandler) RunAll(c echo.Context) error {
	ctx := c.Request().Context()
	batch, err := h.syncer.RunAll(ctx, orchestrator.Trigger{Type: models.RunTypeManual, By: appctx.GetInitiator(ctx)})
	if err != nil {
		return err
	}
	return SuccessResponse(c, batch)
}

// RunSelections handles POST /sync/selections
func (h *SyncHandler) RunSelections(c echo.Context) error {
	ctx := c.Request().Context()
	batch, err := h.syncer.RunForActiveSelections(ctx, orchestrator.Trigger{Type: models.RunTypeManual, By: appctx.GetInitiator(ctx)})
	if err != nil {
		return err
	}
	return SuccessResponse(c, batch)
}

// RunEntity handles POST /sync/entities/:type. A unit that ran and failed is reported with its
// result body and a status matching the failure.
func (h *SyncHandler) RunEntity(c echo.Context) error {
	ctx := c.Request().Context()

	scope, err := QueryScope(c)
	if err != nil {
		return err
	}

	result, err := h.syncer.RunEntity(ctx, c.Param("type"), scope, orchestrator.Trigger{Type: models.RunTypeEntity, By: appctx.GetInitiator(ctx)})
	if err != nil {
		var se *syncerr.Error
		if result.RunID == "" || !errors.As(err, &se) {
			return err
		}
		return c.JSON(syncerr.StatusCode(err), result)
	}
	return SuccessResponse(c, result)
}
