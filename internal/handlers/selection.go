package handlers

import (
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/selection"
)

type SelectionHandler struct {
	manager *selection.Manager
}

func NewSelectionHandler(manager *selection.Manager) *SelectionHandler {
	return &SelectionHandler{manager: manager}
}

func (h *SelectionHandler) RegisterRoutes(g *echo.Group) {
	selections := g.Group("/selections")
	selections.GET("", h.List)
	selections.POST("", h.Activate)
	selections.DELETE("/:plant_id", h.RemovePlant)
	selections.DELETE("/:plant_id/issues/:issue_revision", h.DeactivateIssue)
}

// List handles GET /selections?include_inactive=true
func (h *SelectionHandler) List(c echo.Context) error {
	selections, err := h.manager.List(c.Request().Context(), c.QueryParam("include_inactive") == "true")
	if err != nil {
		return err
	}
	return SuccessResponse(c, selections)
}

// Activate handles POST /selections
func (h *SelectionHandler) Activate(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.SelectionRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	sel, err := h.manager.Activate(ctx, req, appctx.GetInitiator(ctx))
	if err != nil {
		return err
	}
	return CreatedResponse(c, sel)
}

// RemovePlant handles DELETE /selections/:plant_id and returns the issue selections it cascaded to.
func (h *SelectionHandler) RemovePlant(c echo.Context) error {
	issues, err := h.manager.Remove(c.Request().Context(), c.Param("plant_id"))
	if err != nil {
		return err
	}
	return SuccessResponse(c, map[string]any{"plant_id": c.Param("plant_id"), "deactivated_issues": issues})
}

// DeactivateIssue handles DELETE /selections/:plant_id/issues/:issue_revision
func (h *SelectionHandler) DeactivateIssue(c echo.Context) error {
	if err := h.manager.Deactivate(c.Request().Context(), c.Param("plant_id"), c.Param("issue_revision")); err != nil {
		return err
	}
	return NoContentResponse(c)
}
