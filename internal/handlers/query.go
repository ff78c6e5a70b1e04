package handlers

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/entity"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/query"
)

var reservedParams = map[string]bool{"limit": true, "offset": true}

// ErrorResolver marks error records as handled.
type ErrorResolver interface {
	Resolve(ctx context.Context, id string) error
}

type QueryHandler struct {
	service  *query.Service
	catalog  *entity.Catalog
	resolver ErrorResolver
}

func NewQueryHandler(service *query.Service, catalog *entity.Catalog, resolver ErrorResolver) *QueryHandler {
	return &QueryHandler{service: service, catalog: catalog, resolver: resolver}
}

func (h *QueryHandler) RegisterRoutes(g *echo.Group) {
	entities := g.Group("/entities")
	entities.GET("", h.ListTypes)
	entities.GET("/:type", h.GetCurrent)
	entities.GET("/:type/history", h.GetHistory)

	runs := g.Group("/runs")
	runs.GET("", h.ListRuns)
	runs.GET("/:id", h.GetRun)
	runs.GET("/:id/reconcile", h.Reconcile)

	errs := g.Group("/errors")
	errs.GET("", h.ListErrors)
	errs.POST("/:id/resolve", h.ResolveError)

	g.GET("/status/tables", h.TableStatuses)
}

// TableStatuses handles GET /status/tables
func (h *QueryHandler) TableStatuses(c echo.Context) error {
	statuses, err := h.service.TableStatuses(c.Request().Context())
	if err != nil {
		return err
	}
	return SuccessResponse(c, statuses)
}

// ListTypes handles GET /entities
func (h *QueryHandler) ListTypes(c echo.Context) error {
	return SuccessResponse(c, h.catalog.Types())
}

// GetCurrent handles GET /entities/:type. Query parameters other than limit and offset filter
// columns exactly.
func (h *QueryHandler) GetCurrent(c echo.Context) error {
	limit, err := QueryInt(c, "limit")
	if err != nil {
		return err
	}
	offset, err := QueryInt(c, "offset")
	if err != nil {
		return err
	}

	filter := map[string]string{}
	for name, values := range c.QueryParams() {
		if reservedParams[name] || len(values) == 0 {
			continue
		}
		filter[name] = values[0]
	}

	rows, err := h.service.GetCurrent(c.Request().Context(), c.Param("type"), query.CurrentQuery{Filter: filter, Limit: limit, Offset: offset})
	if err != nil {
		return err
	}
	return SuccessResponse(c, rows)
}

// GetHistory handles GET /entities/:type/history?key=a&key=b
func (h *QueryHandler) GetHistory(c echo.Context) error {
	key := c.QueryParams()["key"]
	if len(key) == 0 {
		return BadRequest("key query parameter is required")
	}
	history, err := h.service.GetHistory(c.Request().Context(), c.Param("type"), key)
	if err != nil {
		return err
	}
	return SuccessResponse(c, history)
}

// ListRuns handles GET /runs
func (h *QueryHandler) ListRuns(c echo.Context) error {
	var filter models.RunFilter
	if err := c.Bind(&filter); err != nil {
		return BadRequest("invalid run filter")
	}
	runs, err := h.service.GetRunHistory(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return SuccessResponse(c, runs)
}

// GetRun handles GET /runs/:id
func (h *QueryHandler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return SuccessResponse(c, run)
}

// Reconcile handles GET /runs/:id/reconcile
func (h *QueryHandler) Reconcile(c echo.Context) error {
	result, err := h.service.Reconcile(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return SuccessResponse(c, result)
}

// ListErrors handles GET /errors. since is an RFC 3339 timestamp.
func (h *QueryHandler) ListErrors(c echo.Context) error {
	var filter models.ErrorFilter
	if err := c.Bind(&filter); err != nil {
		return BadRequest("invalid error filter")
	}
	if raw := c.QueryParam("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return BadRequest("invalid since: must be RFC 3339")
		}
		filter.Since = &since
	}

	records, err := h.service.GetErrorLog(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return SuccessResponse(c, records)
}

// ResolveError handles POST /errors/:id/resolve
func (h *QueryHandler) ResolveError(c echo.Context) error {
	if err := h.resolver.Resolve(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return NoContentResponse(c)
}
