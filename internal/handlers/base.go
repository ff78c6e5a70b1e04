// Package handlers exposes the trigger, query and selection surfaces over HTTP.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/entity"
)

func SuccessResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, data)
}

func CreatedResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusCreated, data)
}

func NoContentResponse(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

// QueryInt reads an optional integer query parameter.
func QueryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid %s: must be a non-negative integer", name)
	}
	return n, nil
}

// QueryScope reads plant_id and issue_revision query parameters.
func QueryScope(c echo.Context) (entity.Scope, error) {
	scope := entity.Scope{
		PlantID:       c.QueryParam("plant_id"),
		IssueRevision: c.QueryParam("issue_revision"),
	}
	if scope.PlantID == "" && scope.IssueRevision != "" {
		return entity.Scope{}, BadRequest("issue_revision requires plant_id")
	}
	return scope, nil
}
