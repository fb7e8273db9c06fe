package timeline

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consolidation/internal/event"
	"github.com/ehr/consolidation/internal/normalize"
	"github.com/ehr/consolidation/pkg/pagination"
)

// Handler serves the materialized timeline over HTTP.
type Handler struct {
	store event.Store
}

func NewHandler(store event.Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/timeline/:patientID", h.GetTimeline)
}

// GetTimeline returns one patient's events, optionally bounded by
// from/to dates, newest-first paging left to limit/offset.
func (h *Handler) GetTimeline(c echo.Context) error {
	patientID := normalize.Key(c.Param("patientID"))
	if patientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient id is required")
	}

	from, ok := parseBound(c.QueryParam("from"))
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
	}
	to, ok := parseBound(c.QueryParam("to"))
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
	}

	page := pagination.FromContext(c)
	events, total, err := h.store.ListByPatient(c.Request().Context(), patientID, from, to, page.Limit, page.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list events")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, page.Limit, page.Offset))
}

func parseBound(raw string) (*time.Time, bool) {
	if raw == "" {
		return nil, true
	}
	ts, ok := normalize.Timestamp(raw)
	if !ok {
		return nil, false
	}
	return &ts, true
}
