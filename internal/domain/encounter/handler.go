package encounter

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/livepanels/internal/domain/fact"
	"github.com/ehr/livepanels/internal/platform/auth"
)

type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("physician", "nurse", "scribe"))
	g.POST("/encounters", h.StartEncounter)
	g.DELETE("/encounters/:id", h.EndEncounter)
	g.POST("/encounters/:id/facts", h.SubmitFact)
	g.GET("/encounters/:id/panels", h.GetPanels)
}

type startRequest struct {
	EncounterID string `json:"encounter_id"`
}

// FactResponse reports what happened to one submitted fact.
type FactResponse struct {
	FactID         string       `json:"fact_id,omitempty"`
	NormalizedCode string       `json:"normalized_code,omitempty"`
	Outcome        fact.Outcome `json:"outcome"`
	Version        uint64       `json:"version"`
	Published      bool         `json:"published"`
}

func (h *Handler) StartEncounter(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	state, err := h.dispatcher.Start(req.EncounterID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, state)
}

func (h *Handler) EndEncounter(c echo.Context) error {
	if err := h.dispatcher.End(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SubmitFact(c echo.Context) error {
	var ev fact.Event
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id := c.Param("id")
	if ev.EncounterID == "" {
		ev.EncounterID = id
	}
	if fact.CanonicalEncounterID(ev.EncounterID) != fact.CanonicalEncounterID(id) {
		return echo.NewHTTPError(http.StatusBadRequest, "encounter_id does not match path")
	}

	res, err := h.dispatcher.Process(c.Request().Context(), ev)
	if err != nil {
		return httpError(err)
	}
	if res.Err != nil {
		return httpError(res.Err)
	}
	return c.JSON(http.StatusOK, FactResponse{
		FactID:         res.Fact.ID,
		NormalizedCode: res.Fact.NormalizedCode,
		Outcome:        res.Outcome,
		Version:        res.Panels.Version,
		Published:      res.Published,
	})
}

func (h *Handler) GetPanels(c echo.Context) error {
	state, err := h.dispatcher.Current(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, state)
}

func httpError(err error) error {
	var verr *fact.ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, verr.Error())
	case errors.Is(err, ErrUnknownEncounter):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrEncounterExists), errors.Is(err, ErrEncounterClosed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
