package upload

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/docere/gateway/internal/platform/apierr"
)

type Handler struct {
	svc *Service

	// watchCtx bounds background watches to the server's lifetime rather
	// than the request that started them.
	watchCtx context.Context
}

func NewHandler(svc *Service, watchCtx context.Context) *Handler {
	return &Handler{svc: svc, watchCtx: watchCtx}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/uploads", h.Submit)
	api.GET("/uploads", h.List)
	api.GET("/uploads/:id", h.Get)
	api.POST("/uploads/:id/watch", h.Watch)
	api.DELETE("/uploads/:id/watch", h.Unwatch)
	api.PATCH("/uploads/:id/extracted", h.UpdateExtracted)
	api.POST("/uploads/:id/select", h.SelectCandidate)
	api.POST("/uploads/:id/confirm", h.Confirm)
}

func (h *Handler) Submit(c echo.Context) error {
	fh, err := c.FormFile("archive_file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "archive_file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read archive_file")
	}
	defer f.Close()

	job, err := h.svc.Submit(c.Request().Context(), fh.Filename, fh.Header.Get("Content-Type"), fh.Size, f)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (h *Handler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Jobs())
}

func (h *Handler) Get(c echo.Context) error {
	job, err := h.svc.Poll(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) Watch(c echo.Context) error {
	id := c.Param("id")
	if h.svc.Job(id) == nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown job")
	}
	h.svc.Watch(h.watchCtx, id)
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) Unwatch(c echo.Context) error {
	h.svc.Unwatch(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) UpdateExtracted(c echo.Context) error {
	var patch Extracted
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	job, err := h.svc.UpdateExtracted(c.Param("id"), patch)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) SelectCandidate(c echo.Context) error {
	var body struct {
		FIO string `json:"fio"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	job, err := h.svc.SelectCandidate(c.Param("id"), body.FIO)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) Confirm(c echo.Context) error {
	job, err := h.svc.Confirm(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func toHTTPError(err error) error {
	return echo.NewHTTPError(apierr.HTTPStatus(err), err.Error())
}
