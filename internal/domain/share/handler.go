package share

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/docere/gateway/internal/platform/apierr"
	"github.com/docere/gateway/pkg/pagination"
)

type Handler struct {
	svc      *Service
	watchCtx context.Context
}

func NewHandler(svc *Service, watchCtx context.Context) *Handler {
	return &Handler{svc: svc, watchCtx: watchCtx}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/share-requests", h.List)
	api.POST("/share-requests", h.Create)
	api.GET("/share-requests/:id", h.Get)
	api.DELETE("/share-requests/:id", h.Cancel)
	api.POST("/share-requests/:id/watch", h.Watch)
	api.DELETE("/share-requests/:id/watch", h.Unwatch)
	api.POST("/share-requests/:id/shares/:shareID/respond", h.Respond)
}

func (h *Handler) List(c echo.Context) error {
	list, err := h.svc.FetchAll(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	pg := pagination.FromContext(c)
	page, total := pagination.Slice(list, pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, pagination.NewResponse(page, total, pg.Limit, pg.Offset))
}

func (h *Handler) Create(c echo.Context) error {
	var body struct {
		PatientID int64   `json:"patient_id"`
		ToEmail   string  `json:"to_email"`
		RecordIDs []int64 `json:"record_ids"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := h.svc.Create(c.Request().Context(), body.PatientID, body.ToEmail, body.RecordIDs)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, req)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	req, err := h.svc.FetchOne(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) Respond(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	shareID, err := strconv.ParseInt(c.Param("shareID"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid share id")
	}
	var body struct {
		Action Action `json:"action"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := h.svc.Respond(c.Request().Context(), id, shareID, body.Action)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Cancel(c.Request().Context(), id); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Watch(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if h.svc.Request(id) == nil {
		if _, err := h.svc.FetchOne(c.Request().Context(), id); err != nil {
			return toHTTPError(err)
		}
	}
	h.svc.Watch(h.watchCtx, id)
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) Unwatch(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	h.svc.Unwatch(id)
	return c.NoContent(http.StatusNoContent)
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func toHTTPError(err error) error {
	return echo.NewHTTPError(apierr.HTTPStatus(err), err.Error())
}
