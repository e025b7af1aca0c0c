package patients

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/docere/gateway/internal/domain/share"
	"github.com/docere/gateway/internal/platform/apierr"
	"github.com/docere/gateway/pkg/pagination"
)

// Sharer starts share requests on a patient's behalf; the share service
// implements it.
type Sharer interface {
	Create(ctx context.Context, patientID int64, toEmail string, recordIDs []int64) (*share.Request, error)
}

type Handler struct {
	svc    *Service
	sharer Sharer
}

func NewHandler(svc *Service, sharer Sharer) *Handler {
	return &Handler{svc: svc, sharer: sharer}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients", h.List)
	api.GET("/patients/:id", h.Get)
	api.GET("/patients/:id/records", h.Records)
	api.POST("/patients/:id/records", h.CreateRecord)
	api.PUT("/records/:id", h.UpdateRecord)
	api.POST("/patients/:id/share", h.Share)
}

// List serves the roster with optional local filtering: ?q= for name/email
// search, ?from=/?to= for last-visit range.
func (h *Handler) List(c echo.Context) error {
	if _, err := h.svc.List(c.Request().Context()); err != nil {
		return toHTTPError(err)
	}

	list := h.svc.Search(c.QueryParam("q"))
	if from, to := c.QueryParam("from"), c.QueryParam("to"); from != "" || to != "" {
		byDate := h.svc.FilterByDate(from, to)
		list = intersect(list, byDate)
	}

	pg := pagination.FromContext(c)
	page, total := pagination.Slice(list, pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, pagination.NewResponse(page, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Records(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	recs, err := h.svc.Records(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, recs)
}

func (h *Handler) CreateRecord(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		VisitDate *string `json:"visit_date"`
		Notes     string  `json:"notes"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.CreateRecord(c.Request().Context(), id, body.VisitDate, body.Notes)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) UpdateRecord(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		VisitDate *string `json:"visit_date"`
		Notes     string  `json:"notes"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.UpdateRecord(c.Request().Context(), id, body.VisitDate, body.Notes)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// Share starts a share request for the patient's records.
func (h *Handler) Share(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		ToEmail   string  `json:"to_email"`
		RecordIDs []int64 `json:"record_ids"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := h.sharer.Create(c.Request().Context(), id, body.ToEmail, body.RecordIDs)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, req)
}

func intersect(a, b []*Patient) []*Patient {
	ids := make(map[int64]bool, len(b))
	for _, p := range b {
		ids[p.ID] = true
	}
	out := make([]*Patient, 0, len(a))
	for _, p := range a {
		if ids[p.ID] {
			out = append(out, p)
		}
	}
	return out
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
