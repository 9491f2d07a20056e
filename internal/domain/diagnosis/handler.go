package diagnosis

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/labsense/labsense/internal/platform/auth"
	"github.com/labsense/labsense/internal/platform/httpx"
	"github.com/labsense/labsense/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/diagnose", h.Create)
	api.GET("/diagnose", h.List)
	api.GET("/diagnose/:id", h.Get)
}

type createRequest struct {
	Symptoms string `json:"symptoms"`
	ReportID string `json:"reportId"`
}

// toHTTPError maps diagnosis errors onto API errors.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return httpx.NewError(http.StatusBadRequest, httpx.CodeValidation, err.Error())
	case errors.Is(err, ErrNotFound):
		return httpx.NewError(http.StatusNotFound, httpx.CodeNotFound, "diagnosis not found")
	case errors.Is(err, ErrReportNotFound):
		return httpx.NewError(http.StatusNotFound, httpx.CodeNotFound, "the specified lab report was not found")
	case errors.Is(err, ErrReportProcessing):
		return httpx.NewError(http.StatusConflict, httpx.CodeReportProcessing, "the specified lab report is still being processed")
	case errors.Is(err, ErrReportFailed):
		return httpx.NewError(http.StatusConflict, httpx.CodeReportFailed, "the specified lab report failed processing")
	default:
		return err
	}
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return httpx.NewError(http.StatusBadRequest, httpx.CodeValidation, "invalid request body")
	}

	in := CreateInput{Symptoms: req.Symptoms}
	if id := strings.TrimSpace(req.ReportID); id != "" {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return httpx.NewError(http.StatusBadRequest, httpx.CodeValidation, "invalid reportId")
		}
		in.ReportID = &parsed
	}

	ctx := c.Request().Context()
	d, err := h.svc.Create(ctx, auth.UserIDFromContext(ctx), auth.ProfileFromContext(ctx), in)
	if err != nil {
		return toHTTPError(err)
	}
	return httpx.Success(c, http.StatusCreated, "Diagnosis received successfully.", d)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	if items == nil {
		items = []*Diagnosis{}
	}
	return httpx.Success(c, http.StatusOK, "Diagnoses retrieved successfully.", pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return httpx.NewError(http.StatusBadRequest, httpx.CodeValidation, "invalid diagnosis id")
	}
	d, err := h.svc.Get(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), id)
	if err != nil {
		return toHTTPError(err)
	}
	return httpx.Success(c, http.StatusOK, "Diagnosis retrieved successfully.", d)
}
