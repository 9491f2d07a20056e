package report

import (
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/labsense/labsense/internal/platform/auth"
	"github.com/labsense/labsense/internal/platform/blobstore"
	"github.com/labsense/labsense/internal/platform/httpx"
	"github.com/labsense/labsense/pkg/pagination"
)

// FormFileField is the multipart field carrying the report image.
const FormFileField = "reportFile"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/reports", h.Upload)
	api.GET("/reports", h.List)
	api.GET("/reports/:id", h.Get)
	api.GET("/reports/:id/file", h.Download)
	api.DELETE("/reports/:id", h.Delete)
}

// toHTTPError maps report errors onto API errors.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return httpx.NewError(http.StatusBadRequest, httpx.CodeValidation, err.Error())
	case errors.Is(err, ErrNotFound):
		return httpx.NewError(http.StatusNotFound, httpx.CodeNotFound, "report not found")
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return httpx.NewError(http.StatusRequestEntityTooLarge, httpx.CodeFileTooLarge, err.Error())
	default:
		return err
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, httpx.NewError(http.StatusBadRequest, httpx.CodeValidation, "invalid report id")
	}
	return id, nil
}

// detectMimeType prefers the part's declared type and falls back to the
// file extension.
func detectMimeType(fh *multipart.FileHeader) string {
	ct := fh.Header.Get(echo.HeaderContentType)
	if ct != "" && ct != echo.MIMEOctetStream {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			return mt
		}
	}
	if byExt := mime.TypeByExtension(filepath.Ext(fh.Filename)); byExt != "" {
		if mt, _, err := mime.ParseMediaType(byExt); err == nil {
			return mt
		}
	}
	return ct
}

func (h *Handler) Upload(c echo.Context) error {
	in := UploadInput{
		ReportName: c.FormValue("reportName"),
		ReportType: c.FormValue("reportType"),
	}

	fh, err := c.FormFile(FormFileField)
	switch {
	case err == nil:
		src, err := fh.Open()
		if err != nil {
			return fmt.Errorf("open uploaded file: %w", err)
		}
		defer src.Close()
		in.FileName = fh.Filename
		in.MimeType = detectMimeType(fh)
		in.Content = src
	case errors.Is(err, http.ErrMissingFile):
	default:
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return httpErr
		}
		return httpx.NewError(http.StatusBadRequest, httpx.CodeValidation, "invalid multipart form")
	}

	rep, err := h.svc.Upload(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), in)
	if err != nil {
		return toHTTPError(err)
	}
	return httpx.Success(c, http.StatusCreated, "Report uploaded and is being processed", rep)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	if items == nil {
		items = []*Report{}
	}
	return httpx.Success(c, http.StatusOK, "Reports retrieved", pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rep, err := h.svc.Get(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), id)
	if err != nil {
		return toHTTPError(err)
	}
	return httpx.Success(c, http.StatusOK, "Report retrieved", rep)
}

func (h *Handler) Download(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rc, rep, err := h.svc.OpenFile(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), id)
	if err != nil {
		return toHTTPError(err)
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, rep.FileName))
	return c.Stream(http.StatusOK, rep.MimeType, rc)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), id); err != nil {
		return toHTTPError(err)
	}
	return httpx.Success(c, http.StatusOK, "Report deleted", nil)
}
