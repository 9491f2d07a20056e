package user

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/labsense/labsense/internal/platform/auth"
	"github.com/labsense/labsense/internal/platform/httpx"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/users/me", h.Get)
	api.PATCH("/users/me", h.Update)
}

func toHTTPError(err error) error {
	if errors.Is(err, ErrValidation) {
		return httpx.NewError(http.StatusBadRequest, httpx.CodeValidation, err.Error())
	}
	return err
}

func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := h.svc.Get(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		return toHTTPError(err)
	}
	return httpx.Success(c, http.StatusOK, "Profile retrieved successfully.", p)
}

func (h *Handler) Update(c echo.Context) error {
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return httpx.NewError(http.StatusBadRequest, httpx.CodeValidation, "invalid request body")
	}
	ctx := c.Request().Context()
	p, err := h.svc.Update(ctx, auth.UserIDFromContext(ctx), in)
	if err != nil {
		return toHTTPError(err)
	}
	return httpx.Success(c, http.StatusOK, "Profile updated successfully.", p)
}
