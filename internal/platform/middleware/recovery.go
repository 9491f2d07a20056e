package middleware

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"github.com/labsense/labsense/internal/platform/httpx"
)

// Recovery turns a handler panic into a 500 envelope. http.ErrAbortHandler
// is re-raised so net/http can abort the connection.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var err error
			var pc panics.Catcher
			pc.Try(func() { err = next(c) })

			rec := pc.Recovered()
			if rec == nil {
				return err
			}
			if rec.Value == http.ErrAbortHandler {
				panic(rec.Value)
			}

			rid, _ := c.Get("request_id").(string)
			logger.Error().
				Str("request_id", rid).
				Str("route", c.Path()).
				Str("panic", fmt.Sprintf("%v", rec.Value)).
				Str("stack", string(rec.Stack)).
				Msg("panic recovered")
			return httpx.NewError(http.StatusInternalServerError, httpx.CodeInternal, "internal server error")
		}
	}
}
