package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/labsense/labsense/internal/platform/httpx"
)

// RequestTimeout sets a deadline on each request context. When the deadline
// passes before the handler returns, a 504 envelope is written and the
// handler's late result is discarded.
//
// Reports are processed in the background, so no API route needs to outlive
// the deadline; diagnosis requests carry their own shorter model timeout.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			var err error
			select {
			case err = <-done:
				if err == nil {
					return nil
				}
			case <-ctx.Done():
				err = ctx.Err()
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return timeoutError(c)
			}
			return err
		}
	}
}

func timeoutError(c echo.Context) error {
	return httpx.Fail(c, http.StatusGatewayTimeout, httpx.CodeTimeout, "request processing exceeded the allowed time limit")
}
