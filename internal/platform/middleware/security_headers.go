package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders locks down responses of a JSON API that returns personal
// lab data: no sniffing, framing, referrers or caching. hsts adds a one year
// Strict-Transport-Security header and should only be set behind TLS.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	headers := map[string]string{
		"X-Content-Type-Options":       "nosniff",
		"X-Frame-Options":              "DENY",
		"Content-Security-Policy":      "default-src 'none'; frame-ancestors 'none'",
		"Cross-Origin-Resource-Policy": "same-origin",
		"Referrer-Policy":              "no-referrer",
		"Cache-Control":                "no-store",
	}
	if hsts {
		headers["Strict-Transport-Security"] = "max-age=31536000"
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for k, v := range headers {
				h.Set(k, v)
			}
			return next(c)
		}
	}
}
