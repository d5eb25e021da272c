package middleware

import (
	"github.com/labstack/echo/v4"

	"xproxy-go/internal/model"
)

// securityHeaders are added to responses of the proxy's own routes.
var securityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"Referrer-Policy":        "no-referrer",
}

// Proxied reports whether the request is bound for a target. It doubles as a
// Skipper for echo middleware that must not touch proxied traffic.
func Proxied(c echo.Context) bool {
	return c.Request().Header.Get(model.HeaderTarget) != ""
}

// SecurityHeaders returns an Echo middleware that adds security headers to
// locally served responses. Proxied responses keep the target's headers.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !Proxied(c) {
				h := c.Response().Header()
				for k, v := range securityHeaders {
					h.Set(k, v)
				}
			}
			return next(c)
		}
	}
}
