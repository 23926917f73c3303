package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on the request context. Store calls honour
// it, so a handler that runs out of time fails with context.DeadlineExceeded
// and is answered with 504 and an OperationOutcome.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && !c.Response().Committed {
				return c.JSON(http.StatusGatewayTimeout, map[string]any{
					"resourceType": "OperationOutcome",
					"issue": []map[string]any{{
						"severity":    "error",
						"code":        "timeout",
						"diagnostics": "request processing exceeded the allowed time limit",
					}},
				})
			}
			return err
		}
	}
}
