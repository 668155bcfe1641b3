package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// encounterParams are the route parameters that carry an encounter id.
var encounterParams = []string{"id", "encounterId"}

// Recovery turns a handler panic into a 500 and logs it with the encounter
// and user it happened for.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					var stack [4096]byte
					n := runtime.Stack(stack[:], false)

					event := logger.Error().
						Str("request_id", contextString(c, "request_id")).
						Str("method", c.Request().Method).
						Str("route", c.Path()).
						Str("path", c.Request().URL.Path)
					if id := encounterID(c); id != "" {
						event = event.Str("encounter_id", id)
					}
					if uid := contextString(c, "user_id"); uid != "" {
						event = event.Str("user_id", uid)
					}
					event.
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(stack[:n])).
						Msg("panic recovered")

					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

func encounterID(c echo.Context) string {
	for _, name := range encounterParams {
		if v := c.Param(name); v != "" {
			return v
		}
	}
	return ""
}

func contextString(c echo.Context, key string) string {
	v, _ := c.Get(key).(string)
	return v
}
