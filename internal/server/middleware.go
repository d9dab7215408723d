package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"setup-scorer/internal/common"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

const (
	headerRequestID = "X-Request-ID"
	ctxRequestID    = "request_id"
)

// Recover returns recovery middleware.
func Recover() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					perr, ok := r.(error)
					if !ok {
						perr = fmt.Errorf("%v", r)
					}
					log.Error().
						Err(perr).
						Str("path", c.Request().URL.Path).
						Bytes("stack", debug.Stack()).
						Msg("Recovered from panic")
					err = c.JSON(http.StatusInternalServerError, map[string]string{
						"detail": "Internal Server Error",
					})
				}
			}()
			return next(c)
		}
	}
}

// RequestLogging assigns a request id and logs every HTTP request.
func RequestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()
			start := time.Now()

			id := req.Header.Get(headerRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			c.Set(ctxRequestID, id)
			res.Header().Set(headerRequestID, id)

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			log.Debug().
				Str("request_id", id).
				Str("method", req.Method).
				Str("uri", req.RequestURI).
				Str("remote", c.RealIP()).
				Int("status", res.Status).
				Dur("latency", time.Since(start)).
				Msg("HTTP request")

			return nil
		}
	}
}

// APIKey rejects requests whose X-API-Key header does not match secret. An
// empty secret disables the check.
func APIKey(secret string, onReject func()) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if secret == "" {
			return next
		}
		return func(c echo.Context) error {
			got := c.Request().Header.Get(common.HeaderAPIKey)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				if onReject != nil {
					onReject()
				}
				log.Warn().
					Str("path", c.Request().URL.Path).
					Str("remote", c.RealIP()).
					Bool("key_present", got != "").
					Msg("Rejected request with invalid API key")
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"detail": "Invalid or missing API Key",
				})
			}
			return next(c)
		}
	}
}

func requestID(c echo.Context) string {
	id, _ := c.Get(ctxRequestID).(string)
	return id
}
