package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const userContextKey = "tasks.user"

// GzipRequestMiddleware decompresses gzip-encoded request bodies so handlers can
// work with plain JSON payloads. Requests with invalid gzip payloads are
// rejected with a 400 response. The decompressed stream is capped at
// maxBodySize plus one byte so oversized payloads still fail to decode.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &gzipReadCloser{Reader: io.LimitReader(gr, maxBodySize+1), gz: gr, body: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	io.Reader
	gz   *gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.gz.Close()
	if cerr := g.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// RequestID tags every request and response with an X-Request-Id, generating
// a UUID when the client did not send one.
func RequestID() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	})
}

// RequireAuth resolves the caller from the Authorization header and stores
// the user id on the context. Failures are answered with 401.
func RequireAuth(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			metrics := metricsFrom(c)
			metrics.ObserveAuth(time.Since(start))
			if err != nil {
				metrics.SetErrorStage("auth")
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
			}
			c.Set(userContextKey, userID)
			return next(c)
		}
	}
}

func userIDFrom(c echo.Context) string {
	id, _ := c.Get(userContextKey).(string)
	return id
}
