package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// controllerClaims is the optional bearer token a controller may present.
// Both fields are optional: a token with neither still authenticates,
// it just leaves ControllerID/TraceContext blank for the request.
type controllerClaims struct {
	jwt.RegisteredClaims
	ControllerID string `json:"controller_id"`
	TraceContext string `json:"trace_context"`
}

const (
	ctxKeyControllerID = "controllerId"
	ctxKeyTraceContext = "traceContext"
)

// jwtAuth returns middleware that validates an HMAC-signed (HS256,
// HS384 or HS512) bearer token when
// secret is non-empty, and a transparent no-op otherwise: the adapter
// works unauthenticated by default and only enforces a token when an
// operator configures one.
func jwtAuth(secret string) echo.MiddlewareFunc {
	if secret == "" {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error { return next(c) }
		}
	}

	key := []byte(secret)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenStr == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			token, err := jwt.ParseWithClaims(tokenStr, &controllerClaims{}, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenSignatureInvalid
				}
				return key, nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
			}

			claims := token.Claims.(*controllerClaims)
			c.Set(ctxKeyControllerID, claims.ControllerID)
			c.Set(ctxKeyTraceContext, claims.TraceContext)
			return next(c)
		}
	}
}

func controllerIDFrom(c echo.Context) string {
	if v, ok := c.Get(ctxKeyControllerID).(string); ok {
		return v
	}
	return ""
}

func traceContextFrom(c echo.Context) string {
	if v, ok := c.Get(ctxKeyTraceContext).(string); ok && v != "" {
		return v
	}
	return c.Request().Header.Get("X-Trace-Context")
}
