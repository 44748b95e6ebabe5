package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/auth"
)

// Schema versioning: routes accept the current version and the immediately
// previous one.
const (
	SchemaVersion         = "v2"
	PreviousSchemaVersion = "v1"
)

// SupportedVersions are accepted on pipeline-v2 routes.
var SupportedVersions = map[string]bool{
	SchemaVersion:         true,
	PreviousSchemaVersion: true,
}

// Context keys for the bound request state.
const (
	ctxSession       = "session"
	ctxCorrelationID = "correlation_id"
)

const sessionCookieName = "conductor_session"

// errorTaxonomy rewrites errors escaping the handler chain (body limit,
// routing) into the fixed error body shape.
func errorTaxonomy() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}
			var he *echo.HTTPError
			if errors.As(err, &he) {
				switch he.Code {
				case http.StatusRequestEntityTooLarge:
					return respondError(c, newAPIError(he.Code, ReasonPayloadTooLarge,
						"request body exceeds the size limit"))
				case http.StatusNotFound:
					return respondError(c, newAPIError(he.Code, ReasonNotFound, "not found"))
				default:
					return respondError(c, newAPIError(he.Code, ReasonInternal,
						http.StatusText(he.Code)))
				}
			}
			return respondError(c, mapDomainError(err))
		}
	}
}

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// requireWorkspace binds the request to exactly one workspace: bearer token,
// session cookie, or the legacy x-workspace-id header, in that order.
// Unbound requests fail with 401 missing_workspace_header.
func (s *Server) requireWorkspace() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			ctx := c.Request().Context()

			var sess *auth.Session
			var err error
			switch {
			case bearerToken(c) != "":
				sess, err = s.authService.ResolveToken(ctx, bearerToken(c))
			case cookieToken(c) != "":
				sess, err = s.authService.ResolveToken(ctx, cookieToken(c))
			case c.Request().Header.Get("x-workspace-id") != "":
				sess, err = s.authService.ResolveWorkspace(ctx, c.Request().Header.Get("x-workspace-id"))
			default:
				return respondError(c, newAPIError(http.StatusUnauthorized,
					ReasonMissingWorkspaceHeader, "no workspace binding: provide a bearer token, session cookie or x-workspace-id header"))
			}
			if err != nil {
				return respondError(c, mapDomainError(err))
			}

			c.Set(ctxSession, sess)
			c.Set(ctxCorrelationID, correlationID(c))
			return next(c)
		}
	}
}

// requireSchemaVersion gates routes on a supported schema_version taken from
// the query param or the x-schema-version header; when neither is given the
// current version is assumed. Request bodies are not read here: mutating
// handlers check the body field with validateSchemaVersionBody.
func requireSchemaVersion() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			version := c.QueryParam("schema_version")
			if version == "" {
				version = c.Request().Header.Get("x-schema-version")
			}
			if version == "" {
				version = SchemaVersion
			}
			if !SupportedVersions[version] {
				return respondError(c, newAPIError(http.StatusBadRequest,
					ReasonUnsupportedVersion, "unsupported schema_version "+version))
			}
			return next(c)
		}
	}
}

// session returns the bound auth session. Panics outside requireWorkspace —
// a programming error, not a runtime condition.
func session(c *echo.Context) *auth.Session {
	return c.Get(ctxSession).(*auth.Session)
}

// correlationID propagates the logical flow id: the caller's
// x-correlation-id wins, otherwise the request id stands in.
func correlationID(c *echo.Context) string {
	if id := c.Request().Header.Get("x-correlation-id"); id != "" {
		return id
	}
	if id := c.Request().Header.Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}

func boundCorrelationID(c *echo.Context) string {
	if v, ok := c.Get(ctxCorrelationID).(string); ok {
		return v
	}
	return uuid.New().String()
}

func bearerToken(c *echo.Context) string {
	const prefix = "Bearer "
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func cookieToken(c *echo.Context) string {
	cookie, err := c.Request().Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// validateSchemaVersionBody checks the schema_version field required on
// pipeline-v2 mutation bodies.
func validateSchemaVersionBody(c *echo.Context, version string) *apiError {
	if version == "" {
		return newAPIError(http.StatusBadRequest, ReasonMissingRequiredField,
			"schema_version is required")
	}
	if !SupportedVersions[version] {
		return newAPIError(http.StatusBadRequest, ReasonUnsupportedVersion,
			"unsupported schema_version "+version)
	}
	return nil
}
