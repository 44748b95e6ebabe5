package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/policy"
)

// evaluatePolicy runs the pipeline for one request body and returns the
// decision plus the HTTP status for the route.
func (s *Server) evaluatePolicy(c *echo.Context, req *policyEvaluateRequest, action string) (*policy.Decision, *apiError) {
	if apiErr := validateSchemaVersionBody(c, req.SchemaVersion); apiErr != nil {
		return nil, apiErr
	}
	if action == "" {
		return nil, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "action is required")
	}

	sess := session(c)
	decision, err := s.policyPipeline.Evaluate(c.Request().Context(), policy.Input{
		Action:            action,
		WorkspaceID:       sess.WorkspaceID,
		ActorType:         sess.ActorType,
		ActorID:           sess.PrincipalID,
		PrincipalID:       sess.PrincipalID,
		RoomID:            req.RoomID,
		CapabilityTokenID: req.CapabilityTokenID,
		TargetURL:         req.TargetURL,
		TargetTool:        req.TargetTool,
		ResourceType:      req.ResourceType,
		ResourceID:        req.ResourceID,
		PurposeTag:        req.PurposeTag,
		Justification:     req.Justification,
		CorrelationID:     boundCorrelationID(c),
	})
	if err != nil {
		return nil, mapDomainError(err)
	}
	return decision, nil
}

func (s *Server) policyEvaluateHandler(c *echo.Context) error {
	var req policyEvaluateRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	decision, apiErr := s.evaluatePolicy(c, &req, req.Action)
	if apiErr != nil {
		return respondError(c, apiErr)
	}
	return c.JSON(http.StatusOK, decision)
}

// egressRequestHandler evaluates an egress mutation; the decision row is
// persisted in sec_egress_requests by the pipeline.
func (s *Server) egressRequestHandler(c *echo.Context) error {
	var req policyEvaluateRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	action := req.Action
	if action == "" {
		action = policy.ActionExternalWrite
	}
	decision, apiErr := s.evaluatePolicy(c, &req, action)
	if apiErr != nil {
		return respondError(c, apiErr)
	}
	return c.JSON(http.StatusCreated, decision)
}

// dataAccessRequestHandler evaluates a data-access mutation against DAC
// labels and capability data_access scopes.
func (s *Server) dataAccessRequestHandler(c *echo.Context) error {
	var req policyEvaluateRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	action := req.Action
	if action == "" {
		action = policy.ActionDataRead
	}
	decision, apiErr := s.evaluatePolicy(c, &req, action)
	if apiErr != nil {
		return respondError(c, apiErr)
	}
	return c.JSON(http.StatusCreated, decision)
}

func (s *Server) grantCapabilityHandler(c *echo.Context) error {
	var req grantCapabilityRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	if apiErr := validateSchemaVersionBody(c, req.SchemaVersion); apiErr != nil {
		return respondError(c, apiErr)
	}
	if req.SubjectPrincipalID == "" {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "subject_principal_id is required"))
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	sess := session(c)
	now := time.Now()
	token := &models.CapabilityToken{
		TokenID:            "cap_" + uuid.New().String(),
		WorkspaceID:        sess.WorkspaceID,
		Issuer:             sess.PrincipalID,
		SubjectPrincipalID: req.SubjectPrincipalID,
		Scopes: models.CapabilityScopes{
			Rooms:         req.Rooms,
			Tools:         req.Tools,
			ActionTypes:   req.ActionTypes,
			EgressDomains: req.EgressDomains,
			DataAccess: models.DataAccessScope{
				Read:  req.DataAccessRead,
				Write: req.DataAccessWrite,
			},
		},
		NotBefore:     now,
		NotAfter:      now.Add(ttl),
		ParentTokenID: req.ParentTokenID,
	}
	if err := policy.GrantToken(c.Request().Context(), s.kernel.DB(), token); err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusCreated, token)
}

func (s *Server) revokeCapabilityHandler(c *echo.Context) error {
	var req revokeCapabilityRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	if req.TokenID == "" {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "token_id is required"))
	}

	sess := session(c)
	if err := policy.RevokeToken(c.Request().Context(), s.kernel.DB(), sess.WorkspaceID, req.TokenID); err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, map[string]any{"revoked": true})
}
