// controller/ingress_controller.go
package controller

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campusops/relay/audit"
	"github.com/campusops/relay/auth"
	"github.com/campusops/relay/bus"
	"github.com/campusops/relay/config"
	"github.com/campusops/relay/dispatch"
	relay_errors "github.com/campusops/relay/errors"
	logger "github.com/campusops/relay/logging"
	"github.com/campusops/relay/middleware"
	"github.com/campusops/relay/model"
	"github.com/campusops/relay/util"
)

// ProxySource tags events constructed on the proxied compute surface.
const ProxySource = "relay.proxy"

// publishBody is the direct-bus request body.
type publishBody struct {
	Detail     json.RawMessage `json:"Detail"`
	DetailType string          `json:"DetailType"`
}

type IngressController struct {
	cfg        config.IngressConfig
	busAuth    auth.Authorizer
	proxyAuth  auth.Authorizer
	busRouter  *bus.Router
	dispatcher *dispatch.Dispatcher
	audit      audit.Service
	routes     map[string]string
}

func NewIngressController(
	cfg config.IngressConfig,
	busAuth auth.Authorizer,
	proxyAuth auth.Authorizer,
	busRouter *bus.Router,
	dispatcher *dispatch.Dispatcher,
	auditSvc audit.Service,
) *IngressController {
	routes := make(map[string]string, len(cfg.Proxy.Routes))
	for _, route := range cfg.Proxy.Routes {
		routes[route.Resource] = route.Consumer
	}
	return &IngressController{
		cfg:        cfg,
		busAuth:    busAuth,
		proxyAuth:  proxyAuth,
		busRouter:  busRouter,
		dispatcher: dispatcher,
		audit:      auditSvc,
		routes:     routes,
	}
}

// RegisterRoutes registers the two ingress surfaces
func (ic *IngressController) RegisterRoutes(r *gin.Engine) {
	r.POST("/", ic.PublishEvent)
	r.POST("/functions/:resource", ic.InvokeFunction)
}

// PublishEvent is the direct bus surface: an admitted, authorized POST body
// becomes an Event handed to the bus router. The response is a generic
// acknowledgement, independent of downstream dispatch outcome.
func (ic *IngressController) PublishEvent(c *gin.Context) {
	req, ok := middleware.RequestFromContext(c)
	if !ok {
		util.RespondWithError(c, http.StatusInternalServerError, "Request not normalized", relay_errors.ErrInternalServer)
		return
	}

	decision, err := ic.busAuth.Authorize(c.Request.Context(), req)
	if err != nil {
		audit.Emit(c.Request.Context(), ic.audit, req.ID, audit.StageAuth, audit.OutcomeDenied, gin.H{"reason": "authorizer error"})
		util.RespondWithError(c, http.StatusInternalServerError, "Authorization failed", err)
		return
	}
	if !decision.Allow {
		audit.Emit(c.Request.Context(), ic.audit, req.ID, audit.StageAuth, audit.OutcomeDenied, gin.H{"reason": decision.Reason})
		ic.rejectUnauthorized(c, decision.Reason)
		return
	}
	audit.Emit(c.Request.Context(), ic.audit, req.ID, audit.StageAuth, audit.OutcomeAuthorized, gin.H{"principal": decision.Principal})

	var body publishBody
	if err := json.Unmarshal(req.Body, &body); err != nil || len(body.Detail) == 0 {
		util.RespondWithError(c, http.StatusBadRequest, "Invalid event payload", relay_errors.ErrInvalidEventPayload)
		return
	}

	detailType := ic.cfg.Bus.DetailType
	if ic.cfg.Bus.DetailTypeFromBody && body.DetailType != "" {
		detailType = body.DetailType
	}
	if detailType == "" {
		util.RespondWithError(c, http.StatusBadRequest, "Event detail type missing", relay_errors.ErrInvalidEventPayload)
		return
	}

	evt := model.Event{
		ID:         uuid.NewString(),
		Account:    ic.cfg.Bus.Account,
		Source:     ic.cfg.Bus.Source,
		DetailType: detailType,
		Detail:     body.Detail,
		ReceivedAt: time.Now(),
	}

	matches := ic.busRouter.Route(evt)
	if len(matches) == 0 {
		audit.Emit(c.Request.Context(), ic.audit, req.ID, audit.StageRoute, audit.OutcomeNoMatch,
			gin.H{"eventID": evt.ID, "source": evt.Source, "reason": relay_errors.ErrNoRuleMatched.Error()})
	} else {
		audit.Emit(c.Request.Context(), ic.audit, req.ID, audit.StageRoute, audit.OutcomeMatched, gin.H{"eventID": evt.ID, "targets": len(matches)})
		ic.dispatcher.Dispatch(c.Request.Context(), req.ID, evt, matches)
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "accepted", "event_id": evt.ID})
}

// InvokeFunction is the proxied compute surface: after signature
// authorization the bound consumer is invoked synchronously and its response
// relayed verbatim. The bus router is bypassed entirely.
func (ic *IngressController) InvokeFunction(c *gin.Context) {
	req, ok := middleware.RequestFromContext(c)
	if !ok {
		util.RespondWithError(c, http.StatusInternalServerError, "Request not normalized", relay_errors.ErrInternalServer)
		return
	}

	decision, err := ic.proxyAuth.Authorize(c.Request.Context(), req)
	if err != nil {
		audit.Emit(c.Request.Context(), ic.audit, req.ID, audit.StageAuth, audit.OutcomeDenied, gin.H{"reason": "authorizer error"})
		util.RespondWithError(c, http.StatusInternalServerError, "Authorization failed", err)
		return
	}
	if !decision.Allow {
		audit.Emit(c.Request.Context(), ic.audit, req.ID, audit.StageAuth, audit.OutcomeDenied, gin.H{"reason": decision.Reason})
		ic.rejectUnauthorized(c, decision.Reason)
		return
	}
	audit.Emit(c.Request.Context(), ic.audit, req.ID, audit.StageAuth, audit.OutcomeAuthorized, gin.H{"principal": decision.Principal})

	resource := c.Param("resource")
	consumerID, ok := ic.routes[resource]
	if !ok {
		util.RespondWithError(c, http.StatusNotFound, "Unknown resource", relay_errors.ErrConsumerNotFound)
		return
	}

	evt := model.Event{
		ID:         uuid.NewString(),
		Account:    ic.cfg.Bus.Account,
		Source:     ProxySource,
		DetailType: resource,
		Detail:     req.Body,
		ReceivedAt: time.Now(),
	}

	result, err := ic.dispatcher.InvokeSync(c.Request.Context(), consumerID, evt)
	if err != nil && result.StatusCode == 0 {
		logger.Error("Proxied invocation failed",
			zap.Error(err),
			zap.String("consumerID", consumerID),
			zap.String("resource", resource))
		audit.Emit(c.Request.Context(), ic.audit, req.ID, audit.StageDispatch, audit.OutcomeFailed, result)
		util.RespondWithError(c, http.StatusBadGateway, "Consumer unavailable", err)
		return
	}

	outcome := audit.OutcomeDispatched
	if err != nil {
		outcome = audit.OutcomeFailed
	}
	audit.Emit(c.Request.Context(), ic.audit, req.ID, audit.StageDispatch, outcome, result)

	// The consumer's status, content type, and body pass through verbatim.
	contentType := result.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(result.StatusCode, contentType, result.Body)
}

// rejectUnauthorized maps a denial to 401 when no credentials were
// presented and 403 otherwise.
func (ic *IngressController) rejectUnauthorized(c *gin.Context, reason string) {
	req, _ := middleware.RequestFromContext(c)
	status := http.StatusForbidden
	if req != nil && req.Header(auth.HeaderSignature) == "" && req.Header("Authorization") == "" {
		status = http.StatusUnauthorized
	}
	logger.Warn("Request denied",
		zap.Error(relay_errors.ErrAuthDenied),
		zap.Int("status", status),
		zap.String("reason", reason),
		zap.String("path", c.Request.URL.Path))
	c.JSON(status, gin.H{"error": "Unauthorized"})
}
