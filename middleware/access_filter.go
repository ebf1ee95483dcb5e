// middleware/access_filter.go

package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campusops/relay/audit"
	relay_errors "github.com/campusops/relay/errors"
	"github.com/campusops/relay/filter"
	logger "github.com/campusops/relay/logging"
	"github.com/campusops/relay/model"
)

// Context key under which the normalized request is stored for downstream
// handlers.
const RequestKey = "relayRequest"

// CountryHeader carries the edge-stamped origin country.
const CountryHeader = "X-Origin-Country"

// DefaultMaxBodyBytes caps the inbound body when no server-level limit is
// configured. The cap is enforced before the body is buffered, so an
// oversized POST never fully materializes in memory.
const DefaultMaxBodyBytes = 8 << 20

// AccessFilter normalizes each inbound call and evaluates the filter rule
// set before anything else sees the request. A block terminates the pipeline
// here; the remainder is never entered.
func AccessFilter(engine *filter.Engine, auditSvc audit.Service, maxBodyBytes int64) gin.HandlerFunc {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				reqID := uuid.NewString()
				c.Header("X-Request-Id", reqID)
				logger.Warn("Request body exceeds server cap",
					zap.Error(relay_errors.ErrFilterBlocked),
					zap.String("requestID", reqID),
					zap.Int64("maxBytes", maxBodyBytes),
					zap.String("path", c.Request.URL.Path),
					zap.String("ip", c.ClientIP()))
				audit.Emit(c.Request.Context(), auditSvc, reqID, audit.StageFilter, audit.OutcomeBlocked,
					gin.H{"reason": "body exceeds server cap", "path": c.Request.URL.Path})
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
				c.Abort()
				return
			}
			logger.Error("Failed to read request body", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed request body"})
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		req := &model.Request{
			ID:         uuid.NewString(),
			Method:     c.Request.Method,
			Path:       c.Request.URL.Path,
			Headers:    c.Request.Header,
			Body:       body,
			SourceIP:   c.ClientIP(),
			Country:    c.GetHeader(CountryHeader),
			ReceivedAt: time.Now(),
		}
		c.Set(RequestKey, req)
		c.Header("X-Request-Id", req.ID)

		outcome := engine.Evaluate(c.Request.Context(), req)

		detail := gin.H{"rule": outcome.Rule, "counted": outcome.Counted, "path": req.Path}
		if outcome.Allowed {
			audit.Emit(c.Request.Context(), auditSvc, req.ID, audit.StageFilter, audit.OutcomeAllowed, detail)
			c.Next()
			return
		}

		logger.Warn("Request blocked by access filter",
			zap.Error(relay_errors.ErrFilterBlocked),
			zap.String("requestID", req.ID),
			zap.String("rule", outcome.Rule),
			zap.String("path", req.Path),
			zap.String("ip", req.SourceIP))
		audit.Emit(c.Request.Context(), auditSvc, req.ID, audit.StageFilter, audit.OutcomeBlocked, detail)
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		c.Abort()
	}
}

// RequestFromContext returns the normalized request stored by AccessFilter.
func RequestFromContext(c *gin.Context) (*model.Request, bool) {
	value, exists := c.Get(RequestKey)
	if !exists {
		return nil, false
	}
	req, ok := value.(*model.Request)
	return req, ok
}
