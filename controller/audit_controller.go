// controller/audit_controller.go
package controller

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/campusops/relay/audit"
	"github.com/campusops/relay/util"
	helper_util "github.com/campusops/relay/util/helper"
)

type AuditController struct {
	auditService audit.Service
}

func NewAuditController(auditService audit.Service) *AuditController {
	return &AuditController{
		auditService: auditService,
	}
}

// RegisterRoutes registers the audit query routes
func (ac *AuditController) RegisterRoutes(r *gin.Engine) {
	r.GET("/audit", ac.QueryRecords)
}

// QueryRecords returns audit records for a time range, optionally filtered
// by request ID and stage. The range defaults to the last 24 hours.
func (ac *AuditController) QueryRecords(c *gin.Context) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	if fromParam := c.Query("from"); fromParam != "" {
		parsed, err := helper_util.ParseTime(fromParam)
		if err != nil {
			util.RespondWithError(c, http.StatusBadRequest, "Invalid from parameter", err)
			return
		}
		from = parsed
	}
	if toParam := c.Query("to"); toParam != "" {
		parsed, err := helper_util.ParseTime(toParam)
		if err != nil {
			util.RespondWithError(c, http.StatusBadRequest, "Invalid to parameter", err)
			return
		}
		to = parsed
	}

	records, err := ac.auditService.Query(c, from, to, c.Query("request_id"), audit.Stage(c.Query("stage")))
	if err != nil {
		util.RespondWithError(c, http.StatusInternalServerError, "Failed to query audit records", err)
		return
	}

	c.JSON(http.StatusOK, records)
}
