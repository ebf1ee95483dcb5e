// audit/service.go
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	logger "github.com/campusops/relay/logging"
)

type Service interface {
	Append(ctx context.Context, record Record) error
	Query(ctx context.Context, from, to time.Time, requestID string, stage Stage) ([]Record, error)
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

type service struct {
	repo Repository
}

func NewService(repo Repository) Service {
	return &service{repo: repo}
}

func (s *service) Append(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	return s.repo.Append(ctx, record)
}

func (s *service) Query(ctx context.Context, from, to time.Time, requestID string, stage Stage) ([]Record, error) {
	return s.repo.Query(ctx, from, to, requestID, stage)
}

func (s *service) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	return s.repo.Purge(ctx, olderThan)
}

// Emit appends a stage-transition record, logging instead of failing when the
// sink is unavailable. Audit failures never abort the pipeline.
func Emit(ctx context.Context, svc Service, requestID string, stage Stage, outcome string, detail interface{}) {
	var raw json.RawMessage
	if detail != nil {
		data, err := json.Marshal(detail)
		if err == nil {
			raw = data
		}
	}

	record := Record{
		RequestID: requestID,
		Stage:     stage,
		Outcome:   outcome,
		Detail:    raw,
	}
	if err := svc.Append(ctx, record); err != nil {
		logger.Error("Failed to append audit record",
			zap.Error(err),
			zap.String("requestID", requestID),
			zap.String("stage", string(stage)),
			zap.String("outcome", outcome))
	}
}
