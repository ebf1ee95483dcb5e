// dispatch/dispatcher.go
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/campusops/relay/audit"
	"github.com/campusops/relay/config"
	relay_errors "github.com/campusops/relay/errors"
	logger "github.com/campusops/relay/logging"
	"github.com/campusops/relay/model"
)

// Dispatcher invokes matched consumers asynchronously, enforcing each
// consumer's permission grants. The consumer set is immutable after load.
type Dispatcher struct {
	consumers map[string]model.ConsumerRef
	invoker   Invoker
	pool      *Pool
	audit     audit.Service
}

func NewDispatcher(cfgs []config.ConsumerConfig, invoker Invoker, pool *Pool, auditSvc audit.Service) (*Dispatcher, error) {
	consumers := make(map[string]model.ConsumerRef, len(cfgs))
	for _, cc := range cfgs {
		if cc.ID == "" {
			return nil, fmt.Errorf("%w: consumer with empty id", relay_errors.ErrConfigurationInvalid)
		}
		grants := make([]model.PermissionGrant, 0, len(cc.Grants))
		for _, gc := range cc.Grants {
			if gc.Rule == "" && gc.Source == "" {
				return nil, fmt.Errorf("%w: consumer %q has an empty permission grant", relay_errors.ErrConfigurationInvalid, cc.ID)
			}
			grants = append(grants, model.PermissionGrant{Rule: gc.Rule, Source: gc.Source})
		}
		consumers[cc.ID] = model.ConsumerRef{
			ID:       cc.ID,
			Endpoint: cc.Endpoint,
			Grants:   grants,
		}
	}
	return &Dispatcher{
		consumers: consumers,
		invoker:   invoker,
		pool:      pool,
		audit:     auditSvc,
	}, nil
}

// Dispatch checks each target's permission grant and submits permitted
// invocations for async execution. A rejected or failing target never
// affects delivery to its siblings; per-target outcomes land in the audit
// log.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID string, evt model.Event, matches []model.Match) []model.InvocationResult {
	results := make([]model.InvocationResult, 0, len(matches))

	for _, match := range matches {
		result := model.InvocationResult{ConsumerID: match.ConsumerID, Rule: match.Rule}

		consumer, ok := d.consumers[match.ConsumerID]
		if !ok {
			result.Error = relay_errors.ErrConsumerNotFound.Error()
			logger.Error("Matched consumer not configured",
				zap.String("consumerID", match.ConsumerID),
				zap.String("rule", match.Rule))
			audit.Emit(ctx, d.audit, requestID, audit.StageDispatch, audit.OutcomeRejected, result)
			results = append(results, result)
			continue
		}

		if !consumer.Permits(match.Rule, evt.Source) {
			result.Error = relay_errors.ErrPermissionDenied.Error()
			logger.Warn("Consumer invocation rejected, no matching grant",
				zap.String("consumerID", consumer.ID),
				zap.String("rule", match.Rule),
				zap.String("source", evt.Source))
			audit.Emit(ctx, d.audit, requestID, audit.StageDispatch, audit.OutcomeRejected, result)
			results = append(results, result)
			continue
		}

		submitted := d.pool.Submit(func(taskCtx context.Context) {
			d.deliver(taskCtx, requestID, consumer, match.Rule, evt)
		})
		if !submitted {
			result.Error = "dispatch queue full"
			audit.Emit(ctx, d.audit, requestID, audit.StageDispatch, audit.OutcomeFailed, result)
			results = append(results, result)
			continue
		}

		result.Accepted = true
		results = append(results, result)
	}

	return results
}

// deliver runs on a pool worker after the originating handler has returned.
func (d *Dispatcher) deliver(ctx context.Context, requestID string, consumer model.ConsumerRef, rule string, evt model.Event) {
	result, err := d.invoker.Invoke(ctx, consumer, evt)
	result.Rule = rule
	if err != nil {
		logger.Error("Consumer invocation failed",
			zap.Error(err),
			zap.String("consumerID", consumer.ID),
			zap.String("eventID", evt.ID))
		audit.Emit(ctx, d.audit, requestID, audit.StageDispatch, audit.OutcomeFailed, result)
		return
	}
	result.Accepted = true
	audit.Emit(ctx, d.audit, requestID, audit.StageDispatch, audit.OutcomeDispatched, result)
}

// InvokeSync invokes a consumer synchronously for the proxied compute
// surface. The caller relays the consumer's status and body verbatim. This
// path bypasses the bus router and its grant model.
func (d *Dispatcher) InvokeSync(ctx context.Context, consumerID string, evt model.Event) (model.InvocationResult, error) {
	consumer, ok := d.consumers[consumerID]
	if !ok {
		return model.InvocationResult{ConsumerID: consumerID}, relay_errors.ErrConsumerNotFound
	}
	return d.invoker.Invoke(ctx, consumer, evt)
}
