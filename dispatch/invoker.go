// dispatch/invoker.go
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	relay_errors "github.com/campusops/relay/errors"
	"github.com/campusops/relay/model"
)

// Invoker carries an event to one consumer and reports the outcome.
type Invoker interface {
	Invoke(ctx context.Context, consumer model.ConsumerRef, evt model.Event) (model.InvocationResult, error)
}

// HTTPInvoker delivers the full event payload to the consumer endpoint as a
// JSON POST. Retries are the consumer host's responsibility.
type HTTPInvoker struct {
	client *http.Client
}

func NewHTTPInvoker(timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPInvoker{
		client: &http.Client{Timeout: timeout},
	}
}

func (i *HTTPInvoker) Invoke(ctx context.Context, consumer model.ConsumerRef, evt model.Event) (model.InvocationResult, error) {
	result := model.InvocationResult{ConsumerID: consumer.ID}

	payload, err := json.Marshal(evt)
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("%w: %v", relay_errors.ErrInvalidEventPayload, err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, consumer.Endpoint, bytes.NewReader(payload))
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("%w: %v", relay_errors.ErrConsumerInvocationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result, fmt.Errorf("%w: %v", relay_errors.ErrConsumerInvocationFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result, fmt.Errorf("%w: %v", relay_errors.ErrConsumerInvocationFailed, err)
	}

	result.StatusCode = resp.StatusCode
	result.ContentType = resp.Header.Get("Content-Type")
	result.Body = body
	result.Duration = time.Since(start)

	if resp.StatusCode >= http.StatusBadRequest {
		result.Error = fmt.Sprintf("consumer returned status %d", resp.StatusCode)
		return result, fmt.Errorf("%w: status %d from %s", relay_errors.ErrConsumerInvocationFailed, resp.StatusCode, consumer.ID)
	}

	return result, nil
}
