// test/mock/invoker.go
package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/campusops/relay/model"
)

// MockInvoker is a mock implementation of dispatch.Invoker
type MockInvoker struct {
	mock.Mock
}

func (m *MockInvoker) Invoke(ctx context.Context, consumer model.ConsumerRef, evt model.Event) (model.InvocationResult, error) {
	args := m.Called(ctx, consumer, evt)
	return args.Get(0).(model.InvocationResult), args.Error(1)
}
