// dispatch/pool_test.go
package dispatch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/campusops/relay/dispatch"
)

func TestDrainDeliversWithLiveContext(t *testing.T) {
	pool := dispatch.NewPool(4)
	taskErrs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		ok := pool.Submit(func(taskCtx context.Context) {
			taskErrs <- taskCtx.Err()
		})
		assert.True(t, ok)
	}

	// Start after cancelling: every queued task runs in the drain phase.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool.Start(ctx, 1)
	pool.Wait()

	for i := 0; i < 4; i++ {
		assert.NoError(t, <-taskErrs, "drained deliveries must not see a cancelled context")
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	pool := dispatch.NewPool(1)
	assert.True(t, pool.Submit(func(context.Context) {}))
	assert.False(t, pool.Submit(func(context.Context) {}))
}
