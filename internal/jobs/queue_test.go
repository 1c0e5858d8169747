package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yourusername/docstream/internal/dispatch"
)

func TestInlineSchedulerRunsAndDrains(t *testing.T) {
	s := NewInlineScheduler(zaptest.NewLogger(t))
	var ran atomic.Int32
	require.NoError(t, s.Start(func(ctx context.Context, jobID string) error {
		time.Sleep(5 * time.Millisecond)
		ran.Add(1)
		return nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Schedule(context.Background(), "job", dispatch.PriorityNormal))
	}
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, int32(5), ran.Load())

	assert.ErrorIs(t, s.Schedule(context.Background(), "late", dispatch.PriorityHigh), ErrSchedulerClosed)
}

func TestInlineSchedulerCancelsOnDeadline(t *testing.T) {
	s := NewInlineScheduler(zaptest.NewLogger(t))
	require.NoError(t, s.Start(func(ctx context.Context, jobID string) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, s.Schedule(context.Background(), "stuck", dispatch.PriorityNormal))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)
}

func TestInlineSchedulerRequiresStart(t *testing.T) {
	s := NewInlineScheduler(nil)
	assert.Error(t, s.Schedule(context.Background(), "job", dispatch.PriorityNormal))
	assert.Error(t, s.Start(nil))
}

func TestAsynqSchedulerConfiguration(t *testing.T) {
	_, err := NewAsynqScheduler("not a url", "node-1", 2, nil)
	assert.Error(t, err)
	_, err = NewAsynqScheduler("redis://localhost:6379/0", "", 2, nil)
	assert.Error(t, err)

	s, err := NewAsynqScheduler("redis://localhost:6379/0", "node-1", 2, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.client.Close() })

	assert.Equal(t, "node-1:high", s.queueFor(dispatch.PriorityHigh))
	assert.Equal(t, "node-1:normal", s.queueFor(dispatch.PriorityNormal))
}

func TestAsynqSchedulerHandleTask(t *testing.T) {
	s, err := NewAsynqScheduler("redis://localhost:6379/0", "node-1", 1, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.client.Close() })

	var got string
	s.handler = func(_ context.Context, jobID string) error {
		got = jobID
		return nil
	}

	require.NoError(t, s.handleTask(context.Background(), asynq.NewTask(taskTypeExtract, []byte(`{"jobId":"abc"}`))))
	assert.Equal(t, "abc", got)

	assert.Error(t, s.handleTask(context.Background(), asynq.NewTask(taskTypeExtract, []byte(`{}`))))
	assert.Error(t, s.handleTask(context.Background(), asynq.NewTask(taskTypeExtract, []byte(`not json`))))
}
