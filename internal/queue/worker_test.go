package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/models"
)

func TestPermanentErrorMarking(t *testing.T) {
	base := errors.New("boom")

	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(base))
	assert.True(t, IsPermanent(Permanent(base)))

	// Survives further wrapping and still unwraps to the cause
	wrapped := fmt.Errorf("stage failed: %w", Permanent(base))
	assert.True(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, base)
}

// waitFor polls the condition until it holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorkerPoolAcksSuccessfulMessage(t *testing.T) {
	mgr := testManager(t, time.Minute, 3)
	ctx := context.Background()

	var handled int32
	pool := NewWorkerPool(mgr, 20*time.Millisecond, 1, arbor.NewLogger())
	pool.RegisterHandler(models.MessageTypeMetadata, func(ctx context.Context, msg *models.QueueMessage) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})

	require.NoError(t, mgr.Enqueue(ctx, testMessage(t, "msg-1", models.MessageTypeMetadata)))
	require.NoError(t, pool.Start())
	defer pool.Stop()

	waitFor(t, 2*time.Second, func() bool {
		depth, err := mgr.Depth(ctx, QueueMetadata)
		return err == nil && depth == 0
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&handled))
}

func TestWorkerPoolAcksPermanentFailure(t *testing.T) {
	mgr := testManager(t, time.Minute, 3)
	ctx := context.Background()

	var handled int32
	pool := NewWorkerPool(mgr, 20*time.Millisecond, 1, arbor.NewLogger())
	pool.RegisterHandler(models.MessageTypeMetadata, func(ctx context.Context, msg *models.QueueMessage) error {
		atomic.AddInt32(&handled, 1)
		return Permanent(errors.New("malformed payload"))
	})

	require.NoError(t, mgr.Enqueue(ctx, testMessage(t, "msg-1", models.MessageTypeMetadata)))
	require.NoError(t, pool.Start())
	defer pool.Stop()

	waitFor(t, 2*time.Second, func() bool {
		depth, err := mgr.Depth(ctx, QueueMetadata)
		return err == nil && depth == 0
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&handled), "permanent failures must not redeliver")
}

func TestWorkerPoolRedeliversRetryableFailure(t *testing.T) {
	mgr := testManager(t, 30*time.Millisecond, 5)
	ctx := context.Background()

	// Fail twice, then succeed: the message must survive both failures
	var attempts int32
	pool := NewWorkerPool(mgr, 20*time.Millisecond, 1, arbor.NewLogger())
	pool.RegisterHandler(models.MessageTypeMetadata, func(ctx context.Context, msg *models.QueueMessage) error {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			return errors.New("transient upstream error")
		}
		return nil
	})

	require.NoError(t, mgr.Enqueue(ctx, testMessage(t, "msg-1", models.MessageTypeMetadata)))
	require.NoError(t, pool.Start())
	defer pool.Stop()

	waitFor(t, 5*time.Second, func() bool {
		depth, err := mgr.Depth(ctx, QueueMetadata)
		return err == nil && depth == 0 && atomic.LoadInt32(&attempts) >= 3
	})
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestWorkerPoolRetriesExhaustDeadLetter(t *testing.T) {
	mgr := testManager(t, 20*time.Millisecond, 2)
	ctx := context.Background()

	var dead int32
	mgr.OnDeadLetter(func(queueName string, env *Envelope) {
		atomic.AddInt32(&dead, 1)
	})

	pool := NewWorkerPool(mgr, 15*time.Millisecond, 1, arbor.NewLogger())
	pool.RegisterHandler(models.MessageTypeMetadata, func(ctx context.Context, msg *models.QueueMessage) error {
		return errors.New("always failing")
	})

	require.NoError(t, mgr.Enqueue(ctx, testMessage(t, "msg-1", models.MessageTypeMetadata)))
	require.NoError(t, pool.Start())
	defer pool.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return atomic.LoadInt32(&dead) == 1
	})

	letters, err := mgr.DeadLetters(ctx, QueueMetadata)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "msg-1", letters[0].ID)
}

func TestWorkerPoolStartRejectsUnknownType(t *testing.T) {
	mgr := testManager(t, time.Minute, 3)

	pool := NewWorkerPool(mgr, 20*time.Millisecond, 1, arbor.NewLogger())
	pool.RegisterHandler("bogus", func(ctx context.Context, msg *models.QueueMessage) error {
		return nil
	})

	assert.Error(t, pool.Start())
}
