package task

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/freemell/merlintg/internal/errors"
)

func TestMemoryQueueDrainsUntilClosed(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, []byte("a")))
	require.NoError(t, q.Publish(ctx, []byte("b")))

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 1, func(_ context.Context, payload []byte) error {
			mu.Lock()
			got = append(got, string(payload))
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Close())
	require.NoError(t, <-done)
	assert.Equal(t, []string{"a", "b"}, got)

	err := q.Publish(ctx, []byte("late"))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeQueueFailure))
	// closing twice is harmless
	assert.NoError(t, q.Close())
}

func TestMemoryQueuePublishHonorsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Publish(context.Background(), []byte("fill")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, []byte("blocked"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// consumeOne publishes payload to q and returns what a single consumer saw,
// failing the first delivery to exercise redelivery.
func consumeOne(t *testing.T, q Queue, payload string) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, q.Publish(ctx, []byte(payload)))

	var mu sync.Mutex
	var seen []string
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = q.Consume(consumeCtx, 1, func(_ context.Context, p []byte) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, string(p))
			if len(seen) == 1 {
				return errors.New("first delivery fails")
			}
			stop()
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	}, 10*time.Second, 20*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), seen...)
}

func TestRedisQueueRedeliversFailedPayload(t *testing.T) {
	addr := os.Getenv("MERLIN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MERLIN_TEST_REDIS_ADDR 未设置，跳过 Redis 集成测试")
	}
	q, err := NewRedisQueue(context.Background(), RedisQueueConfig{
		Address:   addr,
		Queue:     "merlin:test:updates:" + time.Now().Format("150405.000000"),
		BlockWait: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	defer q.Close()

	seen := consumeOne(t, q, "payload-1")
	assert.Equal(t, []string{"payload-1", "payload-1"}, seen[:2])
}

func TestRabbitMQQueueRedeliversFailedPayload(t *testing.T) {
	url := os.Getenv("MERLIN_TEST_RABBITMQ_URL")
	if url == "" {
		t.Skip("MERLIN_TEST_RABBITMQ_URL 未设置，跳过 RabbitMQ 集成测试")
	}
	q, err := NewRabbitMQQueue(RabbitMQConfig{
		URL:        url,
		Queue:      "merlin.test.updates." + time.Now().Format("150405.000000"),
		Prefetch:   1,
		AutoDelete: true,
	})
	require.NoError(t, err)
	defer q.Close()

	seen := consumeOne(t, q, "payload-1")
	assert.Equal(t, []string{"payload-1", "payload-1"}, seen[:2])
}
