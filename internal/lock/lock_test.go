package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*FileLocker)(nil)
	_ Locker = (*MemLocker)(nil)
)

// exerciseLocker checks mutual exclusion and release on two lockers that
// share state.
func exerciseLocker(t *testing.T, a, b Locker) {
	t.Helper()
	ctx := context.Background()

	lease, ok, err := a.TryLock(ctx, "eviction", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(ctx, "eviction", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	other, ok, err := b.TryLock(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "distinct keys do not conflict")
	require.NoError(t, other.Unlock(ctx))

	require.NoError(t, lease.Unlock(ctx))

	again, ok, err := b.TryLock(ctx, "eviction", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, again.Unlock(ctx))
}

func TestFileLocker(t *testing.T) {
	dir := t.TempDir()
	exerciseLocker(t, NewFileLocker(dir), NewFileLocker(dir))
}

func TestFileLockerSanitizesKeys(t *testing.T) {
	l := NewFileLocker("/var/lock/pipeline-cache")
	assert.Equal(t, "/var/lock/pipeline-cache/bucket_evict.lock", l.path("bucket/evict"))
}

func TestMemLocker(t *testing.T) {
	m := NewMemLocker()
	exerciseLocker(t, m, m)
}

func TestMemLockerExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewMemLocker()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	stale, ok, err := m.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	fresh, ok, err := m.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok, "expired lease is taken over")

	// The stale lease must not release the new holder.
	require.NoError(t, stale.Unlock(ctx))
	_, ok, err = m.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, fresh.Unlock(ctx))
}

func TestIntegration_RedisLocker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	client := NewRedisClient(endpoint, "", 0)
	t.Cleanup(func() { _ = client.Close() })

	exerciseLocker(t,
		NewRedisLocker(client, "pipeline-cache:"),
		NewRedisLocker(client, "pipeline-cache:"))

	// Leases expire on their own.
	_, ok, err := NewRedisLocker(client, "ttl:").TryLock(ctx, "k", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		lease, ok, err := NewRedisLocker(client, "ttl:").TryLock(ctx, "k", time.Minute)
		if err != nil || !ok {
			return false
		}
		_ = lease.Unlock(ctx)
		return true
	}, 5*time.Second, 50*time.Millisecond)
}
