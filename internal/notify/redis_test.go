package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) redis.UniversalClient {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

type changeRecorder struct {
	mu    sync.Mutex
	flags []string
}

func (r *changeRecorder) apply(flagName string) {
	r.mu.Lock()
	r.flags = append(r.flags, flagName)
	r.mu.Unlock()
}

func (r *changeRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.flags...)
}

func TestNotifierDeliversPeerChanges(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	publisher := NewRedis(client, "", nil)
	subscriber := NewRedis(client, "", nil)
	defer subscriber.Close()

	rec := &changeRecorder{}
	require.NoError(t, subscriber.Listen(ctx, rec.apply))

	require.NoError(t, publisher.PublishFlagChange(ctx, "kill_switch"))
	require.NoError(t, publisher.PublishFlagChange(ctx, "rollout"))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"kill_switch", "rollout"}, rec.snapshot())
}

func TestNotifierIgnoresOwnEvents(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	n := NewRedis(client, "", nil)
	defer n.Close()

	rec := &changeRecorder{}
	require.NoError(t, n.Listen(ctx, rec.apply))

	require.NoError(t, n.PublishFlagChange(ctx, "kill_switch"))

	// Local writes are applied before publishing; a loopback delivery would
	// apply them twice.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestNotifierSeparateChannels(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	publisher := NewRedis(client, "channel-a", nil)
	subscriber := NewRedis(client, "channel-b", nil)
	defer subscriber.Close()

	rec := &changeRecorder{}
	require.NoError(t, subscriber.Listen(ctx, rec.apply))

	require.NoError(t, publisher.PublishFlagChange(ctx, "kill_switch"))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestNotifierMalformedPayloadIgnored(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	subscriber := NewRedis(client, "", nil)
	defer subscriber.Close()

	rec := &changeRecorder{}
	require.NoError(t, subscriber.Listen(ctx, rec.apply))

	require.NoError(t, client.Publish(ctx, DefaultChannel, "not json").Err())

	publisher := NewRedis(client, "", nil)
	require.NoError(t, publisher.PublishFlagChange(ctx, "after_garbage"))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"after_garbage"}, rec.snapshot())
}

func TestNotifierCloseIsIdempotent(t *testing.T) {
	client := newTestClient(t)

	n := NewRedis(client, "", nil)
	require.NoError(t, n.Listen(context.Background(), func(string) {}))

	assert.NoError(t, n.Close())
	assert.NoError(t, n.Close())
}
