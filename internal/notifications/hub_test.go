package notifications

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEventuallyTimeout = time.Second
	testPollInterval      = 10 * time.Millisecond
)

// presenceStub counts attachments per user.
type presenceStub struct {
	mu   sync.Mutex
	held map[string]int
}

func newPresenceStub() *presenceStub { return &presenceStub{held: map[string]int{}} }

func (p *presenceStub) Attach(_ context.Context, userID string) (func(), error) {
	p.mu.Lock()
	p.held[userID]++
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.held[userID]--
			p.mu.Unlock()
		})
	}, nil
}

func (p *presenceStub) count(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held[userID]
}

func offlineNotified(h *Hub, userID string) bool {
	h.presence.mu.RLock()
	defer h.presence.mu.RUnlock()
	return h.presence.offlineNotified[userID]
}

func TestHub_GracePeriodSuppressesOfflineOnRapidReconnect(t *testing.T) {
	presence := newPresenceStub()
	hub := NewHub(nil, ConnectionManagerConfig{Presence: presence, OfflineGracePeriod: 40 * time.Millisecond})

	clientA, err := hub.Register("u10", nil)
	require.NoError(t, err)
	hub.UnregisterClient(clientA)
	_, err = hub.Register("u10", nil)
	require.NoError(t, err)

	assert.Never(t, func() bool { return offlineNotified(hub, "u10") }, 20*testPollInterval, testPollInterval)
	assert.True(t, hub.IsOnline("u10"))
	assert.Equal(t, 1, presence.count("u10"), "reconnect keeps the single attachment")

	_ = hub.Shutdown(context.Background())
	assert.Zero(t, presence.count("u10"))
}

func TestHub_LastDisconnectDetachesPresenceOnce(t *testing.T) {
	presence := newPresenceStub()
	var offline int32
	hub := NewHub(nil, ConnectionManagerConfig{
		Presence:           presence,
		OfflineGracePeriod: 30 * time.Millisecond,
		OnUserOffline:      func(string) { atomic.AddInt32(&offline, 1) },
	})

	clientA, err := hub.Register("u15", nil)
	require.NoError(t, err)
	clientB, err := hub.Register("u15", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, presence.count("u15"))

	hub.UnregisterClient(clientA)
	assert.Never(t, func() bool { return offlineNotified(hub, "u15") }, 10*testPollInterval, testPollInterval)

	hub.UnregisterClient(clientB)
	hub.UnregisterClient(clientB)
	assert.Eventually(t, func() bool { return offlineNotified(hub, "u15") }, testEventuallyTimeout, testPollInterval)
	assert.False(t, hub.IsOnline("u15"))
	assert.Zero(t, presence.count("u15"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&offline))

	_ = hub.Shutdown(context.Background())
}

func TestHub_PerUserLimit(t *testing.T) {
	hub := NewHub(nil, ConnectionManagerConfig{})
	defer func() { _ = hub.Shutdown(context.Background()) }()

	for i := 0; i < maxConnsPerUser; i++ {
		_, err := hub.Register("busy", nil)
		require.NoError(t, err)
	}
	_, err := hub.Register("busy", nil)
	assert.ErrorIs(t, err, ErrUserFull)

	_, err = hub.Register("other", nil)
	assert.NoError(t, err)
}

func TestHub_UnregisterDetachesListeners(t *testing.T) {
	hub := NewHub(nil, ConnectionManagerConfig{})
	defer func() { _ = hub.Shutdown(context.Background()) }()

	client, err := hub.Register("alice", nil)
	require.NoError(t, err)

	var detached int32
	client.Track("messages:bob", func() { atomic.AddInt32(&detached, 1) })
	client.Track("typing:bob", func() { atomic.AddInt32(&detached, 1) })
	client.Track("typing:bob", func() { atomic.AddInt32(&detached, 1) })
	assert.Equal(t, int32(1), atomic.LoadInt32(&detached), "replacing a topic detaches the old listener")
	assert.ElementsMatch(t, []string{"messages:bob", "typing:bob"}, client.Topics())

	assert.True(t, client.Untrack("messages:bob"))
	assert.False(t, client.Untrack("messages:bob"))

	hub.UnregisterClient(client)
	assert.Equal(t, int32(3), atomic.LoadInt32(&detached))
	assert.Empty(t, client.Topics())
	assert.False(t, client.TrySend([]byte("late")))
}

func TestHub_BroadcastAndBackpressure(t *testing.T) {
	hub := NewHub(nil, ConnectionManagerConfig{})
	defer func() { _ = hub.Shutdown(context.Background()) }()

	alice, err := hub.Register("alice", nil)
	require.NoError(t, err)
	bob, err := hub.Register("bob", nil)
	require.NoError(t, err)

	hub.Broadcast("alice", "hello")
	assert.Equal(t, "hello", string(<-alice.Send))
	assert.Empty(t, bob.Send)

	hub.BroadcastAll("all")
	assert.Equal(t, "all", string(<-alice.Send))
	assert.Equal(t, "all", string(<-bob.Send))

	for i := 0; i < sendBuffer; i++ {
		require.True(t, alice.TrySend([]byte("x")))
	}
	assert.False(t, alice.TrySend([]byte("overflow")))
}

func TestHub_ReaperRemovesStalePresence(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	var offlineCount int32
	hub := NewHub(rdb, ConnectionManagerConfig{
		OnUserOffline: func(string) { atomic.AddInt32(&offlineCount, 1) },
	})

	ctx := context.Background()
	require.NoError(t, rdb.SAdd(ctx, defaultPresenceOnlineSetKey, "u44").Err())

	hub.presence.reapOnce(ctx)

	isMember, err := rdb.SIsMember(ctx, defaultPresenceOnlineSetKey, "u44").Result()
	require.NoError(t, err)
	assert.False(t, isMember)
	assert.Equal(t, int32(1), atomic.LoadInt32(&offlineCount))

	_ = hub.Shutdown(context.Background())
}

func TestHub_OnlineAcrossProcesses(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	first := NewHub(rdb, ConnectionManagerConfig{})
	second := NewHub(rdb, ConnectionManagerConfig{})
	defer func() {
		_ = first.Shutdown(context.Background())
		_ = second.Shutdown(context.Background())
	}()

	_, err = first.Register("carol", nil)
	require.NoError(t, err)

	assert.True(t, second.IsOnline("carol"))
	assert.Contains(t, second.OnlineUsers(context.Background()), "carol")

	mr.FastForward(defaultPresenceTTL + time.Second)
	assert.False(t, second.IsOnline("carol"))
}
