package service

import (
	"context"
	"testing"
	"time"

	"hearth/internal/auth"
	"hearth/internal/models"
	"hearth/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceMissingRecordIsOffline(t *testing.T) {
	svc := NewPresenceService(realtime.NewMemoryTree(), time.Hour, nil)
	p, err := svc.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOffline, p.Status)
}

func TestPresenceAttachIsRefcounted(t *testing.T) {
	ctx := context.Background()
	svc := NewPresenceService(realtime.NewMemoryTree(), time.Hour, nil)
	defer svc.Close()

	first, err := svc.Attach(ctx, "alice")
	require.NoError(t, err)
	second, err := svc.Attach(ctx, "alice")
	require.NoError(t, err)

	p, _ := svc.Get(ctx, "alice")
	assert.Equal(t, models.PresenceOnline, p.Status)

	first()
	first()
	p, _ = svc.Get(ctx, "alice")
	assert.Equal(t, models.PresenceOnline, p.Status, "one holder remains")

	second()
	p, _ = svc.Get(ctx, "alice")
	assert.Equal(t, models.PresenceOffline, p.Status)
}

func TestPresenceHeartbeatRefreshesLastSeen(t *testing.T) {
	ctx := context.Background()
	svc := NewPresenceService(realtime.NewMemoryTree(), 20*time.Millisecond, nil)
	defer svc.Close()

	detach, err := svc.Attach(ctx, "alice")
	require.NoError(t, err)
	defer detach()
	start, _ := svc.Get(ctx, "alice")

	assert.Eventually(t, func() bool {
		p, err := svc.Get(ctx, "alice")
		return err == nil && p.LastSeen > start.LastSeen && p.Status == models.PresenceOnline
	}, time.Second, 10*time.Millisecond)
}

func TestPresenceListen(t *testing.T) {
	ctx := context.Background()
	svc := NewPresenceService(realtime.NewMemoryTree(), time.Hour, nil)

	got := make(chan models.Presence, 8)
	unsubscribe, err := svc.Listen(ctx, "bob", func(p models.Presence) { got <- p })
	require.NoError(t, err)
	defer unsubscribe()

	require.Equal(t, models.PresenceOffline, (<-got).Status)
	require.NoError(t, svc.SetOnline(ctx, "bob"))
	select {
	case p := <-got:
		assert.Equal(t, models.PresenceOnline, p.Status)
	case <-time.After(time.Second):
		t.Fatal("no presence update")
	}
}

// authStub drives auth state changes by hand.
type authStub struct {
	auth.Provider
	listeners []func(auth.StateChange)
}

func (a *authStub) OnAuthStateChanged(fn func(auth.StateChange)) func() {
	a.listeners = append(a.listeners, fn)
	return func() {}
}

func (a *authStub) emit(change auth.StateChange) {
	for _, fn := range a.listeners {
		fn(change)
	}
}

func TestPresenceBindAuth(t *testing.T) {
	ctx := context.Background()
	svc := NewPresenceService(realtime.NewMemoryTree(), time.Hour, nil)
	defer svc.Close()
	provider := &authStub{}
	svc.BindAuth(provider, time.Hour)

	provider.emit(auth.StateChange{UserID: "alice", SignedIn: true})
	provider.emit(auth.StateChange{UserID: "alice", SignedIn: true})
	p, _ := svc.Get(ctx, "alice")
	assert.Equal(t, models.PresenceOnline, p.Status)

	provider.emit(auth.StateChange{UserID: "alice", SignedIn: false})
	p, _ = svc.Get(ctx, "alice")
	assert.Equal(t, models.PresenceOffline, p.Status)
}

func TestPresenceSignInWithoutSocketLapses(t *testing.T) {
	ctx := context.Background()
	svc := NewPresenceService(realtime.NewMemoryTree(), time.Hour, nil)
	defer svc.Close()
	provider := &authStub{}
	svc.BindAuth(provider, 40*time.Millisecond)

	provider.emit(auth.StateChange{UserID: "alice", SignedIn: true})
	p, _ := svc.Get(ctx, "alice")
	assert.Equal(t, models.PresenceOnline, p.Status)

	assert.Eventually(t, func() bool {
		p, _ := svc.Get(ctx, "alice")
		return p.Status == models.PresenceOffline
	}, time.Second, 5*time.Millisecond)

	svc.mu.Lock()
	assert.Empty(t, svc.attached, "heartbeat stopped")
	assert.Empty(t, svc.sessions)
	svc.mu.Unlock()
}

func TestPresenceSocketOutlivesSessionHold(t *testing.T) {
	ctx := context.Background()
	svc := NewPresenceService(realtime.NewMemoryTree(), time.Hour, nil)
	defer svc.Close()
	provider := &authStub{}
	svc.BindAuth(provider, 20*time.Millisecond)

	provider.emit(auth.StateChange{UserID: "alice", SignedIn: true})
	detach, err := svc.Attach(ctx, "alice")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.sessions) == 0
	}, time.Second, 5*time.Millisecond)
	p, _ := svc.Get(ctx, "alice")
	assert.Equal(t, models.PresenceOnline, p.Status)

	detach()
	p, _ = svc.Get(ctx, "alice")
	assert.Equal(t, models.PresenceOffline, p.Status)
}
