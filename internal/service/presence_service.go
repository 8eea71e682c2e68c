package service

import (
	"context"
	"sync"
	"time"

	"hearth/internal/auth"
	"hearth/internal/models"
	"hearth/internal/observability"
	"hearth/internal/realtime"
)

func presencePath(userID string) string { return "presence/" + userID }

// PresenceService keeps presence/{uid} up to date. A user is online while
// at least one attachment (a socket or a signed-in session) holds them.
type PresenceService struct {
	tree      realtime.Tree
	heartbeat time.Duration
	now       func() time.Time

	mu       sync.Mutex
	attached map[string]*presenceHold
	sessions map[string]*sessionHold
}

// sessionHold is the presence taken by a sign-in. It lapses after the
// session grace unless renewed; open sockets hold presence on their own.
type sessionHold struct {
	detach func()
	timer  *time.Timer
}

type presenceHold struct {
	refs int
	stop chan struct{}
}

func NewPresenceService(tree realtime.Tree, heartbeat time.Duration, now func() time.Time) *PresenceService {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &PresenceService{
		tree:      tree,
		heartbeat: heartbeat,
		now:       orNow(now),
		attached:  map[string]*presenceHold{},
		sessions:  map[string]*sessionHold{},
	}
}

func (s *PresenceService) set(ctx context.Context, userID string, status models.PresenceStatus) error {
	return translateTree(s.tree.Set(ctx, presencePath(userID), models.Presence{
		Status:   status,
		LastSeen: nowMillis(s.now),
	}))
}

func (s *PresenceService) SetOnline(ctx context.Context, userID string) error {
	return s.set(ctx, userID, models.PresenceOnline)
}

func (s *PresenceService) SetOffline(ctx context.Context, userID string) error {
	return s.set(ctx, userID, models.PresenceOffline)
}

// UpdateLastSeen refreshes the timestamp without changing the status.
func (s *PresenceService) UpdateLastSeen(ctx context.Context, userID string) error {
	return translateTree(s.tree.Update(ctx, presencePath(userID), map[string]any{
		"lastSeen": nowMillis(s.now),
	}))
}

func decodePresence(snap realtime.Snapshot) models.Presence {
	p := models.Presence{Status: models.PresenceOffline}
	if snap.Exists() {
		_ = snap.DecodeTo(&p)
	}
	if p.Status == "" {
		p.Status = models.PresenceOffline
	}
	return p
}

// Get returns the user's presence. No record means offline.
func (s *PresenceService) Get(ctx context.Context, userID string) (models.Presence, error) {
	snap, err := s.tree.Get(ctx, presencePath(userID))
	if err != nil {
		return models.Presence{}, translateTree(err)
	}
	return decodePresence(snap), nil
}

func (s *PresenceService) Listen(ctx context.Context, userID string, fn func(models.Presence)) (func(), error) {
	unsubscribe, err := s.tree.Subscribe(ctx, presencePath(userID), realtime.Query{}, func(snap realtime.Snapshot) {
		fn(decodePresence(snap))
	})
	return unsubscribe, translateTree(err)
}

// Attach marks the user online and refreshes lastSeen every heartbeat until
// the returned detach func is called by every holder.
func (s *PresenceService) Attach(ctx context.Context, userID string) (func(), error) {
	s.mu.Lock()
	hold, ok := s.attached[userID]
	if ok {
		hold.refs++
		s.mu.Unlock()
		return s.detacher(userID, hold), nil
	}
	hold = &presenceHold{refs: 1, stop: make(chan struct{})}
	s.attached[userID] = hold
	s.mu.Unlock()

	if err := s.SetOnline(ctx, userID); err != nil {
		s.mu.Lock()
		if s.attached[userID] == hold {
			delete(s.attached, userID)
		}
		s.mu.Unlock()
		return nil, err
	}
	go s.beat(userID, hold.stop)
	return s.detacher(userID, hold), nil
}

func (s *PresenceService) detacher(userID string, hold *presenceHold) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			hold.refs--
			last := hold.refs == 0 && s.attached[userID] == hold
			if last {
				delete(s.attached, userID)
				close(hold.stop)
			}
			s.mu.Unlock()
			if !last {
				return
			}
			if err := s.SetOffline(context.Background(), userID); err != nil {
				observability.LogSecondary(context.Background(), "presence_offline", err, map[string]interface{}{"user_id": userID})
			}
		})
	}
}

func (s *PresenceService) beat(userID string, stop <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.UpdateLastSeen(context.Background(), userID); err != nil {
				observability.LogSecondary(context.Background(), "presence_heartbeat", err, map[string]interface{}{"user_id": userID})
			}
		}
	}
}

// DefaultSessionGrace is how long a sign-in keeps a user online without a socket.
const DefaultSessionGrace = time.Minute

// BindAuth attaches presence on sign-in and detaches it on sign-out. The
// sign-in hold lapses after grace, so a client that signs in and never
// opens a socket goes offline; a repeated sign-in renews it.
func (s *PresenceService) BindAuth(provider auth.Provider, grace time.Duration) func() {
	if grace <= 0 {
		grace = DefaultSessionGrace
	}
	return provider.OnAuthStateChanged(func(change auth.StateChange) {
		if change.SignedIn {
			s.startSession(change.UserID, grace)
			return
		}
		s.endSession(change.UserID, nil)
	})
}

func (s *PresenceService) startSession(userID string, grace time.Duration) {
	s.mu.Lock()
	if held, ok := s.sessions[userID]; ok {
		held.timer.Reset(grace)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	detach, err := s.Attach(context.Background(), userID)
	if err != nil {
		observability.LogSecondary(context.Background(), "presence_attach", err, map[string]interface{}{"user_id": userID})
		return
	}

	s.mu.Lock()
	if held, raced := s.sessions[userID]; raced {
		held.timer.Reset(grace)
		s.mu.Unlock()
		detach()
		return
	}
	hold := &sessionHold{detach: detach}
	hold.timer = time.AfterFunc(grace, func() { s.endSession(userID, hold) })
	s.sessions[userID] = hold
	s.mu.Unlock()
}

// endSession releases the user's sign-in hold. When only is set, just that
// hold is released, so a stale timer cannot end a newer session.
func (s *PresenceService) endSession(userID string, only *sessionHold) {
	s.mu.Lock()
	hold, ok := s.sessions[userID]
	if !ok || (only != nil && hold != only) {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, userID)
	hold.timer.Stop()
	s.mu.Unlock()
	hold.detach()
}

// Close stops every heartbeat without touching stored presence.
func (s *PresenceService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, hold := range s.attached {
		close(hold.stop)
		delete(s.attached, userID)
	}
	for _, hold := range s.sessions {
		hold.timer.Stop()
	}
	s.sessions = map[string]*sessionHold{}
}
