package notifications

import (
	"context"
	"strconv"
	"sync"
	"time"

	"hearth/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPresenceOnlineSetKey  = "ws:online_users"
	defaultPresenceLastSeenKeyNS = "ws:last_seen:"
	defaultPresenceTTL           = 90 * time.Second
	defaultOfflineGrace          = 5 * time.Second
	defaultReaperInterval        = 60 * time.Second
)

// PresenceAttacher marks a user online until the returned detach func runs.
type PresenceAttacher interface {
	Attach(ctx context.Context, userID string) (func(), error)
}

// ConnectionManagerConfig controls Redis presence and cleanup behavior.
type ConnectionManagerConfig struct {
	OnlineSetKey       string
	LastSeenKeyPrefix  string
	LastSeenTTL        time.Duration
	OfflineGracePeriod time.Duration
	ReaperInterval     time.Duration
	Presence           PresenceAttacher
	OnUserOnline       func(userID string)
	OnUserOffline      func(userID string)
}

// ConnectionManager counts local sockets per user, mirrors them into Redis
// for other processes, and holds a presence attachment from the first socket
// until the offline grace window after the last one closes.
type ConnectionManager struct {
	rdb      *redis.Client
	presence PresenceAttacher

	mu              sync.RWMutex
	localConnCounts map[string]int
	offlineTimers   map[string]*time.Timer
	offlineNotified map[string]bool
	detach          map[string]func()

	onlineSetKey      string
	lastSeenKeyPrefix string
	lastSeenTTL       time.Duration
	offlineGrace      time.Duration
	reaperInterval    time.Duration

	onUserOnline  func(userID string)
	onUserOffline func(userID string)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewConnectionManager creates a manager and starts the Redis reaper when Redis is available.
func NewConnectionManager(rdb *redis.Client, cfg ConnectionManagerConfig) *ConnectionManager {
	m := &ConnectionManager{
		rdb:               rdb,
		presence:          cfg.Presence,
		localConnCounts:   make(map[string]int),
		offlineTimers:     make(map[string]*time.Timer),
		offlineNotified:   make(map[string]bool),
		detach:            make(map[string]func()),
		onlineSetKey:      defaultPresenceOnlineSetKey,
		lastSeenKeyPrefix: defaultPresenceLastSeenKeyNS,
		lastSeenTTL:       defaultPresenceTTL,
		offlineGrace:      defaultOfflineGrace,
		reaperInterval:    defaultReaperInterval,
		onUserOnline:      cfg.OnUserOnline,
		onUserOffline:     cfg.OnUserOffline,
		stopCh:            make(chan struct{}),
	}

	if cfg.OnlineSetKey != "" {
		m.onlineSetKey = cfg.OnlineSetKey
	}
	if cfg.LastSeenKeyPrefix != "" {
		m.lastSeenKeyPrefix = cfg.LastSeenKeyPrefix
	}
	if cfg.LastSeenTTL > 0 {
		m.lastSeenTTL = cfg.LastSeenTTL
	}
	if cfg.OfflineGracePeriod > 0 {
		m.offlineGrace = cfg.OfflineGracePeriod
	}
	if cfg.ReaperInterval > 0 {
		m.reaperInterval = cfg.ReaperInterval
	}

	if m.rdb != nil && m.reaperInterval > 0 {
		go m.reaperLoop()
	}
	return m
}

// Stop halts the reaper, cancels pending offline timers and releases every
// presence attachment still held.
func (m *ConnectionManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		for userID, timer := range m.offlineTimers {
			if timer != nil {
				timer.Stop()
			}
			delete(m.offlineTimers, userID)
		}
		held := m.detach
		m.detach = make(map[string]func())
		m.mu.Unlock()

		for _, release := range held {
			if release != nil {
				release()
			}
		}
	})
}

func (m *ConnectionManager) Register(ctx context.Context, userID string) {
	wasOnline := m.IsOnline(ctx, userID)

	m.mu.Lock()
	if t, ok := m.offlineTimers[userID]; ok {
		t.Stop()
		delete(m.offlineTimers, userID)
	}
	m.localConnCounts[userID]++
	m.offlineNotified[userID] = false
	_, held := m.detach[userID]
	needAttach := m.presence != nil && !held
	if needAttach {
		// Placeholder so concurrent registrations attach once.
		m.detach[userID] = nil
	}
	m.mu.Unlock()

	if needAttach {
		m.attach(ctx, userID)
	}

	m.Touch(ctx, userID)
	if !wasOnline {
		m.emitOnline(userID)
	}
}

func (m *ConnectionManager) attach(ctx context.Context, userID string) {
	release, err := m.presence.Attach(ctx, userID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.detach, userID)
		observability.LogSecondary(ctx, "presence_attach", err, map[string]interface{}{"user_id": userID})
		return
	}
	if _, ok := m.detach[userID]; !ok {
		// Released while attaching.
		go release()
		return
	}
	m.detach[userID] = release
}

// Touch refreshes the user's Redis heartbeat.
func (m *ConnectionManager) Touch(ctx context.Context, userID string) {
	if m.rdb == nil {
		return
	}
	_, err := m.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, m.onlineSetKey, userID)
		p.SetEx(ctx, m.lastSeenKey(userID), strconv.FormatInt(time.Now().Unix(), 10), m.lastSeenTTL)
		return nil
	})
	if err != nil {
		observability.LogSecondary(ctx, "presence_touch", err, map[string]interface{}{"user_id": userID})
	}
}

func (m *ConnectionManager) Unregister(_ context.Context, userID string) {
	m.mu.Lock()
	if n, ok := m.localConnCounts[userID]; ok {
		n--
		if n > 0 {
			m.localConnCounts[userID] = n
			m.mu.Unlock()
			return
		}
		delete(m.localConnCounts, userID)
	}

	if t, ok := m.offlineTimers[userID]; ok {
		t.Stop()
	}
	m.offlineTimers[userID] = time.AfterFunc(m.offlineGrace, func() {
		m.finalizeOffline(context.Background(), userID)
	})
	m.mu.Unlock()
}

// IsOnline reports a local socket or a live heartbeat from any process.
func (m *ConnectionManager) IsOnline(ctx context.Context, userID string) bool {
	m.mu.RLock()
	if m.localConnCounts[userID] > 0 {
		m.mu.RUnlock()
		return true
	}
	m.mu.RUnlock()

	if m.rdb == nil {
		return false
	}
	exists, err := m.rdb.Exists(ctx, m.lastSeenKey(userID)).Result()
	if err != nil {
		return false
	}
	return exists > 0
}

// splitMembers checks every online-set member's heartbeat in one pipeline.
func (m *ConnectionManager) splitMembers(ctx context.Context) (live, stale []string, err error) {
	members, err := m.rdb.SMembers(ctx, m.onlineSetKey).Result()
	if err != nil || len(members) == 0 {
		return nil, nil, err
	}
	checks := make([]*redis.IntCmd, len(members))
	_, err = m.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, userID := range members {
			checks[i] = p.Exists(ctx, m.lastSeenKey(userID))
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	for i, userID := range members {
		if checks[i].Val() > 0 {
			live = append(live, userID)
		} else {
			stale = append(stale, userID)
		}
	}
	return live, stale, nil
}

func (m *ConnectionManager) dropStale(ctx context.Context, stale []string) {
	if len(stale) == 0 {
		return
	}
	if err := m.rdb.SRem(ctx, m.onlineSetKey, stale).Err(); err != nil {
		observability.LogSecondary(ctx, "presence_drop_stale", err, map[string]interface{}{"count": len(stale)})
	}
}

// GetOnlineUserIDs returns users with a live heartbeat in any process plus
// local connections. Stale set members are dropped on the way.
func (m *ConnectionManager) GetOnlineUserIDs(ctx context.Context) []string {
	ids := m.localUserIDs()
	if m.rdb == nil {
		return ids
	}
	live, stale, err := m.splitMembers(ctx)
	if err != nil {
		return ids
	}
	m.dropStale(ctx, stale)

	seen := make(map[string]struct{}, len(ids)+len(live))
	for _, userID := range ids {
		seen[userID] = struct{}{}
	}
	for _, userID := range live {
		if _, ok := seen[userID]; !ok {
			seen[userID] = struct{}{}
			ids = append(ids, userID)
		}
	}
	return ids
}

// reapOnce removes set members whose heartbeat expired and reports them
// offline unless they still hold a socket here.
func (m *ConnectionManager) reapOnce(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	_, stale, err := m.splitMembers(ctx)
	if err != nil {
		observability.LogSecondary(ctx, "presence_reap", err, nil)
		return
	}
	m.dropStale(ctx, stale)
	for _, userID := range stale {
		m.mu.RLock()
		hasLocal := m.localConnCounts[userID] > 0
		m.mu.RUnlock()
		if !hasLocal {
			m.emitOffline(userID)
		}
	}
}

func (m *ConnectionManager) reaperLoop() {
	ticker := time.NewTicker(m.reaperInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapOnce(ctx)
		}
	}
}

func (m *ConnectionManager) finalizeOffline(ctx context.Context, userID string) {
	m.mu.Lock()
	delete(m.offlineTimers, userID)
	if m.localConnCounts[userID] > 0 {
		m.mu.Unlock()
		return
	}
	release, held := m.detach[userID]
	delete(m.detach, userID)
	m.mu.Unlock()

	if held && release != nil {
		release()
	}

	if m.rdb != nil {
		exists, err := m.rdb.Exists(ctx, m.lastSeenKey(userID)).Result()
		if err == nil && exists > 0 {
			// Another process refreshed the heartbeat.
			return
		}
		_ = m.rdb.SRem(ctx, m.onlineSetKey, userID).Err()
	}
	m.emitOffline(userID)
}

func (m *ConnectionManager) emitOnline(userID string) {
	m.mu.Lock()
	m.offlineNotified[userID] = false
	cb := m.onUserOnline
	m.mu.Unlock()
	observability.WebSocketEventsTotal.WithLabelValues("user_online").Inc()
	if cb != nil {
		cb(userID)
	}
}

func (m *ConnectionManager) emitOffline(userID string) {
	m.mu.Lock()
	if m.offlineNotified[userID] {
		m.mu.Unlock()
		return
	}
	m.offlineNotified[userID] = true
	cb := m.onUserOffline
	m.mu.Unlock()
	observability.WebSocketEventsTotal.WithLabelValues("user_offline").Inc()
	if cb != nil {
		cb(userID)
	}
}

func (m *ConnectionManager) localUserIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.localConnCounts))
	for userID, count := range m.localConnCounts {
		if count > 0 {
			ids = append(ids, userID)
		}
	}
	return ids
}

func (m *ConnectionManager) lastSeenKey(userID string) string {
	return m.lastSeenKeyPrefix + userID
}
