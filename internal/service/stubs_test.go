package service

import (
	"context"
	"sync"

	"hearth/internal/events"
	"hearth/internal/models"
)

type userRepoStub struct {
	getByIDFn          func(context.Context, string) (*models.User, error)
	getByUsernameFn    func(context.Context, string) (*models.User, error)
	searchByPrefixFn   func(context.Context, string, int) ([]models.User, error)
	createFn           func(context.Context, *models.User) error
	updateFn           func(context.Context, string, map[string]any) error
	incrementCounterFn func(context.Context, string, string, int64) error
}

func (s *userRepoStub) GetByID(ctx context.Context, id string) (*models.User, error) {
	return s.getByIDFn(ctx, id)
}
func (s *userRepoStub) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getByUsernameFn(ctx, username)
}
func (s *userRepoStub) SearchByPrefix(ctx context.Context, prefix string, limit int) ([]models.User, error) {
	return s.searchByPrefixFn(ctx, prefix, limit)
}
func (s *userRepoStub) Create(ctx context.Context, user *models.User) error {
	return s.createFn(ctx, user)
}
func (s *userRepoStub) Update(ctx context.Context, id string, fields map[string]any) error {
	return s.updateFn(ctx, id, fields)
}
func (s *userRepoStub) IncrementCounter(ctx context.Context, id, field string, delta int64) error {
	return s.incrementCounterFn(ctx, id, field, delta)
}

func noopUserRepo() *userRepoStub {
	return &userRepoStub{
		getByIDFn: func(_ context.Context, id string) (*models.User, error) {
			return &models.User{ID: id, Username: "user_" + id}, nil
		},
		getByUsernameFn: func(_ context.Context, username string) (*models.User, error) {
			return nil, models.NewNotFoundError("User", username)
		},
		searchByPrefixFn:   func(context.Context, string, int) ([]models.User, error) { return nil, nil },
		createFn:           func(context.Context, *models.User) error { return nil },
		updateFn:           func(context.Context, string, map[string]any) error { return nil },
		incrementCounterFn: func(context.Context, string, string, int64) error { return nil },
	}
}

type friendRepoStub struct {
	getFn          func(context.Context, string, string) (*models.Friendship, error)
	saveFn         func(context.Context, *models.Friendship) error
	updateStatusFn func(context.Context, *models.Friendship, models.FriendshipStatus, int64) error
	deleteFn       func(context.Context, string, string) error
	listByMemberFn func(context.Context, string, models.FriendshipStatus) ([]models.Friendship, error)
}

func (s *friendRepoStub) Get(ctx context.Context, a, b string) (*models.Friendship, error) {
	return s.getFn(ctx, a, b)
}
func (s *friendRepoStub) Save(ctx context.Context, f *models.Friendship) error {
	return s.saveFn(ctx, f)
}
func (s *friendRepoStub) UpdateStatus(ctx context.Context, f *models.Friendship, status models.FriendshipStatus, now int64) error {
	return s.updateStatusFn(ctx, f, status, now)
}
func (s *friendRepoStub) Delete(ctx context.Context, a, b string) error {
	return s.deleteFn(ctx, a, b)
}
func (s *friendRepoStub) ListByMember(ctx context.Context, userID string, status models.FriendshipStatus) ([]models.Friendship, error) {
	return s.listByMemberFn(ctx, userID, status)
}

// memFriendRepo keeps edges in a map so multi-step flows can be tested.
type memFriendRepo struct {
	mu    sync.Mutex
	edges map[string]models.Friendship
}

func newMemFriendRepo() *memFriendRepo {
	return &memFriendRepo{edges: map[string]models.Friendship{}}
}

func (r *memFriendRepo) Get(_ context.Context, a, b string) (*models.Friendship, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.edges[models.PairKey(a, b)]
	if !ok {
		return nil, models.NewNotFoundError("Friendship", models.PairKey(a, b))
	}
	return &f, nil
}

func (r *memFriendRepo) Save(_ context.Context, f *models.Friendship) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges[f.ID] = *f
	return nil
}

func (r *memFriendRepo) UpdateStatus(_ context.Context, f *models.Friendship, status models.FriendshipStatus, now int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.Status = status
	f.UpdatedAt = now
	r.edges[f.ID] = *f
	return nil
}

func (r *memFriendRepo) Delete(_ context.Context, a, b string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.edges, models.PairKey(a, b))
	return nil
}

func (r *memFriendRepo) ListByMember(_ context.Context, userID string, status models.FriendshipStatus) ([]models.Friendship, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Friendship
	for _, f := range r.edges {
		if f.Status == status && (f.UserA == userID || f.UserB == userID) {
			out = append(out, f)
		}
	}
	return out, nil
}

type followRepoStub struct {
	getFn           func(context.Context, string, string) (*models.Follow, error)
	createFn        func(context.Context, *models.Follow) error
	deleteFn        func(context.Context, string, string) error
	listFollowersFn func(context.Context, string) ([]models.Follow, error)
	listFollowingFn func(context.Context, string) ([]models.Follow, error)
}

func (s *followRepoStub) Get(ctx context.Context, a, b string) (*models.Follow, error) {
	return s.getFn(ctx, a, b)
}
func (s *followRepoStub) Create(ctx context.Context, f *models.Follow) error {
	return s.createFn(ctx, f)
}
func (s *followRepoStub) Delete(ctx context.Context, a, b string) error {
	return s.deleteFn(ctx, a, b)
}
func (s *followRepoStub) ListFollowers(ctx context.Context, id string) ([]models.Follow, error) {
	return s.listFollowersFn(ctx, id)
}
func (s *followRepoStub) ListFollowing(ctx context.Context, id string) ([]models.Follow, error) {
	return s.listFollowingFn(ctx, id)
}

// memNotificationRepo records notifications for assertions.
type memNotificationRepo struct {
	mu    sync.Mutex
	items []models.Notification
	err   error
}

func (r *memNotificationRepo) Create(_ context.Context, n *models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if n.ID == "" {
		n.ID = n.UserID + "-" + string(n.Type) + "-" + n.EntityID
	}
	r.items = append(r.items, *n)
	return nil
}

func (r *memNotificationRepo) GetByID(_ context.Context, id string) (*models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.items {
		if r.items[i].ID == id {
			n := r.items[i]
			return &n, nil
		}
	}
	return nil, models.NewNotFoundError("Notification", id)
}

func (r *memNotificationRepo) ListForUser(_ context.Context, userID string, limit int) ([]models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Notification
	for _, n := range r.items {
		if n.UserID == userID && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *memNotificationRepo) ListUnread(_ context.Context, userID string) ([]models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Notification
	for _, n := range r.items {
		if n.UserID == userID && !n.Read {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *memNotificationRepo) MarkRead(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.items {
		if r.items[i].ID == id {
			r.items[i].Read = true
			return nil
		}
	}
	return models.NewNotFoundError("Notification", id)
}

func (r *memNotificationRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.items {
		if r.items[i].ID == id {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *memNotificationRepo) types() []models.NotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.NotificationType
	for _, n := range r.items {
		out = append(out, n.Type)
	}
	return out
}

type notifierStub struct {
	mu       sync.Mutex
	payloads map[string][]string
	err      error
}

func (n *notifierStub) PublishUser(_ context.Context, userID, payload string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	if n.payloads == nil {
		n.payloads = map[string][]string{}
	}
	n.payloads[userID] = append(n.payloads[userID], payload)
	return nil
}

type publisherStub struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *publisherStub) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}
