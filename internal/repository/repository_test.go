package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"hearth/internal/batch"
	"hearth/internal/cache"
	"hearth/internal/docstore"
	"hearth/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *docstore.GormStore
	mem    *cache.MemoryCache
	writer *batch.Writer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := docstore.OpenSQLite(":memory:")
	require.NoError(t, err)
	store, err := docstore.NewGormStore(db)
	require.NoError(t, err)
	mem := cache.NewMemoryCache(cache.MemoryConfig{})
	writer := batch.NewWriter(store, batch.Options{Delay: time.Hour, OnCommit: CacheInvalidator(mem)})
	t.Cleanup(func() {
		_ = writer.Close(context.Background())
		_ = store.Close()
	})
	return fixture{store: store, mem: mem, writer: writer}
}

// countingStore counts Get calls to observe cache hits.
type countingStore struct {
	docstore.Store
	gets int
}

func (s *countingStore) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	s.gets++
	return s.Store.Get(ctx, collection, id)
}

func TestCollection_GetByIDCachesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	store := &countingStore{Store: f.store}
	users := NewCollection[models.User](UsersCollection, store, f.mem, f.writer)

	_, err := users.GetByID(ctx, "nobody")
	assert.True(t, models.HasCode(err, models.CodeNotFound))

	_, err = users.Create(ctx, "u1", models.User{Username: "ada"}, Direct())
	require.NoError(t, err)

	got, err := users.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
	_, err = users.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, store.gets, "second read served from cache")

	require.NoError(t, users.Update(ctx, "u1", map[string]any{"bio": "hello"}, Direct()))
	got, err = users.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Bio)
	assert.Equal(t, 3, store.gets)
}

func TestCollection_BatchedWritesLandOnFlush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	users := NewCollection[models.User](UsersCollection, f.store, f.mem, f.writer)

	id, err := users.Create(ctx, "", models.User{Username: "grace"})
	require.NoError(t, err)
	assert.NotEmpty(t, id, "uuid generated")
	assert.Equal(t, 1, f.writer.Pending())

	_, err = users.GetByID(ctx, id)
	assert.True(t, models.HasCode(err, models.CodeNotFound), "batched write not visible yet")

	require.NoError(t, f.writer.Flush(ctx))
	got, err := users.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "grace", got.Username)
}

func TestCollection_ListCacheInvalidatedByPrefix(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	users := NewCollection[models.User](UsersCollection, f.store, f.mem, f.writer)

	_, err := users.Create(ctx, "a", models.User{Username: "a"}, Direct())
	require.NoError(t, err)
	all, err := users.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = users.Create(ctx, "b", models.User{Username: "b"}, Direct())
	require.NoError(t, err)
	all, err = users.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, users.Delete(ctx, "a"))
	all, err = users.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUserRepository_SearchByPrefix(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	repo := NewUserRepository(f.store, f.mem, f.writer)

	for i, name := range []string{"Alice", "alina", "Bob"} {
		require.NoError(t, repo.Create(ctx, &models.User{ID: fmt.Sprint("u", i), Username: name, Email: gofakeit.Email()}))
	}
	for range 5 {
		require.NoError(t, repo.Create(ctx, &models.User{ID: gofakeit.UUID(), Username: "z" + strings.ToLower(gofakeit.Username())}))
	}

	found, err := repo.SearchByPrefix(ctx, "AL", 10)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "Alice", found[0].Username)

	user, err := repo.GetByUsername(ctx, "BOB")
	require.NoError(t, err)
	assert.Equal(t, "u2", user.ID)

	require.NoError(t, repo.IncrementCounter(ctx, "u2", "followers", 1))
	require.NoError(t, repo.IncrementCounter(ctx, "u2", "followers", 1))
	user, err = repo.GetByID(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), user.Followers)
}

func TestFriendRepository_ListByMember(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	repo := NewFriendRepository(f.store, f.mem, f.writer)

	require.NoError(t, repo.Save(ctx, models.NewFriendship("a", "b", 1)))
	require.NoError(t, repo.Save(ctx, models.NewFriendship("c", "a", 2)))
	accepted := models.NewFriendship("a", "d", 3)
	require.NoError(t, repo.Save(ctx, accepted))
	require.NoError(t, repo.UpdateStatus(ctx, accepted, models.FriendshipStatusAccepted, 4))

	pending, err := repo.ListByMember(ctx, "a", models.FriendshipStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	friends, err := repo.ListByMember(ctx, "d", models.FriendshipStatusAccepted)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, "a", friends[0].Other("d"))

	got, err := repo.Get(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.RequestedBy)

	require.NoError(t, repo.Delete(ctx, "a", "b"))
	_, err = repo.Get(ctx, "a", "b")
	assert.True(t, models.HasCode(err, models.CodeNotFound))
}

func TestNotificationRepository_UpdateOfDeletedDocumentDoesNotWedgeQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	repo := NewNotificationRepository(f.store, f.mem, f.writer)

	first := &models.Notification{UserID: "bob", ActorID: "alice", Type: models.NotificationFollow, CreatedAt: 1}
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, f.writer.Flush(ctx))

	require.NoError(t, repo.MarkRead(ctx, first.ID))
	require.NoError(t, repo.Delete(ctx, first.ID))
	later := &models.Notification{UserID: "bob", ActorID: "carol", Type: models.NotificationFollow, CreatedAt: 2}
	require.NoError(t, repo.Create(ctx, later))

	require.NoError(t, f.writer.Flush(ctx))
	assert.Equal(t, 0, f.writer.Pending())

	got, err := repo.GetByID(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, "carol", got.ActorID)
	_, err = repo.GetByID(ctx, first.ID)
	assert.True(t, models.HasCode(err, models.CodeNotFound), "deleted notification is not resurrected")
}
