package repository

import (
	"context"

	"hearth/internal/batch"
	"hearth/internal/cache"
	"hearth/internal/docstore"
	"hearth/internal/models"
)

// MediaRepository stores inline media documents and CDN mirrors.
type MediaRepository interface {
	SaveInline(ctx context.Context, m *models.InlineMedia) error
	GetInline(ctx context.Context, id string) (*models.InlineMedia, error)
	SaveMirror(ctx context.Context, m *models.MediaMirror) error
}

type mediaRepository struct {
	inline  *Collection[models.InlineMedia]
	mirrors *Collection[models.MediaMirror]
}

// NewMediaRepository creates a new media repository
func NewMediaRepository(store docstore.Store, mem *cache.MemoryCache, writer *batch.Writer) MediaRepository {
	return &mediaRepository{
		inline:  NewCollection[models.InlineMedia](MediaCollection, store, mem, writer),
		mirrors: NewCollection[models.MediaMirror](MediaMirrorsCollection, store, mem, writer),
	}
}

// SaveInline writes directly so the returned URL resolves immediately.
func (r *mediaRepository) SaveInline(ctx context.Context, m *models.InlineMedia) error {
	id, err := r.inline.Create(ctx, m.ID, *m, Direct())
	m.ID = id
	return err
}

func (r *mediaRepository) GetInline(ctx context.Context, id string) (*models.InlineMedia, error) {
	return r.inline.GetByID(ctx, id)
}

func (r *mediaRepository) SaveMirror(ctx context.Context, m *models.MediaMirror) error {
	_, err := r.mirrors.Create(ctx, m.ID, *m)
	return err
}

// AccountRepository stores local auth provider accounts.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByProviderUID(ctx context.Context, provider, providerUID string) (*models.Account, error)
	GetByResetToken(ctx context.Context, tokenHash string) (*models.Account, error)
	Create(ctx context.Context, a *models.Account) error
	Update(ctx context.Context, id string, fields map[string]any) error
}

type accountRepository struct {
	accounts *Collection[models.Account]
}

// NewAccountRepository creates a new account repository. Account writes are always direct.
func NewAccountRepository(store docstore.Store, mem *cache.MemoryCache) AccountRepository {
	return &accountRepository{accounts: NewCollection[models.Account](AccountsCollection, store, mem, nil)}
}

func (r *accountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	return r.accounts.GetByID(ctx, id)
}

func (r *accountRepository) first(ctx context.Context, q docstore.Query, what string) (*models.Account, error) {
	found, err := r.accounts.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, models.NewNotFoundError("Account", what)
	}
	return &found[0], nil
}

func (r *accountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return r.first(ctx, docstore.Query{Limit: 1}.Where("email", docstore.OpEqual, email), email)
}

func (r *accountRepository) GetByProviderUID(ctx context.Context, provider, providerUID string) (*models.Account, error) {
	return r.first(ctx, docstore.Query{Limit: 1}.
		Where("provider", docstore.OpEqual, provider).
		Where("providerUid", docstore.OpEqual, providerUID), providerUID)
}

func (r *accountRepository) GetByResetToken(ctx context.Context, tokenHash string) (*models.Account, error) {
	return r.first(ctx, docstore.Query{Limit: 1}.Where("resetTokenHash", docstore.OpEqual, tokenHash), "reset token")
}

func (r *accountRepository) Create(ctx context.Context, a *models.Account) error {
	id, err := r.accounts.Create(ctx, a.ID, *a)
	a.ID = id
	return err
}

func (r *accountRepository) Update(ctx context.Context, id string, fields map[string]any) error {
	return r.accounts.Update(ctx, id, fields)
}
