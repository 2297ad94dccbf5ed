package discordbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/rapidloop/skv"
	"gorm.io/gorm"
	"time"
)

const (
	bindingStoreDatabase = "database"
	bindingStoreSKV      = "skv"
)

// BindingStore remembers which Discord message announces which
// commission. Implementations must be safe for concurrent use, and
// durable across restarts.
type BindingStore interface {
	// Get returns the binding for the commission key, and false if there
	// isn't one
	Get(ctx context.Context, key string) (MessageBinding, bool, error)

	// Set creates or replaces the binding for b.CommissionKey
	Set(ctx context.Context, b MessageBinding) error

	// Delete removes the binding for key. Deleting a key that isn't
	// bound is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

// BindingLister is implemented by stores which can enumerate bindings
type BindingLister interface {
	List(ctx context.Context, limit int) ([]MessageBinding, error)
}

// dbBindingStore keeps bindings in the main database
type dbBindingStore struct {
	db *database
}

func newDBBindingStore(db *database) *dbBindingStore {
	return &dbBindingStore{db: db}
}

func (s *dbBindingStore) Get(ctx context.Context, key string) (
	MessageBinding,
	bool,
	error,
) {
	var b MessageBinding
	err := s.db.First(ctx, &b, columnCommissionKey+" = ?", key)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return MessageBinding{}, false, nil
	case err != nil:
		return MessageBinding{}, false, fmt.Errorf("error getting binding: %w", err)
	}
	return b, true, nil
}

func (s *dbBindingStore) Set(ctx context.Context, b MessageBinding) error {
	if _, err := s.db.Upsert(ctx, &b); err != nil {
		return fmt.Errorf("error saving binding: %w", err)
	}
	return nil
}

func (s *dbBindingStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Delete(ctx, &MessageBinding{}, columnCommissionKey+" = ?", key); err != nil {
		return fmt.Errorf("error deleting binding: %w", err)
	}
	return nil
}

func (s *dbBindingStore) List(ctx context.Context, limit int) ([]MessageBinding, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var bindings []MessageBinding
	err := s.db.DB().WithContext(ctx).
		Order(columnCreatedAt + " desc").
		Limit(limit).
		Find(&bindings).Error
	return bindings, err
}

// Close is a no-op, the database is owned by the caller
func (*dbBindingStore) Close() error {
	return nil
}

// skvBindingStore keeps bindings in a standalone key-value file, for
// running without a shared database
type skvBindingStore struct {
	kv *skv.KVStore
}

func newSKVBindingStore(path string) (*skvBindingStore, error) {
	kv, err := skv.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening binding store %q: %w", path, err)
	}
	return &skvBindingStore{kv: kv}, nil
}

func (s *skvBindingStore) Get(ctx context.Context, key string) (
	MessageBinding,
	bool,
	error,
) {
	if err := ctx.Err(); err != nil {
		return MessageBinding{}, false, err
	}
	var b MessageBinding
	err := s.kv.Get(key, &b)
	switch {
	case errors.Is(err, skv.ErrNotFound):
		return MessageBinding{}, false, nil
	case err != nil:
		return MessageBinding{}, false, fmt.Errorf("error getting binding: %w", err)
	}
	return b, true, nil
}

func (s *skvBindingStore) Set(ctx context.Context, b MessageBinding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if b.CreatedAt == 0 {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	if err := s.kv.Put(b.CommissionKey, b); err != nil {
		return fmt.Errorf("error saving binding: %w", err)
	}
	return nil
}

func (s *skvBindingStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.kv.Delete(key)
	if err != nil && !errors.Is(err, skv.ErrNotFound) {
		return fmt.Errorf("error deleting binding: %w", err)
	}
	return nil
}

func (s *skvBindingStore) Close() error {
	return s.kv.Close()
}

// newBindingStore returns the binding store selected by the config
func newBindingStore(cfg *CommissionConfig, db *database) (BindingStore, error) {
	switch cfg.BindingStore {
	case bindingStoreSKV:
		return newSKVBindingStore(cfg.BindingStorePath)
	case bindingStoreDatabase, "":
		if db == nil {
			return nil, errors.New("database binding store requires a database")
		}
		return newDBBindingStore(db), nil
	default:
		return nil, fmt.Errorf("unknown binding store: %q", cfg.BindingStore)
	}
}
