package app

import (
	"context"
	"sync"
	"time"

	"pacebot/internal/model"
	"pacebot/internal/storage"
	logx "pacebot/pkg/logx"
)

// accountBook is the in-memory account directory the dispatcher consults
// for activity and quota tiers. It is filled from storage and the config's
// accounts section.
type accountBook struct {
	mu   sync.RWMutex
	byID map[string]model.Account
}

func newAccountBook() *accountBook {
	return &accountBook{byID: map[string]model.Account{}}
}

func (b *accountBook) Account(id string) (model.Account, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.byID[id]
	return a, ok
}

func (b *accountBook) put(a model.Account) {
	b.mu.Lock()
	b.byID[a.ID] = a
	b.mu.Unlock()
}

func (b *accountBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// load reads persisted accounts, then upserts the configured ones. A
// configured account keeps its persisted CreatedAt when the config leaves it
// empty so its quota tier does not reset.
func (b *accountBook) load(ctx context.Context, store storage.Store, cfgAccounts []model.Account, now func() time.Time, log logx.Logger) error {
	if store != nil {
		persisted, err := store.LoadAccounts(ctx)
		if err != nil {
			return err
		}
		for _, a := range persisted {
			b.put(a)
		}
	}
	for _, a := range cfgAccounts {
		if prev, ok := b.Account(a.ID); ok && a.CreatedAt.IsZero() {
			a.CreatedAt = prev.CreatedAt
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now()
		}
		b.put(a)
		if store == nil {
			continue
		}
		if err := store.SaveAccount(ctx, a); err != nil {
			log.Warn("account save failed", logx.String("account", a.ID), logx.Err(err))
		}
	}
	return nil
}
