// Package proxypool tracks proxies, their health and their one-to-one
// binding to accounts.
package proxypool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"pacebot/internal/model"
	logx "pacebot/pkg/logx"
)

var (
	ErrProxyTaken   = errors.New("proxy already assigned to another account")
	ErrNoProxy      = errors.New("no free healthy proxy")
	ErrUnknownProxy = errors.New("unknown proxy")
)

// Persister saves proxy rows after a binding or health change.
type Persister interface {
	SaveProxy(ctx context.Context, p model.Proxy) error
}

type Pool struct {
	mu        sync.Mutex
	proxies   map[string]*model.Proxy
	byAccount map[string]string

	claims Claims
	store  Persister
	log    logx.Logger
}

// New returns an empty pool. claims defaults to MemClaims; store may be nil.
func New(claims Claims, store Persister, log logx.Logger) *Pool {
	if claims == nil {
		claims = NewMemClaims()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		proxies:   map[string]*model.Proxy{},
		byAccount: map[string]string{},
		claims:    claims,
		store:     store,
		log:       log.With(logx.String("comp", "proxypool")),
	}
}

// Add registers or updates a proxy. A non-empty AccountID is claimed.
func (p *Pool) Add(ctx context.Context, px model.Proxy) error {
	if px.ID == "" {
		return errors.New("proxy id is required")
	}
	owner := px.AccountID
	px.AccountID = ""

	p.mu.Lock()
	if cur, ok := p.proxies[px.ID]; ok {
		px.AccountID = cur.AccountID
	}
	cp := px
	p.proxies[px.ID] = &cp
	p.mu.Unlock()

	if owner != "" {
		return p.Assign(ctx, px.ID, owner)
	}
	return nil
}

// Assign binds proxyID to accountID. Re-assigning the same pair is a no-op;
// an account moving to a new proxy releases its old one.
func (p *Pool) Assign(ctx context.Context, proxyID, accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.assignLocked(ctx, proxyID, accountID)
}

func (p *Pool) assignLocked(ctx context.Context, proxyID, accountID string) error {
	px, ok := p.proxies[proxyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProxy, proxyID)
	}
	owner, err := p.claims.Claim(ctx, proxyID, accountID)
	if err != nil {
		return fmt.Errorf("claim proxy %s: %w", proxyID, err)
	}
	if owner != accountID {
		return fmt.Errorf("%w: %s owned by %s", ErrProxyTaken, proxyID, owner)
	}

	if prev := p.byAccount[accountID]; prev != "" && prev != proxyID {
		p.releaseLocked(ctx, prev, accountID)
	}
	px.AccountID = accountID
	p.byAccount[accountID] = proxyID
	p.persistLocked(ctx, px)
	return nil
}

// Unassign frees the account's proxy, if any.
func (p *Pool) Unassign(ctx context.Context, accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id := p.byAccount[accountID]; id != "" {
		p.releaseLocked(ctx, id, accountID)
	}
}

func (p *Pool) releaseLocked(ctx context.Context, proxyID, accountID string) {
	if err := p.claims.Release(ctx, proxyID, accountID); err != nil {
		p.log.Warn("proxy release failed", logx.String("proxy", proxyID), logx.Err(err))
	}
	if px := p.proxies[proxyID]; px != nil && px.AccountID == accountID {
		px.AccountID = ""
		p.persistLocked(ctx, px)
	}
	if p.byAccount[accountID] == proxyID {
		delete(p.byAccount, accountID)
	}
}

func (p *Pool) MarkHealth(ctx context.Context, proxyID string, healthy bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[proxyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProxy, proxyID)
	}
	if px.Healthy != healthy {
		px.Healthy = healthy
		p.persistLocked(ctx, px)
		p.log.Info("proxy health changed", logx.String("proxy", proxyID), logx.Bool("healthy", healthy))
	}
	return nil
}

// ForAccount returns the proxy bound to accountID.
func (p *Pool) ForAccount(accountID string) (model.Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.byAccount[accountID]
	if id == "" {
		return model.Proxy{}, false
	}
	return *p.proxies[id], true
}

// Healthy reports whether accountID may act now. An account without a
// proxy connects directly and counts as healthy.
func (p *Pool) Healthy(accountID string) bool {
	px, ok := p.ForAccount(accountID)
	return !ok || px.Healthy
}

// Replace moves accountID to a free healthy proxy, lowest ID first.
func (p *Pool) Replace(ctx context.Context, accountID string) (model.Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.proxies))
	for id, px := range p.proxies {
		if px.Healthy && px.AccountID == "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		err := p.assignLocked(ctx, id, accountID)
		if err == nil {
			return *p.proxies[id], nil
		}
		// Another process may have claimed it first.
		if errors.Is(err, ErrProxyTaken) {
			continue
		}
		return model.Proxy{}, err
	}
	return model.Proxy{}, ErrNoProxy
}

// List returns all proxies ordered by ID.
func (p *Pool) List() []model.Proxy {
	p.mu.Lock()
	out := make([]model.Proxy, 0, len(p.proxies))
	for _, px := range p.proxies {
		out = append(out, *px)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) persistLocked(ctx context.Context, px *model.Proxy) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveProxy(ctx, *px); err != nil {
		p.log.Warn("proxy persist failed", logx.String("proxy", px.ID), logx.Err(err))
	}
}
