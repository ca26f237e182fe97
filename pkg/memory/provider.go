package memory

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/alexma233/Memoh/pkg/conversation"
)

const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 50
)

type ProviderConfig struct {
	Store Store
	// Index is optional; without it SearchSemantic returns no hits.
	Index Index
	// OnError receives write-back failures. Defaults to logging only.
	OnError func(error)
}

// Provider supplies bounded context to turns and persists completed ones.
// It is safe for concurrent use as long as Store and Index are.
type Provider struct {
	store   Store
	index   Index
	onError func(error)
}

func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.Store == nil {
		return nil, errors.New("memory provider store is nil")
	}
	return &Provider{store: cfg.Store, index: cfg.Index, onError: cfg.OnError}, nil
}

func (p *Provider) ReadByWindow(ctx context.Context, from, to time.Time, subject string) ([]conversation.MemoryUnit, error) {
	if p == nil || p.store == nil {
		return nil, errors.New("memory provider is not initialized")
	}
	if to.Before(from) {
		return []conversation.MemoryUnit{}, nil
	}
	return p.store.ReadByWindow(ctx, from, to, subject)
}

// ContextFor reads the window [now-horizon, now].
func (p *Provider) ContextFor(ctx context.Context, subject string, horizon time.Duration, now time.Time) ([]conversation.MemoryUnit, error) {
	if horizon <= 0 {
		return []conversation.MemoryUnit{}, nil
	}
	return p.ReadByWindow(ctx, now.Add(-horizon), now, subject)
}

func ClampSearchLimit(limit int) int {
	if limit <= 0 {
		return DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		return MaxSearchLimit
	}
	return limit
}

func (p *Provider) SearchSemantic(ctx context.Context, query, subject string, limit int) ([]SearchHit, error) {
	if p == nil {
		return nil, errors.New("memory provider is not initialized")
	}
	if strings.TrimSpace(subject) == "" {
		return nil, errors.New("subject is required to search memory")
	}
	if p.index == nil {
		return []SearchHit{}, nil
	}
	return p.index.Search(ctx, query, subject, ClampSearchLimit(limit))
}

// Write persists a unit. Failures are logged and reported to OnError; the
// returned error is informational and callers on the turn success path must
// not propagate it.
func (p *Provider) Write(ctx context.Context, unit conversation.MemoryUnit) error {
	if p == nil || p.store == nil {
		return errors.New("memory provider is not initialized")
	}
	var firstErr error
	if err := p.store.Write(ctx, unit); err != nil {
		firstErr = &PersistenceError{UnitID: unit.ID, Err: err}
		p.report(firstErr)
	}
	if p.index != nil {
		if err := p.index.Index(ctx, unit); err != nil {
			perr := &PersistenceError{UnitID: unit.ID, Err: err}
			p.report(perr)
			if firstErr == nil {
				firstErr = perr
			}
		}
	}
	return firstErr
}

func (p *Provider) report(err error) {
	log.Warn().Err(err).Str("component", "memory").Msg("memory write-back failed")
	if p.onError != nil {
		p.onError(err)
	}
}

func (p *Provider) Close() error {
	if p == nil {
		return nil
	}
	var firstErr error
	if p.index != nil {
		firstErr = p.index.Close()
	}
	if err := p.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
