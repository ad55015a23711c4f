package rules

import (
	"context"
	"errors"
	"log/slog"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// CachedStore is a read-through cache in front of a TemplateStore.
// Template versions are immutable, so cached entries never go stale.
// Cache failures are logged and fall back to the backing store.
type CachedStore struct {
	next   domain.TemplateStore
	cache  domain.TemplateCache
	logger *slog.Logger
}

var _ domain.TemplateStore = (*CachedStore)(nil)

// NewCachedStore wraps next with cache.
func NewCachedStore(next domain.TemplateStore, cache domain.TemplateCache, logger *slog.Logger) *CachedStore {
	return &CachedStore{next: next, cache: cache, logger: logger}
}

func (s *CachedStore) Get(ctx context.Context, id string, version int) (domain.RuleTemplate, error) {
	t, err := s.cache.Get(ctx, id, version)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "rules: template cache read failed",
			slog.String("template_id", id),
			slog.Int("version", version),
			slog.String("error", err.Error()),
		)
	}

	t, err = s.next.Get(ctx, id, version)
	if err != nil {
		return domain.RuleTemplate{}, err
	}
	if err := s.cache.Set(ctx, t); err != nil {
		s.logger.WarnContext(ctx, "rules: template cache write failed",
			slog.String("template_id", id),
			slog.Int("version", version),
			slog.String("error", err.Error()),
		)
	}
	return t, nil
}

func (s *CachedStore) List(ctx context.Context) ([]domain.RuleTemplate, error) {
	return s.next.List(ctx)
}
