package redis

import (
	"context"
	"errors"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/pkg/circuitbreaker"
	"github.com/soulpet/companion-hub/pkg/logger"
)

// Backend is the subset of Cache the progress cache uses.
type Backend interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// ProgressStore is the authoritative store behind the cache.
type ProgressStore interface {
	companion.Repository
	challenge.ProgressRepository
}

// CachedProgressRepository is a read-through cache in front of a
// ProgressStore. Writes always go to the store and then drop the cached
// entry. A fill whose key was invalidated while the store was being read is
// skipped or undone, so a stale read cannot outlive a write. Cache failures
// are logged and bypassed.
type CachedProgressRepository struct {
	store   ProgressStore
	cache   Backend
	breaker *circuitbreaker.CircuitBreaker
	ttl     time.Duration
	log     *logger.Logger

	// gens counts invalidations per key stripe.
	gens [generationStripes]atomic.Uint64
}

const generationStripes = 64

// NewCachedProgressRepository wraps store with cache.
func NewCachedProgressRepository(store ProgressStore, cache Backend, ttl time.Duration, log *logger.Logger) *CachedProgressRepository {
	if ttl <= 0 {
		ttl = TTLProgressCache
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.With(logger.Component("progress_cache"))
	return &CachedProgressRepository{
		store: store,
		cache: cache,
		breaker: circuitbreaker.CacheBreaker(func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		}),
		ttl: ttl,
		log: log,
	}
}

// UpsertCompanionProgress implements companion.Repository.
func (r *CachedProgressRepository) UpsertCompanionProgress(ctx context.Context, p companion.Progress) error {
	if err := r.store.UpsertCompanionProgress(ctx, p); err != nil {
		return err
	}
	r.invalidate(ctx, CompanionKey(p.UserID.String()))
	return nil
}

// LoadCompanionProgress implements companion.Repository.
func (r *CachedProgressRepository) LoadCompanionProgress(ctx context.Context, userID shared.UserID) ([]companion.Progress, error) {
	key := CompanionKey(userID.String())
	var cached []companion.Progress
	if r.lookup(ctx, key, &cached) {
		return cached, nil
	}

	gen := r.generation(key)
	rows, err := r.store.LoadCompanionProgress(ctx, userID)
	if err != nil {
		return nil, err
	}
	r.fill(ctx, key, gen, rows)
	return rows, nil
}

// UpsertChallengeProgress implements challenge.ProgressRepository.
func (r *CachedProgressRepository) UpsertChallengeProgress(ctx context.Context, p challenge.Progress) error {
	if err := r.store.UpsertChallengeProgress(ctx, p); err != nil {
		return err
	}
	r.invalidate(ctx, ChallengeKey(p.UserID.String(), p.PeriodKey))
	return nil
}

// LoadChallengeProgress implements challenge.ProgressRepository.
func (r *CachedProgressRepository) LoadChallengeProgress(ctx context.Context, userID shared.UserID, periodKey string) ([]challenge.Progress, error) {
	key := ChallengeKey(userID.String(), periodKey)
	var cached []challenge.Progress
	if r.lookup(ctx, key, &cached) {
		return cached, nil
	}

	gen := r.generation(key)
	rows, err := r.store.LoadChallengeProgress(ctx, userID, periodKey)
	if err != nil {
		return nil, err
	}
	r.fill(ctx, key, gen, rows)
	return rows, nil
}

func (r *CachedProgressRepository) lookup(ctx context.Context, key string, dest any) bool {
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		err := r.cache.Get(ctx, key, dest)
		if errors.Is(err, ErrCacheMiss) {
			// a miss is not a cache failure
			return nil
		}
		return err
	})
	if err != nil {
		r.log.Debug("cache read bypassed", logger.String("key", key), logger.Err(err))
		return false
	}
	return dest != nil && !isEmpty(dest)
}

func (r *CachedProgressRepository) stripe(key string) *atomic.Uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &r.gens[h.Sum32()%generationStripes]
}

func (r *CachedProgressRepository) generation(key string) uint64 {
	return r.stripe(key).Load()
}

// fill stores value read from the store when the key's generation was gen.
// If an invalidation lands before the write it is skipped; if one lands
// around the write the entry is deleted again.
func (r *CachedProgressRepository) fill(ctx context.Context, key string, gen uint64, value any) {
	if r.generation(key) != gen {
		r.log.Debug("cache fill skipped", logger.String("key", key), logger.String("reason", "invalidated during read"))
		return
	}
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.cache.Set(ctx, key, value, r.ttl)
	})
	if err != nil {
		r.log.Debug("cache fill skipped", logger.String("key", key), logger.Err(err))
		return
	}
	if r.generation(key) != gen {
		r.evict(ctx, key)
	}
}

// invalidate bumps the key's generation before deleting it; fill relies on
// that order.
func (r *CachedProgressRepository) invalidate(ctx context.Context, key string) {
	r.stripe(key).Add(1)
	r.evict(ctx, key)
}

func (r *CachedProgressRepository) evict(ctx context.Context, key string) {
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.cache.Delete(ctx, key)
	})
	if err != nil {
		r.log.Warn("cache invalidation failed", logger.String("key", key), logger.Err(err))
	}
}

// isEmpty reports whether a decoded slice pointer holds nothing. An empty
// cached list is indistinguishable from a miss and is re-read from the store.
func isEmpty(dest any) bool {
	switch v := dest.(type) {
	case *[]companion.Progress:
		return len(*v) == 0
	case *[]challenge.Progress:
		return len(*v) == 0
	}
	return false
}
