package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/silo-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertDeposit(ctx context.Context, account, token string, d model.Deposit) error {
	if err := s.primary.InsertDeposit(ctx, account, token, d); err != nil {
		return err
	}
	s.rdb.Del(ctx, depositsCacheKey(account, token))
	return nil
}

func (s *CachedStore) ApplyWithdrawal(ctx context.Context, account, token string, picked []model.Deposit) error {
	if err := s.primary.ApplyWithdrawal(ctx, account, token, picked); err != nil {
		return err
	}
	s.rdb.Del(ctx, depositsCacheKey(account, token))
	return nil
}

func (s *CachedStore) SetStemTip(ctx context.Context, token string, tip *big.Int) error {
	if err := s.primary.SetStemTip(ctx, token, tip); err != nil {
		return err
	}
	s.rdb.Set(ctx, stemTipKey(token), tip.String(), s.ttl)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListDeposits(ctx context.Context, account, token string) ([]model.Deposit, error) {
	data, err := s.rdb.Get(ctx, depositsCacheKey(account, token)).Bytes()
	if err == nil {
		var deposits []model.Deposit
		if json.Unmarshal(data, &deposits) == nil {
			return deposits, nil
		}
	}

	// Cache miss: read from primary.
	deposits, err := s.primary.ListDeposits(ctx, account, token)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(deposits); err == nil {
		s.rdb.Set(ctx, depositsCacheKey(account, token), data, s.ttl)
	}
	return deposits, nil
}

func (s *CachedStore) GetStemTip(ctx context.Context, token string) (*big.Int, error) {
	if v, err := s.rdb.Get(ctx, stemTipKey(token)).Result(); err == nil {
		if tip, ok := new(big.Int).SetString(v, 10); ok {
			return tip, nil
		}
	}

	tip, err := s.primary.GetStemTip(ctx, token)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, stemTipKey(token), tip.String(), s.ttl)
	return tip, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetSeason(ctx context.Context) (uint32, error) {
	return s.primary.GetSeason(ctx)
}

func (s *CachedStore) SetSeason(ctx context.Context, season uint32) error {
	return s.primary.SetSeason(ctx, season)
}

// --- Cache helpers ---

func depositsCacheKey(account, token string) string {
	return fmt.Sprintf("deposits:%s:%s", account, token)
}

func stemTipKey(token string) string { return fmt.Sprintf("stemtip:%s", token) }
