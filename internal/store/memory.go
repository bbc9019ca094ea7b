package store

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/atmx/silo-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	deposits map[string]map[string]model.Deposit // account/token → marker → deposit
	stemTips map[string]*big.Int
	season   uint32
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deposits: make(map[string]map[string]model.Deposit),
		stemTips: make(map[string]*big.Int),
	}
}

func (s *MemoryStore) InsertDeposit(_ context.Context, account, token string, d model.Deposit) error {
	d, err := d.Normalize()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := depositsKey(account, token)
	crates, ok := s.deposits[key]
	if !ok {
		crates = make(map[string]model.Deposit)
		s.deposits[key] = crates
	}

	mk := d.Marker.String()
	if existing, ok := crates[mk]; ok {
		merged, err := mergeDeposit(existing, d)
		if err != nil {
			return fmt.Errorf("merge deposit at %s: %w", d.Marker, err)
		}
		crates[mk] = merged
		return nil
	}
	crates[mk] = copyDeposit(d)
	return nil
}

func (s *MemoryStore) ListDeposits(_ context.Context, account, token string) ([]model.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	crates := s.deposits[depositsKey(account, token)]
	out := make([]model.Deposit, 0, len(crates))
	for _, d := range crates {
		out = append(out, copyDeposit(d))
	}
	sortRecentFirst(out)
	return out, nil
}

func (s *MemoryStore) ApplyWithdrawal(_ context.Context, account, token string, picked []model.Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	crates := s.deposits[depositsKey(account, token)]

	// Compute every update before touching the map so a failure leaves
	// the account unchanged.
	updates := make(map[string]model.Deposit, len(picked))
	for _, p := range picked {
		mk := p.Marker.String()
		existing, ok := updates[mk]
		if !ok {
			if existing, ok = crates[mk]; !ok {
				return fmt.Errorf("%w: %s at %s", ErrDepositNotFound, account, p.Marker)
			}
		}
		next, err := subtractDeposit(existing, p)
		if err != nil {
			return err
		}
		updates[mk] = next
	}

	for mk, d := range updates {
		if d.Amount.IsZero() {
			delete(crates, mk)
			continue
		}
		crates[mk] = d
	}
	return nil
}

func (s *MemoryStore) GetStemTip(_ context.Context, token string) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tip, ok := s.stemTips[token]; ok {
		return new(big.Int).Set(tip), nil
	}
	return new(big.Int), nil
}

func (s *MemoryStore) SetStemTip(_ context.Context, token string, tip *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stemTips[token] = new(big.Int).Set(tip)
	return nil
}

func (s *MemoryStore) GetSeason(_ context.Context) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.season, nil
}

func (s *MemoryStore) SetSeason(_ context.Context, season uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.season = season
	return nil
}

func depositsKey(account, token string) string {
	return account + "/" + token
}

// copyDeposit detaches the marker value so callers cannot mutate stored
// state. Amounts are immutable already.
func copyDeposit(d model.Deposit) model.Deposit {
	if d.Marker.Value != nil {
		d.Marker.Value = new(big.Int).Set(d.Marker.Value)
	}
	return d
}
