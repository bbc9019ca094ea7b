// Package store defines the persistence interface for silo deposits and the
// protocol clock. Implementations include PostgreSQL (source of truth),
// Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/atmx/silo-engine/internal/model"
)

// ErrDepositNotFound is returned when a withdrawal names a marker the
// account holds no deposit at.
var ErrDepositNotFound = errors.New("store: deposit not found")

// Store is the persistence interface. Accounts are lower-cased addresses;
// tokens are registry symbols.
type Store interface {
	// --- Deposits ---

	// InsertDeposit records an observed deposit, merging it into any
	// existing deposit at the same marker.
	InsertDeposit(ctx context.Context, account, token string, d model.Deposit) error

	// ListDeposits returns the account's deposits of token, most recent
	// first: stems before seasons, each in descending marker order.
	ListDeposits(ctx context.Context, account, token string) ([]model.Deposit, error)

	// ApplyWithdrawal removes picked crates from the account's deposits.
	// Deposits reduced to zero are deleted. All-or-nothing.
	ApplyWithdrawal(ctx context.Context, account, token string, picked []model.Deposit) error

	// --- Protocol clock ---

	// GetStemTip returns the current stem tip of token (zero if unset).
	GetStemTip(ctx context.Context, token string) (*big.Int, error)

	// SetStemTip records the stem tip of token.
	SetStemTip(ctx context.Context, token string, tip *big.Int) error

	// GetSeason returns the current season (zero if unset).
	GetSeason(ctx context.Context) (uint32, error)

	// SetSeason records the current season.
	SetSeason(ctx context.Context, season uint32) error
}

// mergeDeposit adds d into existing. Both must be normalized.
func mergeDeposit(existing, d model.Deposit) (model.Deposit, error) {
	var (
		out = model.Deposit{Marker: existing.Marker}
		err error
	)
	if out.Amount, err = existing.Amount.Add(d.Amount); err != nil {
		return model.Deposit{}, err
	}
	if out.BDV, err = existing.BDV.Add(d.BDV); err != nil {
		return model.Deposit{}, err
	}
	if out.Seeds, err = existing.Seeds.Add(d.Seeds); err != nil {
		return model.Deposit{}, err
	}
	base, err := existing.Stalk.Base.Add(d.Stalk.Base)
	if err != nil {
		return model.Deposit{}, err
	}
	grown, err := existing.Stalk.Grown.Add(d.Stalk.Grown)
	if err != nil {
		return model.Deposit{}, err
	}
	if out.Stalk, err = model.NewStalk(base, grown); err != nil {
		return model.Deposit{}, err
	}
	return out, nil
}

// subtractDeposit removes picked from existing. Any quantity that would go
// negative fails with amount.ErrUnderflow.
func subtractDeposit(existing, picked model.Deposit) (model.Deposit, error) {
	picked, err := picked.Normalize()
	if err != nil {
		return model.Deposit{}, err
	}
	out := model.Deposit{Marker: existing.Marker}
	if out.Amount, err = existing.Amount.Sub(picked.Amount); err != nil {
		return model.Deposit{}, fmt.Errorf("amount at %s: %w", existing.Marker, err)
	}
	if out.BDV, err = existing.BDV.Sub(picked.BDV); err != nil {
		return model.Deposit{}, fmt.Errorf("bdv at %s: %w", existing.Marker, err)
	}
	if out.Seeds, err = existing.Seeds.Sub(picked.Seeds); err != nil {
		return model.Deposit{}, fmt.Errorf("seeds at %s: %w", existing.Marker, err)
	}
	base, err := existing.Stalk.Base.Sub(picked.Stalk.Base)
	if err != nil {
		return model.Deposit{}, fmt.Errorf("base stalk at %s: %w", existing.Marker, err)
	}
	grown, err := existing.Stalk.Grown.Sub(picked.Stalk.Grown)
	if err != nil {
		return model.Deposit{}, fmt.Errorf("grown stalk at %s: %w", existing.Marker, err)
	}
	if out.Stalk, err = model.NewStalk(base, grown); err != nil {
		return model.Deposit{}, err
	}
	return out, nil
}

// sortRecentFirst orders deposits the way the crate picker consumes them.
func sortRecentFirst(deposits []model.Deposit) {
	sort.SliceStable(deposits, func(i, j int) bool {
		a, b := deposits[i].Marker, deposits[j].Marker
		if a.Scheme != b.Scheme {
			return a.Scheme < b.Scheme
		}
		return a.Cmp(b) > 0
	})
}
