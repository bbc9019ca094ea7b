// Package crates selects which deposits ("crates") a withdrawal consumes.
//
// Deposits are consumed in the order given, which callers supply
// most-recent-first: newest stake is withdrawn first. Every crate but the
// last is taken whole; the last may be split, in which case every quantity on
// it is scaled by taken/amount, rounding down.
package crates

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/atmx/silo-engine/internal/amount"
	"github.com/atmx/silo-engine/internal/growth"
	"github.com/atmx/silo-engine/internal/model"
)

var (
	// ErrInsufficientBalance is returned when the deposits cannot cover the
	// requested amount. No partial selection is returned.
	ErrInsufficientBalance = errors.New("crates: not enough deposited balance")

	// ErrSchemeMismatch is returned when a refresh is requested but no clock
	// was given for a picked deposit's marker scheme.
	ErrSchemeMismatch = errors.New("crates: no refresh clock for deposit marker scheme")
)

// Crate is one picked deposit. Deposit is the (possibly partial) record
// being withdrawn; its Amount equals Taken.
type Crate struct {
	Deposit model.Deposit `json:"deposit"`
	Taken   amount.Amount `json:"taken"`
	Partial bool          `json:"partial"`
}

// Selection is the result of Pick.
type Selection struct {
	Crates      []Crate       `json:"crates"`
	TotalAmount amount.Amount `json:"total_amount"`
	TotalBDV    amount.Amount `json:"total_bdv"`
	TotalStalk  amount.Amount `json:"total_stalk"`
	TotalSeeds  amount.Amount `json:"total_seeds"`
}

// Deposits returns the picked records in selection order.
func (s *Selection) Deposits() []model.Deposit {
	out := make([]model.Deposit, len(s.Crates))
	for i, c := range s.Crates {
		out[i] = c.Deposit
	}
	return out
}

type refresh struct {
	stemTip *big.Int
	season  *uint32
}

// Option configures Pick.
type Option func(*refresh)

// AtStemTip recomputes grown stalk of each picked stem-scheme crate at the
// given stem tip instead of scaling the stored figure.
func AtStemTip(tip *big.Int) Option {
	return func(r *refresh) {
		r.stemTip = new(big.Int).Set(tip)
	}
}

// AtSeason recomputes grown stalk of legacy season-scheme crates at the
// given season. It may be combined with AtStemTip; each crate refreshes by
// its own marker.
func AtSeason(season uint32) Option {
	return func(r *refresh) {
		r.season = &season
	}
}

// Pick selects deposits, in order, until their amounts sum to exactly
// desired. The deposits slice is never modified.
func Pick(deposits []model.Deposit, desired amount.Amount, token model.Token, opts ...Option) (*Selection, error) {
	var r *refresh
	if len(opts) > 0 {
		r = &refresh{}
		for _, opt := range opts {
			opt(r)
		}
	}

	if desired.Decimals() != token.Decimals {
		return nil, fmt.Errorf("%w: desired amount has %d decimals, %s has %d",
			amount.ErrScaleMismatch, desired.Decimals(), token.Symbol, token.Decimals)
	}

	sel := &Selection{
		Crates:      []Crate{},
		TotalAmount: amount.Zero(token.Decimals),
		TotalBDV:    amount.Zero(model.BDVDecimals),
		TotalStalk:  amount.Zero(model.StalkDecimals),
		TotalSeeds:  amount.Zero(model.SeedsDecimals),
	}

	for i, d := range deposits {
		remaining, err := desired.Sub(sel.TotalAmount)
		if err != nil {
			return nil, err
		}
		if remaining.IsZero() {
			break
		}
		if d.Amount.IsZero() {
			continue
		}
		if d.Amount.Decimals() != token.Decimals {
			return nil, fmt.Errorf("%w: deposit %s has %d decimals, %s has %d",
				amount.ErrScaleMismatch, d.Marker, d.Amount.Decimals(), token.Symbol, token.Decimals)
		}
		// Stored figures must already satisfy Total = Base + Grown.
		nd, err := d.Normalize()
		if err != nil {
			return nil, fmt.Errorf("crate %d (%s): %w", i, d.Marker, err)
		}
		d = nd

		taken := d.Amount
		partial := false
		if c, _ := d.Amount.Cmp(remaining); c > 0 {
			taken = remaining
			partial = true
		}

		crate, err := takeCrate(d, taken, r)
		if err != nil {
			return nil, fmt.Errorf("crate %d (%s): %w", i, d.Marker, err)
		}
		crate.Partial = partial
		if err := sel.add(crate); err != nil {
			return nil, err
		}
	}

	if c, _ := sel.TotalAmount.Cmp(desired); c < 0 {
		return nil, fmt.Errorf("%w: requested %s %s, deposited %s",
			ErrInsufficientBalance, desired, token.Symbol, sel.TotalAmount)
	}
	return sel, nil
}

// takeCrate derives the withdrawn portion of d. A whole crate keeps its
// stored figures; a partial one scales each of them by taken/amount.
func takeCrate(d model.Deposit, taken amount.Amount, r *refresh) (Crate, error) {
	out := model.Deposit{Marker: d.Marker, Amount: taken}

	var (
		base, grown amount.Amount
		err         error
	)
	if taken.Equal(d.Amount) {
		out.BDV, out.Seeds = d.BDV, d.Seeds
		base, grown = d.Stalk.Base, d.Stalk.Grown
	} else {
		if out.BDV, err = d.BDV.Scale(taken, d.Amount); err != nil {
			return Crate{}, err
		}
		if out.Seeds, err = d.Seeds.Scale(taken, d.Amount); err != nil {
			return Crate{}, err
		}
		if base, err = d.Stalk.Base.Scale(taken, d.Amount); err != nil {
			return Crate{}, err
		}
		if grown, err = d.Stalk.Grown.Scale(taken, d.Amount); err != nil {
			return Crate{}, err
		}
	}

	if r != nil {
		if grown, err = refreshGrown(out, r); err != nil {
			return Crate{}, err
		}
	}

	// Total is rebuilt from the parts; flooring it separately could break
	// Total = Base + Grown by one unit.
	if out.Stalk, err = model.NewStalk(base, grown); err != nil {
		return Crate{}, err
	}
	return Crate{Deposit: out, Taken: taken}, nil
}

func refreshGrown(d model.Deposit, r *refresh) (amount.Amount, error) {
	switch d.Marker.Scheme {
	case model.SchemeStem:
		if r.stemTip == nil {
			return amount.Amount{}, fmt.Errorf("%w: stem deposit, no stem tip given", ErrSchemeMismatch)
		}
		return growth.GrownStalkStems(r.stemTip, d.Marker.Value, d.BDV)
	default:
		if r.season == nil {
			return amount.Amount{}, fmt.Errorf("%w: season deposit, no season given", ErrSchemeMismatch)
		}
		season, ok := d.Marker.Season()
		if !ok {
			return amount.Amount{}, fmt.Errorf("%w: bad season marker %s", ErrSchemeMismatch, d.Marker)
		}
		return growth.GrownStalkSeeds(*r.season, season, d.Seeds)
	}
}

func (s *Selection) add(c Crate) error {
	var err error
	if s.TotalAmount, err = s.TotalAmount.Add(c.Taken); err != nil {
		return err
	}
	if !c.Deposit.BDV.IsZero() {
		if s.TotalBDV, err = s.TotalBDV.Add(c.Deposit.BDV); err != nil {
			return err
		}
	}
	if s.TotalStalk, err = s.TotalStalk.Add(c.Deposit.Stalk.Total); err != nil {
		return err
	}
	if !c.Deposit.Seeds.IsZero() {
		if s.TotalSeeds, err = s.TotalSeeds.Add(c.Deposit.Seeds); err != nil {
			return err
		}
	}
	s.Crates = append(s.Crates, c)
	return nil
}
