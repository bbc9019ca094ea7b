// Package growth computes the stalk a deposit has grown since it was made.
//
// Two schemes exist and they are deliberately separate functions: the
// current stem scheme (GrownStalkStems) and the legacy season scheme
// (GrownStalkSeeds). Callers pick the function matching the unit stored on
// the deposit's marker.
package growth

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/atmx/silo-engine/internal/amount"
	"github.com/atmx/silo-engine/internal/model"
)

var (
	// ErrInvalidPosition is returned when the stem tip is behind a
	// deposit's stem.
	ErrInvalidPosition = errors.New("growth: stem tip is older than deposit stem")

	// ErrInvalidEpoch is returned when the current season is before a
	// deposit's season.
	ErrInvalidEpoch = errors.New("growth: current season is before deposit season")
)

// GrownStalkStems returns the stalk grown by a deposit of bdv made at stem,
// observed at stemTip:
//
//	grown = bdv × (stemTip − stem)
//
// The stem delta is a per-BDV accrual counter, so the product is already in
// stalk units and needs no iteration or rounding.
func GrownStalkStems(stemTip, stem *big.Int, bdv amount.Amount) (amount.Amount, error) {
	if stemTip == nil || stem == nil {
		return amount.Amount{}, fmt.Errorf("%w: missing stem", ErrInvalidPosition)
	}
	if !bdv.IsZero() && bdv.Decimals() != model.BDVDecimals {
		return amount.Amount{}, fmt.Errorf("%w: bdv has %d decimals, want %d",
			amount.ErrScaleMismatch, bdv.Decimals(), model.BDVDecimals)
	}
	delta := new(big.Int).Sub(stemTip, stem)
	if delta.Sign() < 0 {
		return amount.Amount{}, fmt.Errorf("%w: tip %s < stem %s", ErrInvalidPosition, stemTip, stem)
	}
	return amount.New(new(big.Int).Mul(bdv.Raw(), delta), model.StalkDecimals)
}
