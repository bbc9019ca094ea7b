package growth

import (
	"fmt"
	"math/big"

	"github.com/atmx/silo-engine/internal/amount"
	"github.com/atmx/silo-engine/internal/model"
)

// StalkPerSeedPerSeasonDenominator is the fixed legacy growth rate: one seed
// grows 1/10000 stalk per season.
const StalkPerSeedPerSeasonDenominator = 10_000

// GrownStalkSeeds returns the stalk grown by a legacy season-scheme deposit:
//
//	grown = seeds × (currentSeason − depositSeason) / 10000
//
// Seeds are rescaled to stalk decimals before the division, which rounds
// down.
//
// Deprecated: season-scheme deposits were migrated to stems. Use
// GrownStalkStems; this remains only to read historical records.
func GrownStalkSeeds(currentSeason, depositSeason uint32, seeds amount.Amount) (amount.Amount, error) {
	if currentSeason < depositSeason {
		return amount.Amount{}, fmt.Errorf("%w: season %d < deposit season %d",
			ErrInvalidEpoch, currentSeason, depositSeason)
	}
	if seeds.Decimals() != model.SeedsDecimals && !seeds.IsZero() {
		return amount.Amount{}, fmt.Errorf("%w: seeds have %d decimals, want %d",
			amount.ErrScaleMismatch, seeds.Decimals(), model.SeedsDecimals)
	}
	delta := big.NewInt(int64(currentSeason - depositSeason))
	return seeds.Rescale(model.StalkDecimals).MulRatio(delta, big.NewInt(StalkPerSeedPerSeasonDenominator))
}
