// Package model defines the core domain types shared across the silo engine.
// All token quantities use amount.Amount, never float64.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/atmx/silo-engine/internal/amount"
)

// Reward token scales. These are protocol constants, not per-deposit data.
const (
	StalkDecimals uint8 = 10
	SeedsDecimals uint8 = 6
	// BDVDecimals is the scale of BDV, which is denominated in BEAN for
	// every token.
	BDVDecimals uint8 = 6
)

// Scheme identifies which protocol-time unit a deposit marker uses.
type Scheme uint8

const (
	// SchemeStem is the current scheme: a continuous grown-stalk-per-BDV
	// counter ("stem"). Stems may be negative.
	SchemeStem Scheme = iota
	// SchemeSeason is the legacy scheme: a discrete season index.
	SchemeSeason
)

func (s Scheme) String() string {
	switch s {
	case SchemeStem:
		return "stem"
	case SchemeSeason:
		return "season"
	default:
		return fmt.Sprintf("scheme(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Scheme) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scheme) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stem":
		*s = SchemeStem
	case "season":
		*s = SchemeSeason
	default:
		return fmt.Errorf("model: unknown scheme %q", b)
	}
	return nil
}

// Marker is the protocol-time position at which a deposit was made.
type Marker struct {
	Scheme Scheme
	Value  *big.Int
}

// StemMarker returns a stem-scheme marker. v is copied.
func StemMarker(v *big.Int) Marker {
	return Marker{Scheme: SchemeStem, Value: new(big.Int).Set(v)}
}

// SeasonMarker returns a legacy season-scheme marker.
func SeasonMarker(season uint32) Marker {
	return Marker{Scheme: SchemeSeason, Value: new(big.Int).SetUint64(uint64(season))}
}

// Season returns the marker as a season. ok is false for stem markers or
// values outside uint32.
func (m Marker) Season() (season uint32, ok bool) {
	if m.Scheme != SchemeSeason || m.Value == nil || !m.Value.IsUint64() || m.Value.Uint64() > 1<<32-1 {
		return 0, false
	}
	return uint32(m.Value.Uint64()), true
}

// Cmp orders markers of the same scheme.
func (m Marker) Cmp(o Marker) int {
	return m.value().Cmp(o.value())
}

// Equal reports whether both markers name the same position.
func (m Marker) Equal(o Marker) bool {
	return m.Scheme == o.Scheme && m.Cmp(o) == 0
}

func (m Marker) value() *big.Int {
	if m.Value == nil {
		return new(big.Int)
	}
	return m.Value
}

func (m Marker) String() string {
	return m.Scheme.String() + ":" + m.value().String()
}

type markerJSON struct {
	Scheme Scheme `json:"scheme"`
	Value  string `json:"value"`
}

// MarshalJSON encodes the marker with its value as a decimal string, since
// stems exceed float64 precision in JSON consumers.
func (m Marker) MarshalJSON() ([]byte, error) {
	return json.Marshal(markerJSON{Scheme: m.Scheme, Value: m.value().String()})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (m *Marker) UnmarshalJSON(data []byte) error {
	var v markerJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	n, ok := new(big.Int).SetString(v.Value, 10)
	if !ok {
		return fmt.Errorf("model: invalid marker value %q", v.Value)
	}
	if v.Scheme == SchemeSeason && (n.Sign() < 0 || !n.IsUint64() || n.Uint64() > 1<<32-1) {
		return fmt.Errorf("model: season %s out of range", n)
	}
	*m = Marker{Scheme: v.Scheme, Value: n}
	return nil
}

// Stalk is the reward balance tied to a deposit. Total = Base + Grown.
type Stalk struct {
	Total amount.Amount `json:"total"`
	Base  amount.Amount `json:"base"`
	Grown amount.Amount `json:"grown"`
}

// NewStalk builds a Stalk from its parts so that Total always equals
// Base + Grown.
func NewStalk(base, grown amount.Amount) (Stalk, error) {
	base, grown = stalkOrZero(base), stalkOrZero(grown)
	total, err := base.Add(grown)
	if err != nil {
		return Stalk{}, err
	}
	return Stalk{Total: total, Base: base, Grown: grown}, nil
}

// stalkOrZero maps an unset or scale-less zero to zero stalk so records
// decoded without stalk figures still add up at the right scale.
func stalkOrZero(a amount.Amount) amount.Amount {
	if a.IsZero() && a.Decimals() != StalkDecimals {
		return amount.Zero(StalkDecimals)
	}
	return a
}

// ErrMissingMarker is returned for a deposit without a marker value.
var ErrMissingMarker = errors.New("model: deposit has no marker")

// ErrStalkMismatch is returned when Total != Base + Grown.
var ErrStalkMismatch = errors.New("model: stalk total does not equal base + grown")

// Validate checks the Total = Base + Grown invariant.
func (s Stalk) Validate() error {
	sum, err := s.Base.Add(s.Grown)
	if err != nil {
		return err
	}
	if !sum.Equal(s.Total) {
		return fmt.Errorf("%w: %s != %s + %s", ErrStalkMismatch, s.Total, s.Base, s.Grown)
	}
	return nil
}

// Deposit is one staking record ("crate"). Stored deposits are immutable;
// withdrawals derive new values rather than mutating in place.
type Deposit struct {
	Marker Marker        `json:"marker"`
	Amount amount.Amount `json:"amount"`
	BDV    amount.Amount `json:"bdv"`
	Stalk  Stalk         `json:"stalk"`
	Seeds  amount.Amount `json:"seeds"` // legacy; meaningful only under SchemeSeason
}

// Token is the static metadata of a depositable token.
type Token struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
	// StalkPerBDV is the base stalk earned per whole unit of BDV.
	StalkPerBDV amount.Amount `json:"stalk_per_bdv"`
	// SeedsPerBDV is the legacy seeds earned per whole unit of BDV.
	SeedsPerBDV amount.Amount `json:"seeds_per_bdv"`
}

// BaseStalk returns the base stalk for a BDV figure: StalkPerBDV × bdv,
// rounded down.
func (t Token) BaseStalk(bdv amount.Amount) (amount.Amount, error) {
	return scalePerBDV(t.StalkPerBDV, StalkDecimals, bdv)
}

// Seeds returns the legacy seeds for a BDV figure.
func (t Token) Seeds(bdv amount.Amount) (amount.Amount, error) {
	return scalePerBDV(t.SeedsPerBDV, SeedsDecimals, bdv)
}

func scalePerBDV(rate amount.Amount, decimals uint8, bdv amount.Amount) (amount.Amount, error) {
	// An unset rate earns nothing.
	if rate.IsZero() {
		return amount.Zero(decimals), nil
	}
	if rate.Decimals() != decimals {
		return amount.Amount{}, fmt.Errorf("%w: rate has %d decimals, want %d",
			amount.ErrScaleMismatch, rate.Decimals(), decimals)
	}
	return rate.MulRatio(bdv.Raw(), amount.Pow10(bdv.Decimals()))
}

// Amount builds an Amount of n whole tokens.
func (t Token) Amount(n int64) amount.Amount {
	return amount.FromInt64(n, t.Decimals)
}

// FromHuman parses a human-readable amount of this token.
func (t Token) FromHuman(s string) (amount.Amount, error) {
	return amount.FromHuman(s, t.Decimals)
}

// Normalize returns d with unset BDV, seeds, and stalk figures replaced by
// zero at their protocol scales, and Stalk.Total rebuilt from its parts.
func (d Deposit) Normalize() (Deposit, error) {
	if d.Marker.Value == nil {
		return Deposit{}, ErrMissingMarker
	}
	if d.BDV.IsZero() && d.BDV.Decimals() != BDVDecimals {
		d.BDV = amount.Zero(BDVDecimals)
	}
	if d.Seeds.IsZero() && d.Seeds.Decimals() != SeedsDecimals {
		d.Seeds = amount.Zero(SeedsDecimals)
	}
	stalk, err := NewStalk(d.Stalk.Base, d.Stalk.Grown)
	if err != nil {
		return Deposit{}, err
	}
	if !d.Stalk.Total.IsZero() && !d.Stalk.Total.Equal(stalk.Total) {
		return Deposit{}, fmt.Errorf("%w: %s != %s + %s", ErrStalkMismatch, d.Stalk.Total, stalk.Base, stalk.Grown)
	}
	d.Stalk = stalk
	return d, nil
}
