// Package amount implements token-denominated fixed-point values.
//
// An Amount is an arbitrary-precision integer of smallest token units plus the
// token's decimal scale. All arithmetic is exact integer arithmetic on
// math/big; shopspring/decimal is used only to parse and render the
// human-readable form. Never float64 for money.
package amount

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// ErrScaleMismatch is returned when two operands carry different decimals.
	ErrScaleMismatch = errors.New("amount: decimal scale mismatch")

	// ErrUnderflow is returned when a subtraction would go negative.
	ErrUnderflow = errors.New("amount: result would be negative")

	// ErrInvalidAmount is returned for unparseable, negative, or
	// over-precise input.
	ErrInvalidAmount = errors.New("amount: invalid amount")

	// ErrDivisionByZero is returned by MulRatio when the denominator is zero.
	ErrDivisionByZero = errors.New("amount: division by zero")
)

// Amount is an immutable fixed-point token quantity. The zero value is 0
// with 0 decimals.
type Amount struct {
	raw      *big.Int
	decimals uint8
}

// New creates an Amount from smallest units. raw is copied.
func New(raw *big.Int, decimals uint8) (Amount, error) {
	if raw == nil || raw.Sign() < 0 {
		return Amount{}, ErrInvalidAmount
	}
	return Amount{raw: new(big.Int).Set(raw), decimals: decimals}, nil
}

// MustNew is New for constants and tests. It panics on invalid input.
func MustNew(raw *big.Int, decimals uint8) Amount {
	a, err := New(raw, decimals)
	if err != nil {
		panic(err)
	}
	return a
}

// FromRaw creates an Amount from a non-negative int64 of smallest units.
func FromRaw(raw int64, decimals uint8) Amount {
	return MustNew(big.NewInt(raw), decimals)
}

// FromInt64 creates an Amount of n whole tokens.
func FromInt64(n int64, decimals uint8) Amount {
	return MustNew(new(big.Int).Mul(big.NewInt(n), Pow10(decimals)), decimals)
}

// Zero returns 0 at the given scale.
func Zero(decimals uint8) Amount {
	return Amount{raw: new(big.Int), decimals: decimals}
}

// FromHuman parses a decimal string such as "12.5". Input with more
// fractional digits than decimals is rejected rather than truncated.
func FromHuman(s string, decimals uint8) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return Amount{}, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return Amount{}, fmt.Errorf("%w: %q exceeds %d decimals", ErrInvalidAmount, s, decimals)
	}
	return Amount{raw: shifted.BigInt(), decimals: decimals}, nil
}

// FromRawString parses a base-10 string of smallest units.
func FromRawString(s string, decimals uint8) (Amount, error) {
	raw, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return New(raw, decimals)
}

// Raw returns a copy of the smallest-unit value.
func (a Amount) Raw() *big.Int {
	if a.raw == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.raw)
}

// Decimals returns the decimal scale.
func (a Amount) Decimals() uint8 {
	return a.decimals
}

func (a Amount) value() *big.Int {
	if a.raw == nil {
		return new(big.Int)
	}
	return a.raw
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.raw == nil || a.raw.Sign() == 0
}

// Add returns a + b.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.decimals != b.decimals {
		return Amount{}, mismatch(a, b)
	}
	return Amount{raw: new(big.Int).Add(a.value(), b.value()), decimals: a.decimals}, nil
}

// Sub returns a - b, or ErrUnderflow if b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.decimals != b.decimals {
		return Amount{}, mismatch(a, b)
	}
	if a.value().Cmp(b.value()) < 0 {
		return Amount{}, fmt.Errorf("%w: %s - %s", ErrUnderflow, a, b)
	}
	return Amount{raw: new(big.Int).Sub(a.value(), b.value()), decimals: a.decimals}, nil
}

// MulInt returns a × n for a dimensionless non-negative integer n.
func (a Amount) MulInt(n *big.Int) (Amount, error) {
	if n == nil || n.Sign() < 0 {
		return Amount{}, ErrInvalidAmount
	}
	return Amount{raw: new(big.Int).Mul(a.value(), n), decimals: a.decimals}, nil
}

// MulRatio returns a × num / den, rounded toward zero.
func (a Amount) MulRatio(num, den *big.Int) (Amount, error) {
	if num == nil || den == nil || num.Sign() < 0 || den.Sign() < 0 {
		return Amount{}, ErrInvalidAmount
	}
	if den.Sign() == 0 {
		return Amount{}, ErrDivisionByZero
	}
	r := new(big.Int).Mul(a.value(), num)
	r.Quo(r, den)
	return Amount{raw: r, decimals: a.decimals}, nil
}

// Scale returns a × part / whole for two amounts of the same token, rounded
// down. It is how partial crates derive every quantity from the taken share.
func (a Amount) Scale(part, whole Amount) (Amount, error) {
	if part.decimals != whole.decimals {
		return Amount{}, mismatch(part, whole)
	}
	return a.MulRatio(part.value(), whole.value())
}

// Rescale converts a to another decimal scale. Increasing the scale is
// exact; decreasing it truncates.
func (a Amount) Rescale(decimals uint8) Amount {
	r := new(big.Int).Set(a.value())
	switch {
	case decimals > a.decimals:
		r.Mul(r, Pow10(decimals-a.decimals))
	case decimals < a.decimals:
		r.Quo(r, Pow10(a.decimals-decimals))
	}
	return Amount{raw: r, decimals: decimals}
}

// Cmp compares a and b, returning -1, 0 or +1.
func (a Amount) Cmp(b Amount) (int, error) {
	if a.decimals != b.decimals {
		return 0, mismatch(a, b)
	}
	return a.value().Cmp(b.value()), nil
}

// Equal reports whether a and b have the same scale and value.
func (a Amount) Equal(b Amount) bool {
	return a.decimals == b.decimals && a.value().Cmp(b.value()) == 0
}

// Decimal returns the human-scaled value as a shopspring decimal.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.value(), -int32(a.decimals))
}

// Human renders the value in whole-token units, e.g. "0.0001".
func (a Amount) Human() string {
	return a.Decimal().String()
}

func (a Amount) String() string {
	return a.Human()
}

type amountJSON struct {
	Raw      string `json:"raw"`
	Decimals uint8  `json:"decimals"`
	Human    string `json:"human,omitempty"`
}

// MarshalJSON encodes the amount as {"raw","decimals","human"}.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(amountJSON{
		Raw:      a.value().String(),
		Decimals: a.decimals,
		Human:    a.Human(),
	})
}

// UnmarshalJSON decodes the form written by MarshalJSON. The human field is
// ignored; raw is authoritative.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var v amountJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := FromRawString(v.Raw, v.Decimals)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func mismatch(a, b Amount) error {
	return fmt.Errorf("%w: %d vs %d", ErrScaleMismatch, a.decimals, b.decimals)
}

// Pow10 returns 10^n, the raw value of one whole token at n decimals.
func Pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
