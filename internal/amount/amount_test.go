package amount

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

const beanDecimals = 6

func TestFromHuman(t *testing.T) {
	require := require.New(t)

	a, err := FromHuman("12.5", beanDecimals)
	require.NoError(err, "FromHuman(12.5)")
	require.Equal("12500000", a.Raw().String())
	require.Equal(uint8(beanDecimals), a.Decimals())

	a, err = FromHuman("0.000001", beanDecimals)
	require.NoError(err, "FromHuman(0.000001)")
	require.Equal("1", a.Raw().String())

	_, err = FromHuman("0.0000001", beanDecimals)
	require.ErrorIs(err, ErrInvalidAmount, "more precision than the token carries")

	_, err = FromHuman("-1", beanDecimals)
	require.ErrorIs(err, ErrInvalidAmount, "negative")

	_, err = FromHuman("bean", beanDecimals)
	require.ErrorIs(err, ErrInvalidAmount, "garbage")
}

func TestNew(t *testing.T) {
	require := require.New(t)

	_, err := New(nil, beanDecimals)
	require.ErrorIs(err, ErrInvalidAmount)

	_, err = New(big.NewInt(-1), beanDecimals)
	require.ErrorIs(err, ErrInvalidAmount)

	raw := big.NewInt(42)
	a, err := New(raw, beanDecimals)
	require.NoError(err)
	raw.SetInt64(7)
	require.Equal("42", a.Raw().String(), "New must copy its input")

	out := a.Raw()
	out.SetInt64(9)
	require.Equal("42", a.Raw().String(), "Raw must return a copy")
}

func TestZeroValue(t *testing.T) {
	require := require.New(t)

	var a Amount
	require.True(a.IsZero())
	require.Equal("0", a.Human())
	require.True(a.Equal(Zero(0)))
}

func TestAddSub(t *testing.T) {
	require := require.New(t)

	a := FromInt64(100, beanDecimals)
	b := FromInt64(23, beanDecimals)

	sum, err := a.Add(b)
	require.NoError(err)
	require.True(sum.Equal(FromInt64(123, beanDecimals)))

	diff, err := a.Sub(b)
	require.NoError(err)
	require.True(diff.Equal(FromInt64(77, beanDecimals)))

	zero, err := a.Sub(a)
	require.NoError(err)
	require.True(zero.IsZero())

	_, err = b.Sub(a)
	require.ErrorIs(err, ErrUnderflow)

	require.Equal("100", a.Human(), "operands are never mutated")
}

func TestScaleMismatch(t *testing.T) {
	require := require.New(t)

	bean := FromInt64(1, 6)
	stalk := FromInt64(1, 10)

	_, err := bean.Add(stalk)
	require.ErrorIs(err, ErrScaleMismatch)

	_, err = bean.Sub(stalk)
	require.ErrorIs(err, ErrScaleMismatch)

	_, err = bean.Cmp(stalk)
	require.ErrorIs(err, ErrScaleMismatch)

	_, err = bean.Scale(bean, stalk)
	require.ErrorIs(err, ErrScaleMismatch)

	require.False(bean.Equal(stalk), "equal raw is not equal amount")
}

func TestMulRatioRoundsDown(t *testing.T) {
	require := require.New(t)

	a := FromRaw(10, beanDecimals)

	r, err := a.MulRatio(big.NewInt(1), big.NewInt(3))
	require.NoError(err)
	require.Equal("3", r.Raw().String())

	r, err = a.MulRatio(big.NewInt(2), big.NewInt(3))
	require.NoError(err)
	require.Equal("6", r.Raw().String())

	_, err = a.MulRatio(big.NewInt(1), big.NewInt(0))
	require.ErrorIs(err, ErrDivisionByZero)

	_, err = a.MulRatio(big.NewInt(-1), big.NewInt(3))
	require.ErrorIs(err, ErrInvalidAmount)
}

func TestMulInt(t *testing.T) {
	require := require.New(t)

	a := FromInt64(5, beanDecimals)
	r, err := a.MulInt(big.NewInt(10))
	require.NoError(err)
	require.Equal("50000000", r.Raw().String())

	_, err = a.MulInt(big.NewInt(-2))
	require.ErrorIs(err, ErrInvalidAmount)
}

func TestScale(t *testing.T) {
	require := require.New(t)

	// 1 of 300 BEAN taken: a 300 BDV crate keeps 1 BDV.
	bdv := FromInt64(300, beanDecimals)
	r, err := bdv.Scale(FromInt64(1, beanDecimals), FromInt64(300, beanDecimals))
	require.NoError(err)
	require.True(r.Equal(FromInt64(1, beanDecimals)))

	// Stalk scales by a BEAN ratio even though it has its own decimals.
	stalk := FromInt64(2, 10)
	r, err = stalk.Scale(FromInt64(1, beanDecimals), FromInt64(3, beanDecimals))
	require.NoError(err)
	require.Equal("6666666666", r.Raw().String())
	require.Equal(uint8(10), r.Decimals())
}

func TestRescale(t *testing.T) {
	require := require.New(t)

	seeds := FromInt64(1, 6)
	up := seeds.Rescale(10)
	require.Equal("10000000000", up.Raw().String())

	down := FromRaw(123456789, 10).Rescale(6)
	require.Equal("12345", down.Raw().String(), "truncates")
}

func TestCmp(t *testing.T) {
	require := require.New(t)

	for _, tc := range []struct {
		a, b int64
		want int
	}{
		{1, 2, -1},
		{2, 2, 0},
		{3, 2, 1},
	} {
		got, err := FromInt64(tc.a, beanDecimals).Cmp(FromInt64(tc.b, beanDecimals))
		require.NoError(err)
		require.Equal(tc.want, got, "Cmp(%d, %d)", tc.a, tc.b)
	}
}

func TestHuman(t *testing.T) {
	require := require.New(t)

	require.Equal("0.0001", FromRaw(1_000000, 10).Human())
	require.Equal("701", FromInt64(701, beanDecimals).Human())
	require.Equal("1.5", FromRaw(1_500000, beanDecimals).String())
}

func TestJSON(t *testing.T) {
	require := require.New(t)

	a := FromRaw(1_500000, beanDecimals)
	data, err := json.Marshal(a)
	require.NoError(err)
	require.JSONEq(`{"raw":"1500000","decimals":6,"human":"1.5"}`, string(data))

	var back Amount
	require.NoError(json.Unmarshal(data, &back))
	require.True(back.Equal(a))

	err = json.Unmarshal([]byte(`{"raw":"-5","decimals":6}`), &back)
	require.ErrorIs(err, ErrInvalidAmount)
}

func TestLargeValues(t *testing.T) {
	require := require.New(t)

	huge, ok := new(big.Int).SetString("340282366920938463463374607431768211457", 10) // 2^128 + 1
	require.True(ok)
	a := MustNew(huge, 18)
	sum, err := a.Add(a)
	require.NoError(err)
	require.Equal("680564733841876926926749214863536422914", sum.Raw().String())
}
