package math_test

import (
	"errors"
	"testing"

	fpmath "SolvencyLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecimal(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1", "1000000000000000000"},
		{"1000", "1000000000000000000000"},
		{"0.1", "100000000000000000"},
		{".5", "500000000000000000"},
		{"0", "0"},
		{"0.000000000000000001", "1"},
	}
	for _, tc := range cases {
		got, err := fpmath.ParseDecimal(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got.Dec(), tc.in)
	}
}

func TestParseDecimal_Rejects(t *testing.T) {
	for _, in := range []string{"", "-1", "1.", "abc", "1.2.3", "0.0000000000000000001"} {
		_, err := fpmath.ParseDecimal(in)
		assert.ErrorIs(t, err, fpmath.ErrInvalidDecimal, in)
	}
}

func TestFormatDecimal_RoundTrip(t *testing.T) {
	for _, in := range []string{"0", "1", "700", "0.25", "123.000000000000000001"} {
		assert.Equal(t, in, fpmath.FormatDecimal(fpmath.MustParseDecimal(in)))
	}
}

func TestAddSubMul_Overflow(t *testing.T) {
	max := new(uint256.Int).SetAllOne()

	_, err := fpmath.Add(max, uint256.NewInt(1))
	assert.ErrorIs(t, err, fpmath.ErrOverflow)

	_, err = fpmath.Sub(uint256.NewInt(1), uint256.NewInt(2))
	assert.ErrorIs(t, err, fpmath.ErrUnderflow)

	_, err = fpmath.Mul(max, uint256.NewInt(2))
	assert.ErrorIs(t, err, fpmath.ErrOverflow)
}

func TestDiv_Rounding(t *testing.T) {
	ten, three := uint256.NewInt(10), uint256.NewInt(3)

	down, err := fpmath.Div(ten, three, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), down.Uint64())

	up, err := fpmath.Div(ten, three, fpmath.RoundUp)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), up.Uint64())

	half, err := fpmath.Div(uint256.NewInt(5), uint256.NewInt(2), fpmath.RoundHalfUp)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), half.Uint64())

	_, err = fpmath.Div(ten, fpmath.Zero(), fpmath.RoundDown)
	assert.True(t, errors.Is(err, fpmath.ErrDivisionByZero))
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// (2^200 * 2^100) / 2^100 overflows 256 bits in the product only.
	x := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	y := new(uint256.Int).Lsh(uint256.NewInt(1), 100)

	got, err := fpmath.MulDiv(x, y, y, fpmath.RoundDown)
	require.NoError(t, err)
	assert.True(t, got.Eq(x))
}

func TestDivWithCarry_RemainderStaysBelowDenominator(t *testing.T) {
	for _, denomStr := range []string{"7", "0.000000000000000007"} {
		t.Run(denomStr, func(t *testing.T) {
			denom := fpmath.MustParseDecimal(denomStr)
			amount := fpmath.MustParseDecimal("1")
			carry := fpmath.Zero()
			perUnitSum := fpmath.Zero()

			for i := 0; i < 1000; i++ {
				perUnit, next, err := fpmath.DivWithCarry(amount, carry, denom)
				require.NoError(t, err)
				require.True(t, next.Lt(denom))
				carry = next
				perUnitSum.Add(perUnitSum, perUnit)
			}

			// 1000*1e18 - sum(perUnit)*denom is exactly the final carry.
			scaled := new(uint256.Int).Mul(fpmath.MustParseDecimal("1000"), fpmath.Unit())
			claimed := new(uint256.Int).Mul(perUnitSum, denom)
			assert.True(t, new(uint256.Int).Sub(scaled, claimed).Eq(carry))

			share, err := fpmath.MulDiv(perUnitSum, denom, fpmath.Unit(), fpmath.RoundDown)
			require.NoError(t, err)
			bound, err := fpmath.Div(denom, fpmath.Unit(), fpmath.RoundUp)
			require.NoError(t, err)
			gap := new(uint256.Int).Sub(fpmath.MustParseDecimal("1000"), share)
			assert.False(t, gap.Gt(bound), "gap %s bound %s", gap.Dec(), bound.Dec())
		})
	}
}

func TestDecPow(t *testing.T) {
	half := fpmath.MustParseDecimal("0.5")

	got, err := fpmath.DecPow(half, 0)
	require.NoError(t, err)
	assert.True(t, got.Eq(fpmath.Unit()))

	got, err = fpmath.DecPow(half, 3)
	require.NoError(t, err)
	assert.Equal(t, "0.125", fpmath.FormatDecimal(got))

	got, err = fpmath.DecPow(fpmath.Unit(), fpmath.MaxPowMinutes+10)
	require.NoError(t, err)
	assert.True(t, got.Eq(fpmath.Unit()))
}

func TestMin(t *testing.T) {
	a, b := uint256.NewInt(3), uint256.NewInt(9)
	assert.Equal(t, uint64(3), fpmath.Min(a, b).Uint64())
	assert.Equal(t, uint64(3), fpmath.Min(b, a).Uint64())
}
