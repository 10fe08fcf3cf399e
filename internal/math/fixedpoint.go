// Package math holds the 1e18 fixed-point arithmetic shared by the
// redistribution accumulator, the stability ledger and community issuance.
// Every operation is overflow-checked; callers treat ErrOverflow and
// ErrUnderflow as fatal to the enclosing transition.
package math

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

const (
	// DecimalPrecision is the fixed-point unit (1.0).
	DecimalPrecision uint64 = 1_000_000_000_000_000_000
	// ScaleFactor rescales P when it would fall below the precision floor.
	ScaleFactor uint64 = 1_000_000_000
	// Decimals is the number of fractional digits in the wire format.
	Decimals = 18
)

var (
	ErrOverflow           = errors.New("fixedpoint: overflow")
	ErrUnderflow          = errors.New("fixedpoint: underflow")
	ErrDivisionByZero     = errors.New("fixedpoint: division by zero")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrInvalidDecimal     = errors.New("fixedpoint: invalid decimal")
)

// RoundingMode selects how a quotient remainder is resolved.
type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
	RoundHalfUp
)

// Unit returns a fresh 1e18.
func Unit() *uint256.Int {
	return uint256.NewInt(DecimalPrecision)
}

// Scale returns a fresh SCALE_FACTOR.
func Scale() *uint256.Int {
	return uint256.NewInt(ScaleFactor)
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("%w: %s + %s", ErrOverflow, x.Dec(), y.Dec())
	}
	return z, nil
}

func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	if x.Lt(y) {
		return nil, fmt.Errorf("%w: %s - %s", ErrUnderflow, x.Dec(), y.Dec())
	}
	return new(uint256.Int).Sub(x, y), nil
}

func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s", ErrOverflow, x.Dec(), y.Dec())
	}
	return z, nil
}

// Div divides with the requested rounding.
func Div(x, y *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if y.IsZero() {
		return nil, ErrDivisionByZero
	}
	q, r := new(uint256.Int).DivMod(x, y, new(uint256.Int))
	return round(q, r, y, mode)
}

// MulDiv computes x*y/d with a 512-bit intermediate, so only the final
// quotient has to fit.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	q, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s / %s", ErrOverflow, x.Dec(), y.Dec(), d.Dec())
	}
	if mode == RoundDown {
		return q, nil
	}
	// remainder = x*y mod d
	r := new(uint256.Int).MulMod(x, y, d)
	return round(q, r, d, mode)
}

func round(q, r, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if r.IsZero() {
		return q, nil
	}
	switch mode {
	case RoundUp:
		return Add(q, uint256.NewInt(1))
	case RoundHalfUp:
		// r*2 >= d, computed as r >= d - r to stay in range
		if !r.Lt(new(uint256.Int).Sub(d, r)) {
			return Add(q, uint256.NewInt(1))
		}
	}
	return q, nil
}

// DivWithCarry distributes amount over denom at 1e18 precision, adding the
// remainder carried from the previous call into the numerator:
//
//	numerator = amount*1e18 + carry
//	perUnit   = numerator / denom
//	carry'    = numerator - perUnit*denom
//
// The carry is always < denom, so summed over any number of calls
// sum(amount)*1e18 - sum(perUnit)*denom < denom. In base units of amount the
// undistributed remainder is at most ceil(denom/1e18).
func DivWithCarry(amount, carry, denom *uint256.Int) (perUnit, nextCarry *uint256.Int, err error) {
	if denom.IsZero() {
		return nil, nil, ErrDivisionByZero
	}
	scaled, err := Mul(amount, Unit())
	if err != nil {
		return nil, nil, err
	}
	numerator, err := Add(scaled, carry)
	if err != nil {
		return nil, nil, err
	}
	perUnit, nextCarry = new(uint256.Int).DivMod(numerator, denom, new(uint256.Int))
	return perUnit, nextCarry, nil
}

// DecMul multiplies two 1e18 values, rounding half up.
func DecMul(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, y, Unit(), RoundHalfUp)
}

// MaxPowMinutes caps the DecPow exponent (1000 years of minutes).
const MaxPowMinutes uint64 = 525_600_000

// DecPow raises a 1e18 base to an integer power by repeated squaring.
// The exponent is capped at MaxPowMinutes.
func DecPow(base *uint256.Int, n uint64) (*uint256.Int, error) {
	if n > MaxPowMinutes {
		n = MaxPowMinutes
	}
	if n == 0 {
		return Unit(), nil
	}

	y := Unit()
	x := base.Clone()
	var err error
	for n > 1 {
		if n%2 == 0 {
			if x, err = DecMul(x, x); err != nil {
				return nil, err
			}
			n /= 2
			continue
		}
		if y, err = DecMul(x, y); err != nil {
			return nil, err
		}
		if x, err = DecMul(x, x); err != nil {
			return nil, err
		}
		n = (n - 1) / 2
	}
	return DecMul(x, y)
}

// Min returns a copy of the smaller value.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return x.Clone()
	}
	return y.Clone()
}

// ParseDecimal converts a human decimal string ("1000", "0.25") into its
// 1e18 fixed-point representation. At most 18 fractional digits are allowed.
func ParseDecimal(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDecimal)
	}

	whole, frac, hasPoint := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasPoint && frac == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidDecimal, s, Decimals)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}

	digits := strings.TrimLeft(whole+frac+strings.Repeat("0", Decimals-len(frac)), "0")
	if digits == "" {
		return Zero(), nil
	}
	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidDecimal, s, err)
	}
	return v, nil
}

// MustParseDecimal is ParseDecimal for constants and tests.
func MustParseDecimal(s string) *uint256.Int {
	v, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatDecimal renders a 1e18 fixed-point value as a human decimal string
// with trailing fractional zeros removed.
func FormatDecimal(v *uint256.Int) string {
	digits := v.Dec()
	if len(digits) <= Decimals {
		digits = strings.Repeat("0", Decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-Decimals]
	frac := strings.TrimRight(digits[len(digits)-Decimals:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
