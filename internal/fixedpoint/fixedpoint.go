// Package fixedpoint carries integer base-unit amounts together with their
// decimal count. Assets in a vault mix 6-decimal stablecoins, 8-decimal
// option and strike units and 18-decimal ether-like tokens, so every
// conversion between them goes through this type instead of implicit
// integer division.
//
// Values are shopspring/decimal integers (exponent >= 0 after normalising).
// All division rounds toward negative infinity.
package fixedpoint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxDecimals bounds the decimal count accepted by New and ScaleTo.
const MaxDecimals = 36

var (
	// ErrNotInteger is returned when a base-unit value has a fractional part.
	ErrNotInteger = errors.New("fixedpoint: value is not an integer")

	// ErrDecimals is returned for decimal counts outside [0, MaxDecimals].
	ErrDecimals = errors.New("fixedpoint: decimals out of range")

	// ErrDivisionByZero is returned by the checked division helpers.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
)

// FixedPoint is an integer amount of base units with the number of
// decimals that one whole unit is made of.
type FixedPoint struct {
	Value    decimal.Decimal `json:"value"`
	Decimals int32           `json:"decimals"`
}

// New validates and builds a FixedPoint.
func New(value decimal.Decimal, decimals int32) (FixedPoint, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return FixedPoint{}, fmt.Errorf("%w: %d", ErrDecimals, decimals)
	}
	if !IsInteger(value) {
		return FixedPoint{}, fmt.Errorf("%w: %s", ErrNotInteger, value)
	}
	return FixedPoint{Value: value, Decimals: decimals}, nil
}

// MustNew is New for constants and tests.
func MustNew(value decimal.Decimal, decimals int32) FixedPoint {
	f, err := New(value, decimals)
	if err != nil {
		panic(err)
	}
	return f
}

// FromInt builds a FixedPoint from raw base units.
func FromInt(units int64, decimals int32) FixedPoint {
	return MustNew(decimal.NewFromInt(units), decimals)
}

// One is a single whole unit, 10^decimals base units.
func One(decimals int32) FixedPoint {
	return MustNew(Pow10(decimals), decimals)
}

// Parse reads a human amount such as "1.25" into base units. Digits
// beyond the decimal count are truncated toward zero.
func Parse(s string, decimals int32) (FixedPoint, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return FixedPoint{}, fmt.Errorf("fixedpoint: parse %q: %w", s, err)
	}
	return New(d.Shift(decimals).Truncate(0), decimals)
}

// Pow10 returns 10^n as a decimal integer.
func Pow10(n int32) decimal.Decimal {
	return decimal.New(1, n)
}

// IsInteger reports whether d has no fractional part.
func IsInteger(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(0))
}

// FloorDiv returns floor(a / b). It panics on b == 0.
func FloorDiv(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		panic(ErrDivisionByZero)
	}
	q, r := a.QuoRem(b, 0)
	if !r.IsZero() && (r.Sign() < 0) != (b.Sign() < 0) {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q
}

// MulDivDown returns floor(a * b / c). It panics on c == 0.
func MulDivDown(a, b, c decimal.Decimal) decimal.Decimal {
	return FloorDiv(a.Mul(b), c)
}

// CheckedMulDivDown is MulDivDown returning an error on c == 0.
func CheckedMulDivDown(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	if c.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	return MulDivDown(a, b, c), nil
}

// ScaleTo converts to another decimal count, flooring when precision is
// dropped.
func (f FixedPoint) ScaleTo(decimals int32) FixedPoint {
	if decimals < 0 || decimals > MaxDecimals {
		panic(fmt.Errorf("%w: %d", ErrDecimals, decimals))
	}
	switch {
	case decimals == f.Decimals:
		return f
	case decimals > f.Decimals:
		return FixedPoint{Value: f.Value.Mul(Pow10(decimals - f.Decimals)), Decimals: decimals}
	default:
		return FixedPoint{Value: FloorDiv(f.Value, Pow10(f.Decimals-decimals)), Decimals: decimals}
	}
}

// Mul multiplies by g and keeps f's decimals: floor(f * g / 10^g.Decimals).
func (f FixedPoint) Mul(g FixedPoint) FixedPoint {
	return FixedPoint{Value: MulDivDown(f.Value, g.Value, Pow10(g.Decimals)), Decimals: f.Decimals}
}

// Div divides by g and keeps f's decimals: floor(f * 10^g.Decimals / g).
func (f FixedPoint) Div(g FixedPoint) (FixedPoint, error) {
	v, err := CheckedMulDivDown(f.Value, Pow10(g.Decimals), g.Value)
	if err != nil {
		return FixedPoint{}, err
	}
	return FixedPoint{Value: v, Decimals: f.Decimals}, nil
}

// Add adds g after scaling it to f's decimals.
func (f FixedPoint) Add(g FixedPoint) FixedPoint {
	return FixedPoint{Value: f.Value.Add(g.ScaleTo(f.Decimals).Value), Decimals: f.Decimals}
}

// Sub subtracts g after scaling it to f's decimals.
func (f FixedPoint) Sub(g FixedPoint) FixedPoint {
	return FixedPoint{Value: f.Value.Sub(g.ScaleTo(f.Decimals).Value), Decimals: f.Decimals}
}

// Cmp compares the represented quantities, independent of decimals.
func (f FixedPoint) Cmp(g FixedPoint) int {
	return f.Value.Shift(-f.Decimals).Cmp(g.Value.Shift(-g.Decimals))
}

func (f FixedPoint) IsZero() bool     { return f.Value.IsZero() }
func (f FixedPoint) IsPositive() bool { return f.Value.IsPositive() }
func (f FixedPoint) IsNegative() bool { return f.Value.IsNegative() }

// Human returns the amount in whole units.
func (f FixedPoint) Human() decimal.Decimal {
	return f.Value.Shift(-f.Decimals)
}

func (f FixedPoint) String() string {
	return f.Human().StringFixed(f.Decimals)
}
