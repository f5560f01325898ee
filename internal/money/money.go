// Package money provides the fixed-point amount and rate types used for
// prices, escrow balances and commission splits.
//
// Amounts are held as an int64 count of centavos (1 BRL = 100 units), so
// every split is exact and rounding is an explicit decision at the call site.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Decimals is the number of fractional digits of the currency.
const Decimals = 2

const unitsPerWhole = 100

var (
	ErrInvalidAmount = errors.New("money: invalid amount")
	ErrNegative      = errors.New("money: amount must not be negative")
	ErrPrecision     = errors.New("money: more than two decimal places")
	ErrOverflow      = errors.New("money: amount out of range")
	ErrInvalidRate   = errors.New("money: rate must be between 0 and 10000 basis points")
)

// Amount is a non-negative quantity of the currency in its minimal unit.
type Amount int64

// FromUnits builds an Amount from a centavo count.
func FromUnits(units int64) Amount { return Amount(units) }

// FromWhole builds an Amount from whole currency units (reais).
func FromWhole(whole int64) Amount { return Amount(whole * unitsPerWhole) }

// Parse converts a decimal string ("10000", "10000.5", "10000.50") to an
// Amount. Negative values, exponents and sub-centavo precision are rejected
// rather than truncated.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegative
	}
	s = strings.TrimPrefix(s, "+")

	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if !allDigits(whole) || (hasDot && !allDigits(frac)) {
		return 0, ErrInvalidAmount
	}
	if len(frac) > Decimals {
		// Trailing zeros beyond the currency precision carry no value.
		if strings.TrimRight(frac[Decimals:], "0") != "" {
			return 0, ErrPrecision
		}
		frac = frac[:Decimals]
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	units, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, ErrOverflow
	}
	return Amount(units), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("money.MustParse(%q): %v", s, err))
	}
	return a
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Units returns the centavo count.
func (a Amount) Units() int64 { return int64(a) }

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a == 0 }

// IsPositive reports whether the amount is greater than zero.
func (a Amount) IsPositive() bool { return a > 0 }

// Add returns a+b.
func (a Amount) Add(b Amount) Amount { return a + b }

// Sub returns a-b. Callers check ordering first; Amount never goes negative
// in a settlement.
func (a Amount) Sub(b Amount) Amount { return a - b }

// String formats the amount with exactly two decimals ("10000.00").
func (a Amount) String() string {
	units := int64(a)
	sign := ""
	if units < 0 {
		sign = "-"
		units = -units
	}
	return fmt.Sprintf("%s%d.%02d", sign, units/unitsPerWhole, units%unitsPerWhole)
}

// MulRateFloor returns floor(a * r), i.e. the share of a at rate r rounded
// down to the minimal unit.
func (a Amount) MulRateFloor(r Rate) Amount {
	n := new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(int64(r)))
	n.Quo(n, big.NewInt(BasisPoints))
	return Amount(n.Int64())
}

// Split divides a at rate r into (share, remainder) where share is rounded
// down and share+remainder == a exactly.
func (a Amount) Split(r Rate) (share, remainder Amount) {
	share = a.MulRateFloor(r)
	return share, a - share
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a decimal string or a JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value stores the amount as a NUMERIC literal.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan reads a NUMERIC column.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = 0
		return nil
	case int64:
		*a = FromWhole(v)
		return nil
	case []byte:
		return a.scanString(string(v))
	case string:
		return a.scanString(v)
	default:
		return fmt.Errorf("money: cannot scan %T into Amount", src)
	}
}

func (a *Amount) scanString(s string) error {
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// BasisPoints is the denominator of Rate.
const BasisPoints = 10000

// Rate is a proportion in basis points (800 = 8%).
type Rate int64

// ParseRate validates a basis-point value.
func ParseRate(bps int64) (Rate, error) {
	if bps < 0 || bps > BasisPoints {
		return 0, ErrInvalidRate
	}
	return Rate(bps), nil
}

// Percent builds a Rate from a whole percentage.
func Percent(p int64) Rate { return Rate(p * 100) }

// Complement returns 100% - r.
func (r Rate) Complement() Rate { return BasisPoints - r }

// String formats the rate as a percentage ("8.00%").
func (r Rate) String() string {
	return fmt.Sprintf("%d.%02d%%", int64(r)/100, int64(r)%100)
}
