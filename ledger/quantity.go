/*
Package ledger provides the balance ledger and request-approval engine.

PURPOSE:
  Tracks per-user energy balances (kWh) split into named buckets, records
  every change in an append-only log, and gates member-declared recharges
  behind an administrator decision. All balance mutations go through one
  Applier so that the balance and its audit entry are always written together.

KEY CONCEPTS IN THIS FILE (quantity.go):
  - Quantity: fixed-point amount with exactly four decimal digits
  - ParseQuantity / ParsePositiveQuantity: user input to Quantity (truncating)
  - Units: the int64 ten-thousandths representation used by storage

PRECISION:
  Truncation to four decimals happens once, at parse time. Add/Sub on two
  Quantities are exact, so a balance can never drift from the sum of its
  ledger entries.

RANGE:
  Parsed quantities and admitted balances stay within ±MaxQuantity. Sums of
  such values fit in int64 with room to spare; CheckedAdd/CheckedSub report
  results that leave the range instead of wrapping.

SEE ALSO:
  - policy.go: admission rules evaluated on Quantities
  - applier.go: the only writer of balances
*/
package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal digits kept by a Quantity.
const Scale = 4

// maxRangeUnits is MaxQuantity in ten-thousandths (1e12 kWh).
const maxRangeUnits int64 = 1e16

var (
	unitsPerWhole = decimal.New(1, Scale)
	maxUnits      = decimal.NewFromInt(maxRangeUnits)
	minUnits      = decimal.NewFromInt(-maxRangeUnits)
)

// MaxQuantity is the largest magnitude a Quantity may take.
var MaxQuantity = Quantity{units: maxRangeUnits}

// =============================================================================
// QUANTITY
// =============================================================================

// Quantity is an amount of energy or currency with four decimal digits.
// The zero value is 0.
type Quantity struct {
	units int64
}

// Zero is the zero Quantity.
var Zero = Quantity{}

// QuantityFromUnits builds a Quantity from ten-thousandths.
func QuantityFromUnits(units int64) Quantity { return Quantity{units: units} }

// MustQuantity parses text or panics. Intended for constants and tests.
func MustQuantity(text string) Quantity {
	q, err := ParseQuantity(text)
	if err != nil {
		panic(err)
	}
	return q
}

// ParseQuantity accepts "." or "," as decimal separator and truncates to four
// decimals. Signed values are allowed.
func ParseQuantity(text string) (Quantity, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return Zero, invalidQuantity(text, "empty")
	}
	s = strings.Replace(s, ",", ".", 1)
	// decimal.NewFromString also accepts exponents; amounts typed by people never need them.
	if strings.ContainsAny(s, "eE") {
		return Zero, invalidQuantity(text, "not a decimal number")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, invalidQuantity(text, "not a decimal number")
	}
	return fromDecimal(d, text)
}

// ParsePositiveQuantity is ParseQuantity restricted to results > 0.
func ParsePositiveQuantity(text string) (Quantity, error) {
	q, err := ParseQuantity(text)
	if err != nil {
		return Zero, err
	}
	if !q.IsPositive() {
		return Zero, invalidQuantity(text, "must be greater than zero")
	}
	return q, nil
}

func fromDecimal(d decimal.Decimal, text string) (Quantity, error) {
	scaled := d.Truncate(Scale).Mul(unitsPerWhole)
	if scaled.GreaterThan(maxUnits) || scaled.LessThan(minUnits) {
		return Zero, invalidQuantity(text, "out of range")
	}
	return Quantity{units: scaled.IntPart()}, nil
}

func invalidQuantity(text, why string) error {
	return fmt.Errorf("%w: %q %s", ErrInvalidQuantity, text, why)
}

// Decimal returns the exact decimal value.
func (q Quantity) Decimal() decimal.Decimal { return decimal.New(q.units, -Scale) }

// Units returns the value in ten-thousandths.
func (q Quantity) Units() int64 { return q.units }

// String renders the value without "+" sign, grouping or trailing zeros.
func (q Quantity) String() string { return q.Decimal().String() }

func (q Quantity) Add(o Quantity) Quantity { return Quantity{units: q.units + o.units} }
func (q Quantity) Sub(o Quantity) Quantity { return Quantity{units: q.units - o.units} }
// CheckedAdd returns q+o, or false when the result leaves ±MaxQuantity.
func (q Quantity) CheckedAdd(o Quantity) (Quantity, bool) {
	sum := q.units + o.units
	if (o.units > 0 && sum < q.units) || (o.units < 0 && sum > q.units) {
		return Zero, false
	}
	if sum > maxRangeUnits || sum < -maxRangeUnits {
		return Zero, false
	}
	return Quantity{units: sum}, true
}

// CheckedSub returns q-o, or false when the result leaves ±MaxQuantity.
func (q Quantity) CheckedSub(o Quantity) (Quantity, bool) {
	if o.units == math.MinInt64 {
		return Zero, false
	}
	return q.CheckedAdd(o.Neg())
}

func (q Quantity) Neg() Quantity { return Quantity{units: -q.units} }
func (q Quantity) Cmp(o Quantity) int { return cmpInt64(q.units, o.units) }
func (q Quantity) Equal(o Quantity) bool { return q.units == o.units }
func (q Quantity) GreaterThan(o Quantity) bool { return q.units > o.units }
func (q Quantity) LessThan(o Quantity) bool { return q.units < o.units }
func (q Quantity) IsZero() bool { return q.units == 0 }
func (q Quantity) IsNegative() bool { return q.units < 0 }
func (q Quantity) IsPositive() bool { return q.units > 0 }

// Abs returns |q|.
func (q Quantity) Abs() Quantity {
	if q.units < 0 {
		return q.Neg()
	}
	return q
}

// MulTruncate multiplies by rate and truncates the product to four decimals.
// Used to turn a currency amount into kWh.
func (q Quantity) MulTruncate(rate Quantity) (Quantity, error) {
	return fromDecimal(q.Decimal().Mul(rate.Decimal()), q.String()+"*"+rate.String())
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// MarshalJSON encodes the quantity as a JSON string to keep every digit.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

// UnmarshalJSON accepts a JSON string or number.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidQuantity, string(data))
		}
		s = n.String()
	}
	parsed, err := ParseQuantity(s)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
