package auction

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency amounts carry at most two decimal places.
const moneyPrecision int32 = 2

// DefaultMinimumBidIncrement applies when an item is registered without an increment.
var DefaultMinimumBidIncrement = decimal.NewFromInt(5)

// ParseMoney parses a decimal string such as "55" or "55.10".
func ParseMoney(s string) (decimal.Decimal, error) {
	const op = "ParseMoney"
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("[%s] Fail to parse amount %q, err=%w", op, s, err)
	}
	return d, nil
}

// ValidAmount reports whether d is positive and representable in whole cents.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && HasCentPrecision(d)
}

// HasCentPrecision reports whether d has no value below one cent.
// "55.000" passes, "55.001" does not.
func HasCentPrecision(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(moneyPrecision))
}

// FormatMoney renders d the way the bid form displays it.
func FormatMoney(d decimal.Decimal) string {
	return "$" + d.StringFixed(moneyPrecision)
}
