/**
 * @description
 * Amount handling for the disbursement-service. The payment ledger operates on
 * integer amounts scaled to 7 fractional digits (stroops), while the API and
 * review tooling exchange human-readable decimal strings. All conversions go
 * through shopspring/decimal so that no precision is invented or lost on the
 * way to the ledger's native integer representation.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Exact decimal arithmetic.
 */

package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits supported by the ledger.
// One whole unit equals 10^AmountScale stroops.
const AmountScale = 7

var stroopsPerUnit = decimal.New(1, AmountScale)

// ParseAmount converts a decimal string (e.g. "500.0000000") into stroops.
// The value must be positive and must not carry more than AmountScale
// fractional digits; amounts the ledger cannot represent are rejected rather
// than rounded.
func ParseAmount(value string) (int64, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, &ValidationError{Field: "amount", Reason: "not a valid decimal number"}
	}
	return AmountFromDecimal(d)
}

// AmountFromDecimal converts an exact decimal amount into stroops.
func AmountFromDecimal(d decimal.Decimal) (int64, error) {
	if d.Sign() <= 0 {
		return 0, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if d.Exponent() < -AmountScale {
		scaled := d.Truncate(AmountScale)
		if !scaled.Equal(d) {
			return 0, &ValidationError{Field: "amount", Reason: "more than 7 fractional digits"}
		}
		d = scaled
	}
	stroops := d.Mul(stroopsPerUnit)
	if !stroops.IsInteger() {
		return 0, &ValidationError{Field: "amount", Reason: "more than 7 fractional digits"}
	}
	if stroops.Cmp(decimal.NewFromInt(math.MaxInt64)) > 0 {
		return 0, &ValidationError{Field: "amount", Reason: "exceeds maximum representable amount"}
	}
	return stroops.IntPart(), nil
}

// AmountToDecimal converts stroops back into an exact decimal amount.
func AmountToDecimal(stroops int64) decimal.Decimal {
	return decimal.NewFromInt(stroops).Div(stroopsPerUnit)
}

// FormatAmount renders stroops as a decimal string with the full ledger
// scale, e.g. 5000000000 -> "500.0000000".
func FormatAmount(stroops int64) string {
	return AmountToDecimal(stroops).StringFixed(AmountScale)
}
