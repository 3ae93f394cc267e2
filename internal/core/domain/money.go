package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// moneyScale is the number of fractional digits carried by every stored amount.
const moneyScale = 4

// ErrCurrencyMismatch is returned by binary Money operations whose operands
// carry different currencies.
var ErrCurrencyMismatch = fmt.Errorf("currency mismatch")

// Money is a fixed-precision amount paired with an ISO-4217 currency code.
// All arithmetic is exact decimal arithmetic; binary floating point is never
// involved.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoneyFromString parses a decimal string such as "100.00" into Money.
func NewMoneyFromString(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return Money{Amount: d, Currency: currency}, nil
}

// NewMoneyFromMinorUnits builds Money from an integer count of 1/10000 units.
func NewMoneyFromMinorUnits(units int64, currency string) Money {
	return Money{Amount: decimal.New(units, -moneyScale), Currency: currency}
}

// NewMoney wraps an existing decimal with a currency.
func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: currency}
}

// ZeroMoney returns a zero amount in the given currency.
func ZeroMoney(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// Add returns m + other. Fails with ErrCurrencyMismatch on differing currencies.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Sub returns m - other. Fails with ErrCurrencyMismatch on differing currencies.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// MulScalar returns m scaled by an integer factor.
func (m Money) MulScalar(factor int64) Money {
	return Money{Amount: m.Amount.Mul(decimal.NewFromInt(factor)), Currency: m.Currency}
}

// Cmp compares two amounts: -1 if m < other, 0 if equal, +1 if m > other.
func (m Money) Cmp(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return m.Amount.Cmp(other.Amount), nil
}

// Equal reports whether both amount and currency match.
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

// StorageString renders the amount for persistence and API responses:
// half-up rounded to exactly four fractional digits, e.g. "100.0000".
func (m Money) StorageString() string {
	return m.Amount.Round(moneyScale).StringFixed(moneyScale)
}

// FormatAmount renders a bare decimal with the canonical four-digit scale.
// Rounding is half-up.
func FormatAmount(d decimal.Decimal) string {
	return d.Round(moneyScale).StringFixed(moneyScale)
}

// CheckAmountPrecision rejects amounts carrying more than four fractional
// digits. Callers validate before any rounding can silently change the value.
func CheckAmountPrecision(d decimal.Decimal) error {
	if d.Exponent() < -moneyScale {
		truncated := d.Truncate(moneyScale)
		if !truncated.Equal(d) {
			return fmt.Errorf("amount %s has more than %d decimal places", d.String(), moneyScale)
		}
	}
	return nil
}
