package dispute

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is an amount in the currency's minor unit (kuruş, cents, ...).
type Money struct {
	Currency string
	Minor    int64
}

var currencyExponent = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
}

// Exponent returns the number of minor-unit digits for the currency.
func (m Money) Exponent() int32 {
	if exp, ok := currencyExponent[m.Currency]; ok {
		return exp
	}
	return 2
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Minor, -m.Exponent())
}

func (m Money) String() string {
	return m.Decimal().StringFixed(m.Exponent()) + " " + m.Currency
}

// Validate checks the currency is an ISO-4217 style code and the amount is positive.
func (m Money) Validate() error {
	if len(m.Currency) != 3 {
		return fmt.Errorf("%w: currency %q", ErrInvalidInput, m.Currency)
	}
	for _, r := range m.Currency {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("%w: currency %q", ErrInvalidInput, m.Currency)
		}
	}
	if m.Minor <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return nil
}
