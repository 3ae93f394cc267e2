package domain

import "strings"

// supportedCurrencies is the allow-list of active ISO-4217 codes the service
// accepts. Amounts are stored with four fractional digits regardless of the
// currency's native minor unit.
var supportedCurrencies = map[string]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "JPY": {}, "AUD": {}, "CAD": {},
	"CHF": {}, "CNY": {}, "SEK": {}, "NOK": {}, "DKK": {}, "NZD": {},
	"SGD": {}, "HKD": {}, "KRW": {}, "INR": {}, "BRL": {}, "MXN": {},
	"ZAR": {}, "TRY": {}, "PLN": {}, "CZK": {}, "HUF": {}, "RON": {},
	"ILS": {}, "AED": {}, "SAR": {}, "THB": {}, "MYR": {}, "IDR": {},
	"PHP": {}, "VND": {},
}

// IsSupportedCurrency reports whether code is a three-letter code on the
// allow-list. The check is case-sensitive; callers normalize first.
func IsSupportedCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	_, ok := supportedCurrencies[code]
	return ok
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
