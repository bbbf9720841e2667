package ledger

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Config carries the numeric limits of the amount columns.
type Config struct {
	MaxDigits     int32
	DecimalPlaces int32
}

func DefaultConfig() Config {
	return Config{MaxDigits: 40, DecimalPlaces: 18}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxDigits <= 0 {
		c.MaxDigits = def.MaxDigits
	}
	if c.DecimalPlaces < 0 || c.DecimalPlaces > c.MaxDigits {
		c.DecimalPlaces = def.DecimalPlaces
	}
	return c
}

// CheckAmount rejects amounts the storage columns cannot represent exactly.
func (c Config) CheckAmount(field string, amount decimal.Decimal) error {
	c = c.normalized()
	if !amount.Equal(amount.Truncate(c.DecimalPlaces)) {
		return invariant("%s has more than %d decimal places", field, c.DecimalPlaces)
	}
	integer := strings.TrimPrefix(amount.Truncate(0).String(), "-")
	digits := int32(len(integer))
	if integer == "0" {
		digits = 0
	}
	if digits > c.MaxDigits-c.DecimalPlaces {
		return invariant("%s exceeds %d integer digits", field, c.MaxDigits-c.DecimalPlaces)
	}
	return nil
}
