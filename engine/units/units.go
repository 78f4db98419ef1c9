// Package units converts between base-unit big integers and human decimal
// strings. Toncoin carries 9 decimals, jettons declare their own.
package units

import (
	"fmt"
	"math/big"
	"strings"
)

const TonDecimals = 9

// Abs returns |x| as a fresh value.
func Abs(x *big.Int) *big.Int {
	return new(big.Int).Abs(x)
}

// FromString parses a decimal integer string. Empty input parses to zero,
// matching how toncenter omits zero-valued fields.
func FromString(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer string: %q", s)
	}
	return v, nil
}

// MustFromString is FromString for trusted inputs (tests, constants).
func MustFromString(s string) *big.Int {
	v, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ToDecimal renders a base-unit amount as a decimal string, trimming
// trailing zeros.
func ToDecimal(x *big.Int, decimals int) string {
	if x == nil {
		return "0"
	}
	neg := x.Sign() < 0
	abs := new(big.Int).Abs(x).String()
	if len(abs) <= decimals {
		abs = strings.Repeat("0", decimals-len(abs)+1) + abs
	}
	whole := abs[:len(abs)-decimals]
	frac := strings.TrimRight(abs[len(abs)-decimals:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}

// FromDecimal parses a decimal string into base units.
func FromDecimal(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > decimals {
		return nil, fmt.Errorf("too many decimal places in %q (max %d)", s, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))
	if whole == "" {
		whole = "0"
	}
	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal string: %q", s)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

// MulFloat multiplies a base-unit amount by a float factor without going
// through float64 precision loss on the amount itself. Used for fee safety
// margins.
func MulFloat(x *big.Int, factor float64) *big.Int {
	f := new(big.Float).SetInt(x)
	f.Mul(f, big.NewFloat(factor))
	out, _ := f.Int(nil)
	return out
}
