// Package phone normalizes dialable numbers to E.164.
package phone

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is used for numbers written without a country code.
const DefaultRegion = "US"

// ErrInvalid is returned for input that cannot be dialed.
var ErrInvalid = errors.New("phone: not a dialable number")

// Normalize formats input as E.164. Already-normalized input is returned unchanged.
func Normalize(input string) (string, error) {
	return NormalizeIn(input, DefaultRegion)
}

// NormalizeIn is Normalize with an explicit default region.
func NormalizeIn(input, region string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", ErrInvalid
	}

	number, err := phonenumbers.Parse(trimmed, region)
	if err != nil {
		return "", ErrInvalid
	}
	if !phonenumbers.IsPossibleNumber(number) {
		return "", ErrInvalid
	}
	return phonenumbers.Format(number, phonenumbers.E164), nil
}

// Valid reports whether input normalizes.
func Valid(input string) bool {
	_, err := Normalize(input)
	return err == nil
}
