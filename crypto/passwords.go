package crypto

import (
	"crypto/rand"
	"math/big"
	"unicode"
)

const (
	// MinPassphraseLength is the shortest passphrase StrengthCheck accepts.
	MinPassphraseLength = 8
	// DefaultPassphraseLength is used by RandomPassphrase for non-positive lengths.
	DefaultPassphraseLength = 16
	// DefaultCodeLength is used by RandomCode for non-positive lengths.
	DefaultCodeLength = 6

	passphraseAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*()-_=+"
	codeAlphabet       = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Strength is the verdict of StrengthCheck.
type Strength struct {
	Strong bool
	Reason string
}

// StrengthCheck requires MinPassphraseLength characters and at least three
// of the four character classes.
func StrengthCheck(passphrase string) Strength {
	if len([]rune(passphrase)) < MinPassphraseLength {
		return Strength{Reason: "passphrase must be at least 8 characters"}
	}

	var upper, lower, digit, symbol bool
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}

	classes := 0
	for _, present := range []bool{upper, lower, digit, symbol} {
		if present {
			classes++
		}
	}
	if classes < 3 {
		return Strength{Reason: "passphrase needs at least 3 of: uppercase, lowercase, digits, symbols"}
	}

	return Strength{Strong: true, Reason: "passphrase is strong"}
}

// RandomPassphrase returns a random passphrase drawn from mixed case letters,
// digits and symbols.
func RandomPassphrase(length int) (string, error) {
	if length <= 0 {
		length = DefaultPassphraseLength
	}
	return randomString(passphraseAlphabet, length)
}

// RandomCode returns a human-readable verification code of uppercase letters
// and digits.
func RandomCode(length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}
	return randomString(codeAlphabet, length)
}

func randomString(alphabet string, length int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
