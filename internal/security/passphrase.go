package security

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Passphrase length bounds and uniqueness floor.
const (
	MinPassphraseLength = 128
	MaxPassphraseLength = 156
	MinUniqueChars      = 10
)

// Ambiguous glyphs (I, l) are left out.
var charClasses = []string{
	"ABCDEFGHJKLMNOPQRSTUVWXYZ",
	"abcdefghijkmnopqrstuvwxyz",
	"0123456789",
	"!@$?_-",
}

// GeneratePassphrase returns a random passphrase of 128 to 156 characters
// with at least one character of every class and at least 10 distinct
// characters.
func GeneratePassphrase() (string, error) {
	length, err := randInt(MaxPassphraseLength - MinPassphraseLength + 1)
	if err != nil {
		return "", err
	}
	length += MinPassphraseLength

	chars := make([]byte, 0, length)
	for _, class := range charClasses {
		c, err := randChar(class)
		if err != nil {
			return "", err
		}
		if chars, err = insertRandom(chars, c); err != nil {
			return "", err
		}
	}

	for len(chars) < length || uniqueCount(chars) < MinUniqueChars {
		ci, err := randInt(len(charClasses))
		if err != nil {
			return "", err
		}
		c, err := randChar(charClasses[ci])
		if err != nil {
			return "", err
		}
		if chars, err = insertRandom(chars, c); err != nil {
			return "", err
		}
	}
	return string(chars), nil
}

func insertRandom(chars []byte, c byte) ([]byte, error) {
	pos, err := randInt(len(chars) + 1)
	if err != nil {
		return nil, err
	}
	chars = append(chars, 0)
	copy(chars[pos+1:], chars[pos:])
	chars[pos] = c
	return chars, nil
}

func randChar(class string) (byte, error) {
	i, err := randInt(len(class))
	if err != nil {
		return 0, err
	}
	return class[i], nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("failed to read random: %w", err)
	}
	return int(v.Int64()), nil
}

func uniqueCount(chars []byte) int {
	var seen [256]bool
	n := 0
	for _, c := range chars {
		if !seen[c] {
			seen[c] = true
			n++
		}
	}
	return n
}
