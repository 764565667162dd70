package keys

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	// KeyPrefix starts every generated license key
	KeyPrefix = "FLUX"
	// KeyGroups is the number of random blocks after the prefix
	KeyGroups = 5
	// KeyGroupLength is the number of symbols per block (5x5 symbols of base 36 is ~129 bits)
	KeyGroupLength = 5

	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var alphabetSize = big.NewInt(int64(len(keyAlphabet)))

// GenerateKeyValue returns a new random key such as FLUX-7QX2M-0C9LA-PP3ZD-K8W1N-4TRBE.
func GenerateKeyValue() (string, error) {
	var b strings.Builder
	b.Grow(len(KeyPrefix) + KeyGroups*(KeyGroupLength+1))
	b.WriteString(KeyPrefix)

	for g := 0; g < KeyGroups; g++ {
		b.WriteByte('-')
		for i := 0; i < KeyGroupLength; i++ {
			n, err := rand.Int(rand.Reader, alphabetSize)
			if err != nil {
				return "", err
			}
			b.WriteByte(keyAlphabet[n.Int64()])
		}
	}
	return b.String(), nil
}

// NormalizeKeyValue canonicalizes a key value presented by a client: surrounding
// whitespace and quotes are dropped and letters are upper-cased.
func NormalizeKeyValue(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			value = strings.TrimSpace(value[1 : len(value)-1])
		}
	}
	return strings.ToUpper(value)
}
