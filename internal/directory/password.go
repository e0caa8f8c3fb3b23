package directory

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// defaultPasswordLength is the length of generated initial passwords
const defaultPasswordLength = 16

const (
	lowerChars    = "abcdefghijklmnopqrstuvwxyz"
	upperChars    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars    = "0123456789"
	specialChars  = "!@#$%^&*"
	passwordChars = lowerChars + upperChars + digitChars + specialChars
)

// GeneratePassword returns a random initial password meeting the directory's
// complexity requirements: at least one lower-case letter, one upper-case
// letter and one digit. It is sent only on create, inside the password
// profile, and the user must change it on first sign-in.
func GeneratePassword() (string, error) {
	buf := make([]byte, defaultPasswordLength)
	for i := range buf {
		c, err := randomChar(passwordChars)
		if err != nil {
			return "", err
		}
		buf[i] = c
	}

	// Overwrite the leading positions to guarantee one character from each
	// required category; the rest of the password stays random.
	required := []string{lowerChars, upperChars, digitChars}
	for i, set := range required {
		c, err := randomChar(set)
		if err != nil {
			return "", err
		}
		buf[i] = c
	}

	return string(buf), nil
}

func randomChar(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return set[n.Int64()], nil
}
