package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// RandomString draws n characters uniformly from alphabet using crypto/rand.
func RandomString(alphabet string, n int) (string, error) {
	if alphabet == "" || n <= 0 {
		return "", fmt.Errorf("random string: empty alphabet or length")
	}
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("random string: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}
