package lifecycle

import "doctrack/api/internal/util"

const (
	FileKeyPrefix = "BULSU-"
	// FileKeyAlphabet omits I, O, 0 and 1 so keys survive being read aloud.
	FileKeyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	fileKeyLength   = 10
	maxKeyAttempts  = 5
)

// NewFileKey returns a random, human-shareable document key.
func NewFileKey() (string, error) {
	suffix, err := util.RandomString(FileKeyAlphabet, fileKeyLength)
	if err != nil {
		return "", err
	}
	return FileKeyPrefix + suffix, nil
}
