package util

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"
)

// ErrInvalidFileName is returned for names that cannot be stored safely.
var ErrInvalidFileName = errors.New("invalid file name")

// ActorKey returns a stable, path-safe key for an actor ref. Only the first
// 16 bytes of the digest are kept.
func ActorKey(actorRef string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(actorRef)))
	return hex.EncodeToString(sum[:16])
}

// SafeFileName flattens separators, drops control characters and rejects
// traversal or empty names.
func SafeFileName(name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", ErrInvalidFileName
	}
	s := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	if s == "" {
		return "", ErrInvalidFileName
	}
	return s, nil
}
