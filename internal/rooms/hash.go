// Package rooms is the group-room directory: share hashes, room metadata
// and the occupancy probe that decides whether a room can take one more
// participant. Capacity is always enforced from live presence, never from
// what the directory stores.
package rooms

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

const (
	// HashLength is the number of characters in a share hash.
	HashLength = 6

	// DefaultMaxUsers is the capacity of rooms created without one and of
	// placeholders for unknown hashes.
	DefaultMaxUsers = 10

	// MaxUsersLimit caps the capacity a creator may ask for.
	MaxUsersLimit = 50

	// ChannelPrefix prefixes the bus channel of every group room.
	ChannelPrefix = "group-"

	hashAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ErrInvalidHash is returned for a malformed share hash, before any I/O.
var ErrInvalidHash = errors.New("rooms: invalid room hash")

// GenerateHash returns a random share hash.
func GenerateHash() string {
	var b strings.Builder
	b.Grow(HashLength)
	max := big.NewInt(int64(len(hashAlphabet)))
	for i := 0; i < HashLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("rooms: crypto/rand failed: " + err.Error())
		}
		b.WriteByte(hashAlphabet[n.Int64()])
	}
	return b.String()
}

// NormalizeHash uppercases and trims a user-supplied hash.
func NormalizeHash(hash string) string {
	return strings.ToUpper(strings.TrimSpace(hash))
}

// IsValidHash reports whether hash is six characters from A-Z and 0-9
// after normalization, so "ab12cd" is valid and "AB12" is not.
func IsValidHash(hash string) bool {
	h := NormalizeHash(hash)
	if len(h) != HashLength {
		return false
	}
	for i := 0; i < len(h); i++ {
		if !strings.ContainsRune(hashAlphabet, rune(h[i])) {
			return false
		}
	}
	return true
}

// RoomID returns the session id, and bus channel name, of the room with
// the given hash.
func RoomID(hash string) string {
	return ChannelPrefix + strings.ToLower(NormalizeHash(hash))
}
