package matching

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// sessionSuffixLen is the number of random base36 characters in a session id.
const sessionSuffixLen = 9

// NewSessionID returns a session identifier of the form
// chat-<unix ms>-<9 random base36 chars>. It doubles as the name of the
// session channel.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("chat-%d-%s", now.UnixMilli(), randomBase36(sessionSuffixLen))
}

func randomBase36(n int) string {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(base36)))
	for i := range buf {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms.
			panic(fmt.Sprintf("matching: read random: %v", err))
		}
		buf[i] = base36[v.Int64()]
	}
	return string(buf)
}
