package chat

import (
	"crypto/rand"
	"strconv"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewMessageID returns "prefix-<base36 ms timestamp>-<4 random base36 chars>".
// Uniqueness is probabilistic; consumers use the sequence number, not the id,
// for ordering.
func NewMessageID(prefix string) string {
	return prefix + "-" + strconv.FormatInt(NowMillis(), 36) + "-" + randomBase36(4)
}

func randomBase36(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	for i, b := range buf {
		buf[i] = base36Alphabet[int(b)%len(base36Alphabet)]
	}
	return string(buf)
}
