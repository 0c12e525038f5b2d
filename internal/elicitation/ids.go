package elicitation

import (
	"crypto/rand"
	"fmt"
)

const (
	idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idLength   = 8

	sessionIDPrefix  = "s_"
	questionIDPrefix = "q_"
)

// newToken returns prefix plus idLength random alphanumerics. Uniqueness
// within a run is enforced by the caller against its live index.
func newToken(prefix string) string {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in a bad place anyway.
		panic(fmt.Sprintf("id generation: %v", err))
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return prefix + string(buf)
}
