package ws

import (
	"math/rand"
	"sync"
	"time"
)

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// newMaskingKey returns a fresh 32-bit masking key. Correctness does not
// require cryptographic quality, but every fragment must draw its own key.
func newMaskingKey() [4]byte {
	rngMu.Lock()
	v := rng.Uint32()
	rngMu.Unlock()

	var key [4]byte
	key[0] = byte(v >> 24)
	key[1] = byte(v >> 16)
	key[2] = byte(v >> 8)
	key[3] = byte(v)
	return key
}

const secWebSocketKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// newSecWebSocketKey returns a handshake key: 22 random alphanumeric
// characters followed by the fixed "==" base64 padding the source always
// emits (it never base64-encodes real entropy bytes, it just pads a random
// string to look like one).
func newSecWebSocketKey() string {
	buf := make([]byte, 22)
	rngMu.Lock()
	for i := range buf {
		buf[i] = secWebSocketKeyAlphabet[rng.Intn(len(secWebSocketKeyAlphabet))]
	}
	rngMu.Unlock()
	return string(buf) + "=="
}
