package sessionid

import (
	"math/rand"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultLength is the session id length both peers assume.
const DefaultLength = 5

// Derive maps a file name to a fixed-length id over A-Z0-9. Same name, same
// id: that is what lets a sender resume a stored chunk set by name alone.
// A 32-bit multiplicative hash is plenty here; this is an identifier, not a
// secret.
func Derive(fileName string, length int) string {
	if length < 1 {
		length = DefaultLength
	}
	var h uint32 = 2166136261
	for i := 0; i < len(fileName); i++ {
		h = h*31 + uint32(fileName[i])
	}

	out := make([]byte, 0, length)
	for len(out) < length {
		if h == 0 {
			break
		}
		out = append(out, alphabet[h%36])
		h /= 36
	}
	// Right-pad when the hash runs out of digits before the requested length.
	for len(out) < length {
		out = append(out, 'A')
	}
	return string(out)
}

// InitialSeq picks the starting local sequence number. Randomizing it keeps
// re-runs of the same session from colliding on stale frames.
func InitialSeq() uint32 {
	return uint32(rand.Intn(1000))
}
