// Package hashchain provides the content-addressed fingerprints used to link
// orchestration results into a verifiable lineage.
//
// Every digest is a lowercase hex SHA-256. Timestamps take part in hashes as
// decimal Unix milliseconds, so a value that survived a JSON or msgpack round
// trip at millisecond precision reproduces the same digest.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Size is the length of a hex digest produced by this package.
const Size = sha256.Size * 2

// Digest returns the hex SHA-256 of payload.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// DigestString is Digest for string payloads.
func DigestString(payload string) string {
	return Digest([]byte(payload))
}

// Seed returns the run seed digest anchoring a lineage: the digest of the
// prompt followed by the run start time.
func Seed(prompt string, startedAt time.Time) string {
	return DigestString(prompt + millis(startedAt))
}

// EnvelopeHash returns the digest of one assembled output at time t.
func EnvelopeHash(output string, t time.Time) string {
	return DigestString(output + millis(t))
}

// Verify reports whether hash is the EnvelopeHash of output at t.
func Verify(output string, t time.Time, hash string) bool {
	return EnvelopeHash(output, t) == hash
}

// Truncate drops sub-millisecond precision from t so that it hashes the same
// way before and after serialization.
func Truncate(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
