// Package idgen generates CUID-shaped client identifiers and per-attempt
// idempotency keys. A CUID encodes a timestamp+counter+random triple in
// base36, so ids sort roughly by creation time while staying collision
// resistant across devices.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

var counter uint64

// encodeBase36 converts data to a base36 string padded/truncated to length.
func encodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}
	for i, j := 0, len(chars)-1; i < j; i, j = i+1, j-1 {
		chars[i], chars[j] = chars[j], chars[i]
	}
	str := string(chars)
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}

// NewCUID generates a client-side identifier shaped like a CUID: a "c"
// prefix, a base36 millisecond timestamp, a monotonic per-process
// counter, and random bytes for cross-process uniqueness.
func NewCUID() string {
	now := time.Now().UTC().UnixMilli()
	ts := encodeBase36(big.NewInt(now).Bytes(), 8)

	seq := atomic.AddUint64(&counter, 1)
	seqPart := encodeBase36(big.NewInt(int64(seq)).Bytes(), 4)

	randBytes := make([]byte, 8)
	_, _ = rand.Read(randBytes)
	randPart := encodeBase36(randBytes, 8)

	return fmt.Sprintf("c%s%s%s", ts, seqPart, randPart)
}

// NewIdempotencyKey generates a per-attempt unique token. A UUIDv4 is sufficient here since these keys never
// need to be sortable or content-derived, only unique.
func NewIdempotencyKey() string {
	return uuid.NewString()
}
