// Package robustid generates and encodes the logical connection ID shared
// by every physical WebSocket that belongs to one robust connection.
package robustid

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// Length is the number of characters in a generated ID.
const Length = 18

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// New returns a fresh, random 18-character [0-9A-Za-z] identifier.
//
// Entropy comes from a v4 UUID (16 random bytes courtesy of crypto/rand
// under the hood) rather than from math/rand directly — uuid.New never
// returns an error, which keeps this function's signature simple. The raw
// UUID string isn't used as-is: its canonical form is 36 characters with
// hyphens and a restricted hex alphabet, the wrong shape for the "n"/"o"
// query parameter this ID is appended as. The 16 bytes are instead folded
// into a base62 string and padded/truncated to exactly Length characters;
// the truncation keeps only the low-order Length digits, about 107 of the
// UUID's bits.
func New() string {
	id := uuid.New()
	n := new(big.Int).SetBytes(id[:])

	base := big.NewInt(int64(len(alphabet)))
	var digits []byte
	for n.Sign() > 0 {
		var rem big.Int
		n.DivMod(n, base, &rem)
		digits = append(digits, alphabet[rem.Int64()])
	}

	// Pad with the alphabet's zero digit, then take exactly Length
	// characters. A 128-bit value usually has 22 base62 digits, so this
	// normally drops the most significant ones; padding only applies to an
	// unusually small value.
	for len(digits) < Length {
		digits = append(digits, alphabet[0])
	}
	digits = digits[:Length]

	// digits was built least-significant-first; reverse for the final ID.
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits)
}

// QueryKey names the URL query parameter that carries the robust ID; see
// QueryParam.
type QueryKey string

// NewParam and ResumeParam name the query parameter used to carry the
// robust ID on the physical connection URL.
const (
	NewParam    QueryKey = "n"
	ResumeParam QueryKey = "o"
)

// QueryParam returns the query parameter key/value pair to append to the
// physical connection URL for this attempt: "n=<id>" signals a brand new
// logical session on the very first physical connection, "o=<id>" signals
// a resume attempt on every subsequent one.
func QueryParam(id string, resuming bool) (key, value string) {
	if resuming {
		return string(ResumeParam), id
	}
	return string(NewParam), id
}

// Validate reports whether s has the shape of a generated ID. Used by
// servers/tests that parse IDs back off a URL; the core never needs to
// validate IDs it generated itself.
func Validate(s string) error {
	if len(s) != Length {
		return fmt.Errorf("robustid: want %d characters, got %d", Length, len(s))
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return fmt.Errorf("robustid: invalid character %q", r)
		}
	}
	return nil
}
