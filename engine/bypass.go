package engine

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// encodeBypass renders the expected bypass token for a request id and
// passphrase (spec.md §6.5, §8 "Bypass check is constant-string-form").
// Grounded on the teacher's driver_fs.go GetHash switch over named digest
// algorithms.
func encodeBypass(requestID, passphrase string) string {
	sum := sha256.Sum256([]byte(requestID + ";" + passphrase))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// checkBypass reports whether token is the expected bypass value for
// requestID under passphrase, in constant time. An empty passphrase always
// disables bypass, per spec.md §6.5.
func checkBypass(requestID, passphrase, token string) bool {
	if passphrase == "" || token == "" {
		return false
	}
	want := encodeBypass(requestID, passphrase)
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}
