// Package id issues identifiers for queued overlay jobs.
package id

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 32 character hex job identifier. When the system entropy
// source fails it returns a fixed sentinel instead of panicking mid-request.
func New() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "job-fallback-id"
	}
	return hex.EncodeToString(b[:])
}
