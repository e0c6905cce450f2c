// Package digests resolves digest names from the configuration into
// hash constructors usable for HMAC.
package digests

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"strings"
) //#nosec G501,G505
//  We know that sha1 and md5 are insecure, but we do not control the protocol.

// ByName accepts a digest label coming from the configuration, and
// returns two values: a function that will return a Hash implementation,
// and a boolean indicating if the operation was successful.
func ByName(name string) (func() hash.Hash, bool) {
	switch strings.ToLower(name) {
	case "md5":
		return md5.New, true
	case "sha1":
		return sha1.New, true
	case "sha256":
		return sha256.New, true
	case "sha512":
		return sha512.New, true
	default:
		return nil, false
	}
}
