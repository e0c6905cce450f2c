package datachannel

import "errors"

var (
	// ErrCannotEncrypt is a generic encryption failure.
	ErrCannotEncrypt = errors.New("datachannel: cannot encrypt")

	// ErrCannotDecrypt is a generic decryption failure.
	ErrCannotDecrypt = errors.New("datachannel: cannot decrypt")

	// ErrReplay means the packet ID failed the replay check.
	ErrReplay = errors.New("datachannel: replayed packet")

	// ErrBadHMAC means the packet HMAC did not verify.
	ErrBadHMAC = errors.New("datachannel: bad hmac")

	// ErrExpiredKey means the send packet ID counter is exhausted.
	ErrExpiredKey = errors.New("datachannel: expired key")

	errInvalidKeySize    = errors.New("datachannel: invalid key size")
	errUnsupportedDigest = errors.New("datachannel: unsupported digest")
	errUnsupportedCipher = errors.New("datachannel: unsupported cipher")
	errUnsupportedMode   = errors.New("datachannel: unsupported mode")
	errBadCompression    = errors.New("datachannel: bad compression byte")
)
