// Package bytesx provides functions operating on bytes.
//
// Specifically we implement these operations:
//
// 1. generating random bytes;
//
// 2. encoding and decoding of the length-prefixed, null-terminated
// strings used by the control channel (options, credentials, peer info);
//
// 3. PKCS#7 padding and unpadding for CBC-mode ciphers;
//
// 4. big-endian integer reads and writes.
package bytesx

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/protovpn/protovpn/internal/runtimex"
)

var (
	// ErrEncodeString indicates a string encoding error occurred.
	ErrEncodeString = errors.New("can't encode string")

	// ErrDecodeString indicates a string decoding error occurred.
	ErrDecodeString = errors.New("can't decode string")

	// ErrPaddingPKCS7 indicates that a PKCS#7 padding error has occurred.
	ErrPaddingPKCS7 = errors.New("PKCS#7 padding error")

	// ErrUnpaddingPKCS7 indicates that a PKCS#7 unpadding error has occurred.
	ErrUnpaddingPKCS7 = errors.New("PKCS#7 unpadding error")
)

// GenRandomBytes returns an array of bytes with the given size using
// a CSRNG, on success, or an error, in case of failure.
func GenRandomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	_, err := rand.Read(b)
	return b, err
}

// EncodeAuthString encodes a control-channel string: a two-byte
// big-endian length (which includes the trailing NUL), the string bytes,
// and a NUL terminator. The empty string encodes as a zero length with
// no body, which is how absent credentials travel on the wire.
func EncodeAuthString(s string) ([]byte, error) {
	if len(s) >= math.MaxUint16 { // Using >= b/c we need to account for the final \0
		return nil, fmt.Errorf("%w: %s", ErrEncodeString, "string too large")
	}
	if len(s) == 0 {
		return []byte{0x00, 0x00}, nil
	}
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, uint16(len(s))+1)
	data = append(data, []byte(s)...)
	data = append(data, 0x00)
	return data, nil
}

// DecodeAuthStringFrom reads a length-prefixed, null-terminated string
// from the beginning of the given buffer. It returns the decoded string
// and the number of bytes consumed, or an error.
func DecodeAuthStringFrom(b []byte) (string, int, error) {
	if len(b) < 2 {
		return "", 0, fmt.Errorf("%w: expected at least two bytes", ErrDecodeString)
	}
	length := int(binary.BigEndian.Uint16(b[:2]))
	if length == 0 {
		return "", 2, nil
	}
	if len(b) < 2+length {
		return "", 0, fmt.Errorf("%w: got %d, expected %d", ErrDecodeString, len(b)-2, length)
	}
	body := b[2 : 2+length]
	if body[length-1] != 0x00 {
		return "", 0, fmt.Errorf("%w: missing trailing \\0", ErrDecodeString)
	}
	return string(body[:length-1]), 2 + length, nil
}

// DecodeOptionString returns the string value for the null-terminated
// string occupying the remainder of the buffer. The peer may pad the
// buffer, so we cannot do a strict length check.
func DecodeOptionString(b []byte) (string, error) {
	s, _, err := DecodeAuthStringFrom(b)
	return s, err
}

// BytesUnpadPKCS7 performs the PKCS#7 unpadding of a byte array.
func BytesUnpadPKCS7(b []byte, blockSize int) ([]byte, error) {
	if blockSize > math.MaxUint8 {
		return nil, fmt.Errorf("%w: blockSize too large", ErrUnpaddingPKCS7)
	}
	if len(b) <= 0 {
		return nil, fmt.Errorf("%w: passed empty buffer", ErrUnpaddingPKCS7)
	}
	psiz := int(b[len(b)-1])
	if psiz <= 0x00 {
		return nil, fmt.Errorf("%w: padding size cannot be zero", ErrUnpaddingPKCS7)
	}
	if psiz > blockSize || psiz > len(b) {
		return nil, fmt.Errorf("%w: padding size out of range", ErrUnpaddingPKCS7)
	}
	off := len(b) - psiz
	runtimex.Assert(off >= 0 && off <= len(b), "off is out of bounds")
	return b[:off], nil
}

// BytesPadPKCS7 returns the PKCS#7 padding of a byte array.
func BytesPadPKCS7(b []byte, blockSize int) ([]byte, error) {
	runtimex.PanicIfTrue(blockSize <= 0, "blocksize cannot be negative or zero")

	// If lth mod blockSize == 0, then the input gets appended a whole block size
	// See https://datatracker.ietf.org/doc/html/rfc5652#section-6.3
	if blockSize > math.MaxUint8 {
		// This padding method is well defined iff blockSize is less than 256.
		return nil, ErrPaddingPKCS7
	}
	psiz := blockSize - len(b)%blockSize
	padding := bytes.Repeat([]byte{byte(psiz)}, psiz)
	return append(b, padding...), nil
}

// ReadUint32 is a convenience function that reads a uint32 from a 4-byte
// buffer, returning an error if the operation failed.
func ReadUint32(buf *bytes.Buffer) (uint32, error) {
	var numBuf [4]byte
	_, err := io.ReadFull(buf, numBuf[:])
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(numBuf[:]), nil
}

// WriteUint32 is a convenience function that appends to the given buffer
// 4 bytes containing the big-endian representation of the given uint32 value.
func WriteUint32(buf *bytes.Buffer, val uint32) {
	var numBuf [4]byte
	binary.BigEndian.PutUint32(numBuf[:], val)
	buf.Write(numBuf[:])
}

// WriteUint24 is a convenience function that appends to the given buffer
// 3 bytes containing the big-endian representation of the given uint32 value.
// Caller is responsible to ensure the passed value does not overflow the
// maximal capacity of 3 bytes.
func WriteUint24(buf *bytes.Buffer, val uint32) {
	var numBuf [4]byte
	binary.BigEndian.PutUint32(numBuf[:], val)
	buf.Write(numBuf[1:])
}
