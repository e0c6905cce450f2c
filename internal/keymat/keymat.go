// Package keymat holds the 256-byte bidirectional key material used by
// both the control-channel HMAC (tls-auth static keys) and the data
// channel (TLS-PRF expansion output).
//
// The material is split into four 64-byte slots: cipher-encrypt,
// HMAC-encrypt, cipher-decrypt, HMAC-decrypt. A slice request combines
// a use (cipher or HMAC) with a direction (encrypt or decrypt), and the
// INVERSE flag swaps the directions, which is how the two peers select
// mirrored slot orientations from identical material.
package keymat

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/protovpn/protovpn/internal/runtimex"
)

// KeySize is the total size of the key material in bytes.
const KeySize = 256

// slotSize is the size of each of the four slots.
const slotSize = 64

// Slice selection flags.
const (
	// Cipher selects a cipher-key slot.
	Cipher = 0

	// HMAC selects an HMAC-key slot.
	HMAC = 1 << 0

	// Encrypt selects the encrypt direction.
	Encrypt = 0

	// Decrypt selects the decrypt direction.
	Decrypt = 1 << 1

	// Normal keeps the directions as-is.
	Normal = 0

	// Inverse swaps encrypt and decrypt, selecting the peer's view
	// of the same material.
	Inverse = 1 << 2
)

// Key is the 256-byte key material. The zero value is all-zeros; fill
// it via [Key.Write] or parse it with [ParseStaticKey].
type Key struct {
	data [KeySize]byte
}

// Slice returns the 64-byte slot selected by the given flags. The
// returned slice aliases the key material; callers must copy it if they
// need it past a [Key.Wipe].
func (k *Key) Slice(flags int) []byte {
	if flags&Inverse != 0 {
		flags ^= Decrypt
	}
	idx := flags & (HMAC | Decrypt)
	runtimex.Assert(idx >= 0 && idx <= 3, "keymat: bad slice flags")
	return k.data[idx*slotSize : (idx+1)*slotSize]
}

// Write fills the key material with the given expansion output, which
// must be exactly [KeySize] bytes.
func (k *Key) Write(material []byte) error {
	if len(material) != KeySize {
		return fmt.Errorf("%w: got %d bytes", ErrBadKeyMaterial, len(material))
	}
	copy(k.data[:], material)
	return nil
}

// Wipe zeroes the key material.
func (k *Key) Wipe() {
	for i := range k.data {
		k.data[i] = 0
	}
}

// ErrBadKeyMaterial indicates malformed key material or static-key file.
var ErrBadKeyMaterial = errors.New("keymat: bad key material")

const (
	staticKeyHeader = "-----BEGIN OpenVPN Static key V1-----"
	staticKeyFooter = "-----END OpenVPN Static key V1-----"
)

// ParseStaticKey parses the PEM-like OpenVPN static key format used by
// tls-auth: a header line, hex-encoded key bytes, and a footer line.
func ParseStaticKey(text string) (*Key, error) {
	begin := strings.Index(text, staticKeyHeader)
	end := strings.Index(text, staticKeyFooter)
	if begin == -1 || end == -1 || end < begin {
		return nil, fmt.Errorf("%w: missing delimiters", ErrBadKeyMaterial)
	}
	body := text[begin+len(staticKeyHeader) : end]
	var hexKey strings.Builder
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hexKey.WriteString(line)
	}
	raw, err := hex.DecodeString(hexKey.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadKeyMaterial, err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadKeyMaterial, len(raw), KeySize)
	}
	key := &Key{}
	copy(key.data[:], raw)
	return key, nil
}

// Direction translates the key-direction option into slicing flags.
//
// With direction 0 or 1 each peer uses one half of the HMAC material
// for sending and the other for receiving; with bidirectional mode
// (direction -1) both peers share a single HMAC key.
type Direction int

const (
	// DirectionNormal is key-direction 0.
	DirectionNormal = Direction(0)

	// DirectionInverse is key-direction 1.
	DirectionInverse = Direction(1)

	// DirectionBidirectional disables key direction.
	DirectionBidirectional = Direction(-1)
)

// Flags returns the Normal/Inverse flag for this direction.
func (d Direction) Flags() int {
	if d == DirectionInverse {
		return Inverse
	}
	return Normal
}
