package datachannel

//
// Symmetric ciphers for the data channel.
//

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"strings"

	"golang.org/x/crypto/blowfish"

	"github.com/protovpn/protovpn/internal/bytesx"
)

type (
	// cipherMode describes a cipher mode (e.g., GCM).
	cipherMode string

	// cipherName is a cipher name (e.g., AES).
	cipherName string
)

const (
	// cipherModeCBC is the CBC cipher mode.
	cipherModeCBC = cipherMode("cbc")

	// cipherModeGCM is the GCM cipher mode.
	cipherModeGCM = cipherMode("gcm")

	// cipherNameAES is an AES-based cipher.
	cipherNameAES = cipherName("aes")

	// cipherNameBlowfish is a Blowfish-based cipher.
	cipherNameBlowfish = cipherName("bf")
)

// gcmTagSize is the size of the GCM authentication tag.
const gcmTagSize = 16

// encryptedData holds the different parts needed to decrypt an
// encrypted data packet.
type encryptedData struct {
	iv         []byte
	ciphertext []byte
	aead       []byte
}

// plaintextData holds the different parts needed to encrypt a
// plaintext payload (after padding).
type plaintextData struct {
	iv        []byte
	plaintext []byte
	aead      []byte
}

// dataCipher encrypts and decrypts data-channel payloads.
type dataCipher interface {
	// keySizeBytes returns the key size (in bytes).
	keySizeBytes() int

	// isAEAD returns whether this cipher has AEAD properties.
	isAEAD() bool

	// blockSize returns the expected block size.
	blockSize() uint8

	// encrypt encrypts a plaintext with the given key. The key comes
	// from a PRF expansion, so only keySizeBytes of it are used.
	encrypt([]byte, *plaintextData) ([]byte, error)

	// decrypt is the opposite operation of encrypt.
	decrypt([]byte, *encryptedData) ([]byte, error)
}

// blockFactory builds the block cipher for a key.
type blockFactory func(key []byte) (cipher.Block, error)

// genericCipher implements dataCipher on top of any block cipher.
type genericCipher struct {
	// factory builds the underlying block cipher.
	factory blockFactory

	// ksb is the key size in bytes.
	ksb int

	// bs is the cipher block size in bytes.
	bs uint8

	// mode is the cipher mode.
	mode cipherMode
}

var _ dataCipher = &genericCipher{}

// keySizeBytes implements dataCipher.keySizeBytes
func (c *genericCipher) keySizeBytes() int {
	return c.ksb
}

// isAEAD implements dataCipher.isAEAD
func (c *genericCipher) isAEAD() bool {
	return c.mode != cipherModeCBC
}

// blockSize implements dataCipher.blockSize
func (c *genericCipher) blockSize() uint8 {
	return c.bs
}

// encrypt implements dataCipher.encrypt
func (c *genericCipher) encrypt(key []byte, data *plaintextData) ([]byte, error) {
	if len(key) < c.keySizeBytes() {
		return nil, errInvalidKeySize
	}
	block, err := c.factory(key[:c.keySizeBytes()])
	if err != nil {
		return nil, err
	}
	switch c.mode {
	case cipherModeCBC:
		if len(data.iv) != block.BlockSize() {
			return nil, fmt.Errorf("%w: wrong size for iv: %v", ErrCannotEncrypt, len(data.iv))
		}
		if len(data.plaintext)%block.BlockSize() != 0 {
			return nil, fmt.Errorf("%w: wrong padding", ErrCannotEncrypt)
		}
		mode := cipher.NewCBCEncrypter(block, data.iv)
		ciphertext := make([]byte, len(data.plaintext))
		mode.CryptBlocks(ciphertext, data.plaintext)
		return ciphertext, nil

	case cipherModeGCM:
		if len(data.iv) != 12 {
			return nil, fmt.Errorf("%w: wrong size for iv: %v", ErrCannotEncrypt, len(data.iv))
		}
		aesGCM, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		// In GCM mode, the IV consists of the 32-bit packet counter
		// followed by data from the HMAC key. The HMAC key can be used
		// as IV, since in GCM mode the HMAC key is not used for the
		// HMAC. The packet counter may not roll over within a single
		// TLS session. This results in a unique IV for each packet, as
		// required by GCM.
		return aesGCM.Seal(nil, data.iv, data.plaintext, data.aead), nil

	default:
		return nil, errUnsupportedMode
	}
}

// decrypt implements dataCipher.decrypt
func (c *genericCipher) decrypt(key []byte, data *encryptedData) ([]byte, error) {
	if len(key) < c.keySizeBytes() {
		return nil, errInvalidKeySize
	}
	block, err := c.factory(key[:c.keySizeBytes()])
	if err != nil {
		return nil, err
	}
	switch c.mode {
	case cipherModeCBC:
		if len(data.iv) != block.BlockSize() {
			return nil, fmt.Errorf("%w: wrong size for iv: %v", ErrCannotDecrypt, len(data.iv))
		}
		if len(data.ciphertext)%block.BlockSize() != 0 {
			return nil, fmt.Errorf("%w: partial block", ErrCannotDecrypt)
		}
		mode := cipher.NewCBCDecrypter(block, data.iv)
		plaintext := make([]byte, len(data.ciphertext))
		mode.CryptBlocks(plaintext, data.ciphertext)
		return bytesx.BytesUnpadPKCS7(plaintext, block.BlockSize())

	case cipherModeGCM:
		if len(data.iv) != 12 {
			return nil, fmt.Errorf("%w: wrong size for iv: %v", ErrCannotDecrypt, len(data.iv))
		}
		aesGCM, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		plaintext, err := aesGCM.Open(nil, data.iv, data.ciphertext, data.aead)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCannotDecrypt, err)
		}
		return plaintext, nil

	default:
		return nil, errUnsupportedMode
	}
}

// newDataCipherFromName constructs a new dataCipher from the cipher
// name used in the configuration and the options string.
func newDataCipherFromName(c string) (dataCipher, error) {
	switch strings.ToUpper(c) {
	case "AES-128-CBC":
		return newDataCipher(cipherNameAES, 128, cipherModeCBC)
	case "AES-192-CBC":
		return newDataCipher(cipherNameAES, 192, cipherModeCBC)
	case "AES-256-CBC":
		return newDataCipher(cipherNameAES, 256, cipherModeCBC)
	case "AES-128-GCM":
		return newDataCipher(cipherNameAES, 128, cipherModeGCM)
	case "AES-192-GCM":
		return newDataCipher(cipherNameAES, 192, cipherModeGCM)
	case "AES-256-GCM":
		return newDataCipher(cipherNameAES, 256, cipherModeGCM)
	case "BF-CBC":
		return newDataCipher(cipherNameBlowfish, 128, cipherModeCBC)
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedCipher, c)
	}
}

// newDataCipher constructs a new dataCipher from the given name, bits, and mode.
func newDataCipher(name cipherName, bits int, mode cipherMode) (dataCipher, error) {
	if bits%8 != 0 || bits > 512 || bits < 64 {
		return nil, fmt.Errorf("%w: %d", errInvalidKeySize, bits)
	}
	switch mode {
	case cipherModeCBC, cipherModeGCM:
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedMode, mode)
	}
	switch name {
	case cipherNameAES:
		return &genericCipher{
			factory: aes.NewCipher,
			ksb:     bits / 8,
			bs:      16,
			mode:    mode,
		}, nil
	case cipherNameBlowfish:
		if mode != cipherModeCBC {
			return nil, fmt.Errorf("%w: %s-%s", errUnsupportedMode, name, mode)
		}
		return &genericCipher{
			factory: func(key []byte) (cipher.Block, error) {
				return blowfish.NewCipher(key)
			},
			ksb:  bits / 8,
			bs:   8,
			mode: mode,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedCipher, name)
	}
}

// IsBS64Cipher returns whether the named cipher has a 64-bit block
// size, in which case the birthday-bound data limit applies.
func IsBS64Cipher(name string) bool {
	switch strings.ToUpper(name) {
	case "BF-CBC", "DES-CBC", "DES-EDE3-CBC", "CAST5-CBC":
		return true
	default:
		return false
	}
}

// CipherKeySizeBits returns the key size advertised in the options
// string for the given cipher name.
func CipherKeySizeBits(name string) (int, error) {
	dc, err := newDataCipherFromName(name)
	if err != nil {
		return 0, err
	}
	return dc.keySizeBytes() * 8, nil
}
