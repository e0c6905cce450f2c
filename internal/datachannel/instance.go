package datachannel

//
// The per-key data-channel crypto instance: it owns the derived key
// slots, the send packet-ID counter, and the receive replay window, and
// it encrypts/decrypts one framed payload at a time. The packet header
// (1-byte DATA_V1 or 4-byte DATA_V2) stays with the caller, which
// passes it in as additional authenticated data in AEAD modes.
//

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"hash"
	"time"

	"github.com/protovpn/protovpn/internal/bytesx"
	"github.com/protovpn/protovpn/internal/digests"
	"github.com/protovpn/protovpn/internal/keymat"
	"github.com/protovpn/protovpn/internal/model"
	"github.com/protovpn/protovpn/internal/packetid"
)

// genRandomFn allows using a deterministic randomness source in tests.
var genRandomFn = bytesx.GenRandomBytes

// keySlot holds one of the derived local or remote keys.
type keySlot [64]byte

// Flags reports side conditions of an encrypt or decrypt operation.
type Flags uint8

const (
	// FlagPIDWrap means the send counter is approaching wraparound
	// and the owning key should renegotiate.
	FlagPIDWrap = Flags(1 << iota)

	// FlagLimitRed means the byte counter crossed the data limit.
	FlagLimitRed

	// FlagLimitGreen means the first packet from the peer was
	// decrypted under this key.
	FlagLimitGreen
)

// Instance is the data-channel crypto state for one key generation.
// Construct with [New].
type Instance struct {
	dataCipher dataCipher

	hmacLocal  hash.Hash
	hmacRemote hash.Hash

	cipherKeyLocal  keySlot
	cipherKeyRemote keySlot
	hmacKeyLocal    keySlot
	hmacKeyRemote   keySlot

	sendPID *packetid.Send
	replay  *packetid.Window

	compress model.Compression

	// data limit accounting for 64-bit block-size ciphers;
	// limit == 0 disables it
	limit        uint64
	encryptBytes uint64
	decryptBytes uint64
	decryptGreen bool
}

// New builds an [Instance] from the expanded key material. The
// direction selects mirrored slot orientations on the two peers.
func New(cipherName, authName string, key *keymat.Key, dir keymat.Direction,
	mode packetid.Mode, compress model.Compression) (*Instance, error) {
	dc, err := newDataCipherFromName(cipherName)
	if err != nil {
		return nil, err
	}
	inst := &Instance{
		dataCipher: dc,
		sendPID:    packetid.NewSend(false),
		replay:     packetid.NewWindow(mode),
		compress:   compress,
	}
	copy(inst.cipherKeyLocal[:], key.Slice(keymat.Cipher|keymat.Encrypt|dir.Flags()))
	copy(inst.cipherKeyRemote[:], key.Slice(keymat.Cipher|keymat.Decrypt|dir.Flags()))
	copy(inst.hmacKeyLocal[:], key.Slice(keymat.HMAC|keymat.Encrypt|dir.Flags()))
	copy(inst.hmacKeyRemote[:], key.Slice(keymat.HMAC|keymat.Decrypt|dir.Flags()))

	if !dc.isAEAD() {
		factory, ok := digests.ByName(authName)
		if !ok {
			return nil, fmt.Errorf("%w: %s", errUnsupportedDigest, authName)
		}
		size := factory().Size()
		inst.hmacLocal = hmac.New(factory, inst.hmacKeyLocal[:size])
		inst.hmacRemote = hmac.New(factory, inst.hmacKeyRemote[:size])
	}
	return inst, nil
}

// SetDataLimit arms the per-key byte limit (used with 64-bit
// block-size ciphers).
func (i *Instance) SetDataLimit(limit uint64) {
	i.limit = limit
}

// HasDataLimit reports whether a data limit is armed.
func (i *Instance) HasDataLimit() bool {
	return i.limit != 0
}

// DecryptGreen reports whether at least one packet from the peer has
// been decrypted under this key.
func (i *Instance) DecryptGreen() bool {
	return i.decryptGreen
}

// IsAEAD reports whether the configured cipher is an AEAD cipher.
func (i *Instance) IsAEAD() bool {
	return i.dataCipher.isAEAD()
}

// Encrypt turns a plaintext into a framed encrypted payload. The aad
// argument is the packet header the caller will prepend, authenticated
// in AEAD modes and ignored otherwise. The returned payload excludes
// the header.
func (i *Instance) Encrypt(plaintext []byte, aad []byte, now time.Time) ([]byte, Flags, error) {
	var flags Flags
	compressed, err := doCompress(plaintext, i.compress)
	if err != nil {
		return nil, 0, err
	}
	if ev := i.countEncrypt(len(compressed)); ev != 0 {
		flags |= ev
	}
	pid, wrap, err := i.sendPID.Next(now)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrExpiredKey, err)
	}
	if wrap {
		flags |= FlagPIDWrap
	}
	var out []byte
	if i.dataCipher.isAEAD() {
		out, err = i.encryptAEAD(compressed, aad, pid)
	} else {
		out, err = i.encryptCBC(compressed, pid)
	}
	if err != nil {
		return nil, 0, err
	}
	return out, flags, nil
}

// encryptAEAD produces pid | tag | ciphertext.
func (i *Instance) encryptAEAD(plaintext, aadHeader []byte, pid packetid.ID) ([]byte, error) {
	aad := &bytes.Buffer{}
	aad.Write(aadHeader)
	bytesx.WriteUint32(aad, uint32(pid.ID))

	// the iv is the packet ID concatenated with the first 8 bytes of
	// the hmac key, which AEAD modes do not use otherwise
	iv := &bytes.Buffer{}
	bytesx.WriteUint32(iv, uint32(pid.ID))
	iv.Write(i.hmacKeyLocal[:8])

	encrypted, err := i.dataCipher.encrypt(i.cipherKeyLocal[:], &plaintextData{
		iv:        iv.Bytes(),
		plaintext: plaintext,
		aead:      aad.Bytes(),
	})
	if err != nil {
		return nil, err
	}

	// the wire format wants tag | payload, while Seal returns payload | tag
	boundary := len(encrypted) - gcmTagSize
	out := &bytes.Buffer{}
	bytesx.WriteUint32(out, uint32(pid.ID))
	out.Write(encrypted[boundary:])
	out.Write(encrypted[:boundary])
	return out.Bytes(), nil
}

// encryptCBC produces hmac | iv | ciphertext, with the packet ID
// traveling inside the plaintext.
func (i *Instance) encryptCBC(plaintext []byte, pid packetid.ID) ([]byte, error) {
	plain := &bytes.Buffer{}
	bytesx.WriteUint32(plain, uint32(pid.ID))
	plain.Write(plaintext)

	padded, err := bytesx.BytesPadPKCS7(plain.Bytes(), int(i.dataCipher.blockSize()))
	if err != nil {
		return nil, err
	}

	iv, err := genRandomFn(int(i.dataCipher.blockSize()))
	if err != nil {
		return nil, err
	}
	ciphertext, err := i.dataCipher.encrypt(i.cipherKeyLocal[:], &plaintextData{
		iv:        iv,
		plaintext: padded,
	})
	if err != nil {
		return nil, err
	}

	i.hmacLocal.Reset()
	i.hmacLocal.Write(iv)
	i.hmacLocal.Write(ciphertext)
	mac := i.hmacLocal.Sum(nil)

	out := &bytes.Buffer{}
	out.Write(mac)
	out.Write(iv)
	out.Write(ciphertext)
	return out.Bytes(), nil
}

// Decrypt reverses [Instance.Encrypt]. The input is the payload after
// the packet header has been stripped; aad is that header, needed in
// AEAD modes for authentication.
func (i *Instance) Decrypt(payload []byte, aad []byte) ([]byte, Flags, error) {
	var (
		plaintext []byte
		err       error
	)
	if i.dataCipher.isAEAD() {
		plaintext, err = i.decryptAEAD(payload, aad)
	} else {
		plaintext, err = i.decryptCBC(payload)
	}
	if err != nil {
		return nil, 0, err
	}
	out, err := doDecompress(plaintext, i.compress)
	if err != nil {
		return nil, 0, err
	}
	return out, i.countDecrypt(len(plaintext)), nil
}

func (i *Instance) decryptAEAD(payload, aadHeader []byte) ([]byte, error) {
	// pid(4) | tag(16) | ciphertext
	if len(payload) < 4+gcmTagSize {
		return nil, fmt.Errorf("%w: too short (%d bytes)", ErrCannotDecrypt, len(payload))
	}
	rawPID := payload[:4]
	pid := packetid.ID{ID: model.PacketID(binary.BigEndian.Uint32(rawPID))}
	if !i.replay.TestAdd(pid, false) {
		return nil, ErrReplay
	}

	aad := &bytes.Buffer{}
	aad.Write(aadHeader)
	aad.Write(rawPID)

	iv := &bytes.Buffer{}
	iv.Write(rawPID)
	iv.Write(i.hmacKeyRemote[:8])

	// decryption expects payload | tag, the wire carries tag | payload
	ct := &bytes.Buffer{}
	ct.Write(payload[4+gcmTagSize:])
	ct.Write(payload[4 : 4+gcmTagSize])

	plaintext, err := i.dataCipher.decrypt(i.cipherKeyRemote[:], &encryptedData{
		iv:         iv.Bytes(),
		ciphertext: ct.Bytes(),
		aead:       aad.Bytes(),
	})
	if err != nil {
		return nil, err
	}
	i.replay.TestAdd(pid, true)
	return plaintext, nil
}

func (i *Instance) decryptCBC(payload []byte) ([]byte, error) {
	hashSize := i.hmacRemote.Size()
	blockSize := int(i.dataCipher.blockSize())
	if len(payload) < hashSize+blockSize {
		return nil, fmt.Errorf("%w: too short (%d bytes)", ErrCannotDecrypt, len(payload))
	}
	receivedMAC := payload[:hashSize]
	iv := payload[hashSize : hashSize+blockSize]
	ciphertext := payload[hashSize+blockSize:]

	i.hmacRemote.Reset()
	i.hmacRemote.Write(iv)
	i.hmacRemote.Write(ciphertext)
	if !hmac.Equal(i.hmacRemote.Sum(nil), receivedMAC) {
		return nil, fmt.Errorf("%w: %w", ErrCannotDecrypt, ErrBadHMAC)
	}

	plaintext, err := i.dataCipher.decrypt(i.cipherKeyRemote[:], &encryptedData{
		iv:         iv,
		ciphertext: ciphertext,
	})
	if err != nil {
		return nil, err
	}
	if len(plaintext) < 4 {
		return nil, fmt.Errorf("%w: missing packet id", ErrCannotDecrypt)
	}
	pid := packetid.ID{ID: model.PacketID(binary.BigEndian.Uint32(plaintext[:4]))}
	if !i.replay.TestAdd(pid, true) {
		return nil, ErrReplay
	}
	return plaintext[4:], nil
}

// countEncrypt updates the encrypt byte counter and reports a limit
// crossing.
func (i *Instance) countEncrypt(n int) Flags {
	if i.limit == 0 {
		return 0
	}
	before := i.encryptBytes
	i.encryptBytes += uint64(n)
	if before < i.limit && i.encryptBytes >= i.limit {
		return FlagLimitRed
	}
	return 0
}

// countDecrypt updates the decrypt byte counter, tracks the
// first-packet green state, and reports a limit crossing.
func (i *Instance) countDecrypt(n int) Flags {
	var flags Flags
	if !i.decryptGreen {
		i.decryptGreen = true
		if i.limit != 0 {
			flags |= FlagLimitGreen
		}
	}
	if i.limit == 0 {
		return flags
	}
	before := i.decryptBytes
	i.decryptBytes += uint64(n)
	if before < i.limit && i.decryptBytes >= i.limit {
		flags |= FlagLimitRed
	}
	return flags
}
