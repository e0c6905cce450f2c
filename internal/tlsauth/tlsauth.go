// Package tlsauth implements the pre-TLS HMAC protection of the
// control channel. Every control packet carries an HMAC computed over
// the packet with the HMAC field itself excluded, keyed from a
// pre-shared static key, so that unauthenticated peers never reach the
// TLS stack.
package tlsauth

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"hash"

	"github.com/protovpn/protovpn/internal/digests"
	"github.com/protovpn/protovpn/internal/keymat"
)

// ErrUnsupportedDigest means the configured tls-auth digest is unknown.
var ErrUnsupportedDigest = errors.New("tlsauth: unsupported digest")

// Instance holds the send and receive HMAC state for one session.
// Construct with [New].
type Instance struct {
	send hash.Hash
	recv hash.Hash
	size int
}

// New creates an [Instance] from the static key, a digest name, and
// the configured key direction. With a directional key (0 or 1) the
// send and receive sides use distinct HMAC slots; in bidirectional
// mode both share a single slot.
func New(key *keymat.Key, digest string, dir keymat.Direction) (*Instance, error) {
	factory, ok := digests.ByName(digest)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDigest, digest)
	}
	size := factory().Size()
	var sendSlot, recvSlot []byte
	if dir == keymat.DirectionBidirectional {
		sendSlot = key.Slice(keymat.HMAC)
		recvSlot = sendSlot
	} else {
		sendSlot = key.Slice(keymat.HMAC | keymat.Encrypt | dir.Flags())
		recvSlot = key.Slice(keymat.HMAC | keymat.Decrypt | dir.Flags())
	}
	return &Instance{
		send: hmac.New(factory, sendSlot[:size]),
		recv: hmac.New(factory, recvSlot[:size]),
		size: size,
	}, nil
}

// Size returns the HMAC output size in bytes.
func (i *Instance) Size() int {
	return i.size
}

// Gen computes the outgoing HMAC over head||tail, where head is the
// opcode byte plus source session ID, and tail is everything after the
// HMAC field (packet ID, ACKs, message ID, payload).
func (i *Instance) Gen(head, tail []byte) []byte {
	i.send.Reset()
	i.send.Write(head)
	i.send.Write(tail)
	return i.send.Sum(nil)
}

// Compare verifies the incoming HMAC over head||tail in constant time.
func (i *Instance) Compare(mac, head, tail []byte) bool {
	i.recv.Reset()
	i.recv.Write(head)
	i.recv.Write(tail)
	return hmac.Equal(mac, i.recv.Sum(nil))
}
