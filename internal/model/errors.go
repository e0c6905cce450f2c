package model

import "fmt"

// ErrorKind is a closed enumeration of the protocol error conditions
// that the engine reports to the [SessionStats] sink. The transient
// kinds are merely counted on datagram transports; on stream transports
// the same kinds invalidate the session because a corrupted stream
// cannot resynchronize.
type ErrorKind int

const (
	// ErrReplay means a packet failed the replay-protection check.
	ErrReplay = ErrorKind(iota)

	// ErrDecrypt means a data-channel packet failed to decrypt.
	ErrDecrypt

	// ErrHMAC means an HMAC comparison failed.
	ErrHMAC

	// ErrBuffer means a packet was too short or otherwise malformed.
	ErrBuffer

	// ErrCC means a control-channel consistency check failed, such
	// as a session-ID mismatch.
	ErrCC

	// ErrKeepaliveTimeout means no authenticated packet arrived
	// within the keepalive timeout.
	ErrKeepaliveTimeout

	// ErrHandshakeTimeout means a negotiation did not complete within
	// the handshake window: fatal on the initial key, while a timed-out
	// secondary records it and starts a new renegotiation.
	ErrHandshakeTimeout

	// ErrPrimaryExpire means the primary key expired with no healthy
	// secondary to promote.
	ErrPrimaryExpire

	// ErrKevPending means a pending-primary key never saw traffic
	// from the peer and timed out.
	ErrKevPending

	// ErrKevNegotiate means a renegotiation did not complete within
	// the handshake window.
	ErrKevNegotiate

	// ErrKevExpire counts ordinary key expirations (not fatal).
	ErrKevExpire

	// ErrKeyLimitReneg counts renegotiations triggered by per-key
	// data limits or packet-ID wraparound (not fatal).
	ErrKeyLimitReneg
)

var _ fmt.Stringer = ErrorKind(0)

// String implements fmt.Stringer
func (k ErrorKind) String() string {
	switch k {
	case ErrReplay:
		return "REPLAY_ERROR"
	case ErrDecrypt:
		return "DECRYPT_ERROR"
	case ErrHMAC:
		return "HMAC_ERROR"
	case ErrBuffer:
		return "BUFFER_ERROR"
	case ErrCC:
		return "CC_ERROR"
	case ErrKeepaliveTimeout:
		return "KEEPALIVE_TIMEOUT"
	case ErrHandshakeTimeout:
		return "HANDSHAKE_TIMEOUT"
	case ErrPrimaryExpire:
		return "PRIMARY_EXPIRE"
	case ErrKevPending:
		return "KEV_PENDING_ERROR"
	case ErrKevNegotiate:
		return "KEV_NEGOTIATE_ERROR"
	case ErrKevExpire:
		return "KEV_EXPIRE"
	case ErrKeyLimitReneg:
		return "KEY_LIMIT_RENEG"
	default:
		return "UNKNOWN_ERROR"
	}
}

// SessionStats receives protocol error events and counters.
type SessionStats interface {
	// Error records one occurrence of the given error kind.
	Error(kind ErrorKind)
}

// CountingStats is a [SessionStats] that counts each kind of error.
// The zero value is ready to use.
type CountingStats struct {
	counters map[ErrorKind]uint64
}

var _ SessionStats = &CountingStats{}

// Error implements SessionStats.
func (s *CountingStats) Error(kind ErrorKind) {
	if s.counters == nil {
		s.counters = make(map[ErrorKind]uint64)
	}
	s.counters[kind]++
}

// Count returns how many times the given kind was recorded.
func (s *CountingStats) Count(kind ErrorKind) uint64 {
	return s.counters[kind]
}
