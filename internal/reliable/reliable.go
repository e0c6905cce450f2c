// Package reliable implements the control-channel reliability layer: a
// windowed send queue with per-message retransmission deadlines, a
// receive window that reorders messages before they reach the TLS
// layer, and collation of outgoing ACK identifiers.
//
// The layer is purely passive: it never arms timers by itself. The
// owner asks for the nearest deadline and calls back at or after it.
package reliable

import "time"

const (
	// DefaultWindow is the default number of outstanding messages
	// tracked on each side of the channel.
	DefaultWindow = 4

	// MaxACKList is the maximum number of ACK identifiers collated
	// into one outgoing packet.
	MaxACKList = 4

	// maxBackoff caps the retransmission interval.
	maxBackoff = 60 * time.Second
)

// Flags describes the outcome of handing an incoming message to the
// [Receiver].
type Flags uint8

const (
	// InWindow means the message was accepted into the receive window.
	InWindow = Flags(1 << iota)

	// ACKToSender means the message identifier must be ACKed back to
	// the sender, even when the message itself is a duplicate, or the
	// peer would retransmit forever.
	ACKToSender
)
