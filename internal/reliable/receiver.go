package reliable

import (
	"github.com/protovpn/protovpn/internal/model"
)

// IncomingMessage is one message accepted into the receive window.
type IncomingMessage struct {
	// ID is the message sequence number.
	ID model.PacketID

	// Opcode is the packet opcode the message traveled under.
	Opcode model.Opcode

	// Payload is the message body.
	Payload []byte
}

// Receiver reorders incoming messages so that the layer above sees
// them in strictly increasing sequence order.
// Construct with [NewReceiver].
type Receiver struct {
	// logger is the logger to use.
	logger model.Logger

	// nextExpected is the sequence number the upper layer is waiting for.
	nextExpected model.PacketID

	// pending holds out-of-order messages keyed by sequence number.
	pending map[model.PacketID]*IncomingMessage

	// window bounds how far ahead of nextExpected we accept.
	window int
}

// NewReceiver returns a new [Receiver] with the given window.
func NewReceiver(logger model.Logger, window int) *Receiver {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Receiver{
		logger:  logger,
		pending: make(map[model.PacketID]*IncomingMessage),
		window:  window,
	}
}

// Receive classifies an incoming message. Messages below the window
// are duplicates that still need an ACK so the peer stops
// retransmitting; messages inside the window are stored for in-order
// delivery; messages beyond the window are dropped silently.
func (r *Receiver) Receive(m *IncomingMessage) Flags {
	if m.ID < r.nextExpected {
		return ACKToSender
	}
	if m.ID >= r.nextExpected+model.PacketID(r.window) {
		r.logger.Warnf("reliable: message %d beyond window (next=%d)", m.ID, r.nextExpected)
		return 0
	}
	if _, dup := r.pending[m.ID]; dup {
		return ACKToSender
	}
	r.pending[m.ID] = m
	return InWindow | ACKToSender
}

// NextInOrder drains the messages that are now sequential, starting at
// the next expected sequence number.
func (r *Receiver) NextInOrder() []*IncomingMessage {
	var ready []*IncomingMessage
	for {
		m, ok := r.pending[r.nextExpected]
		if !ok {
			return ready
		}
		delete(r.pending, r.nextExpected)
		r.nextExpected++
		ready = append(ready, m)
	}
}
