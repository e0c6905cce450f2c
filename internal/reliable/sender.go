package reliable

import (
	"sort"
	"time"

	"github.com/protovpn/protovpn/internal/model"
)

// OutgoingMessage is one reliable-send queue entry: an opcode plus
// payload identified by a message sequence number, with retransmission
// bookkeeping.
type OutgoingMessage struct {
	// ID is the message sequence number.
	ID model.PacketID

	// Opcode is the packet opcode this message travels under.
	Opcode model.Opcode

	// Payload is the message body (TLS ciphertext or empty for resets).
	Payload []byte

	// deadline is when this message is next due for (re)transmission.
	deadline time.Time

	// retries counts transmissions performed so far.
	retries uint8

	// higherACKs counts ACKs received for messages with a higher ID,
	// which feeds the fast-retransmission heuristic.
	higherACKs int
}

// Retries returns the number of transmissions performed so far.
func (m *OutgoingMessage) Retries() int {
	return int(m.retries)
}

// readyAt reports whether the message is due at the given moment.
func (m *OutgoingMessage) readyAt(t time.Time) bool {
	return m.higherACKs >= 3 || !m.deadline.After(t)
}

// scheduleRetransmission bumps the retry counter and pushes the
// deadline into the future with exponential backoff.
func (m *OutgoingMessage) scheduleRetransmission(t time.Time, timeout time.Duration) {
	m.retries++
	backoff := timeout << (m.retries - 1)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	m.deadline = t.Add(backoff)
	m.higherACKs = 0
}

// Sender keeps state about the outgoing message queue.
// Construct with [NewSender].
type Sender struct {
	// inFlight is the queue of not-yet-acknowledged messages.
	inFlight []*OutgoingMessage

	// logger is the logger to use.
	logger model.Logger

	// nextID is the sequence number for the next queued message.
	nextID model.PacketID

	// pendingACKs is the queue of identifiers we owe the peer.
	pendingACKs []model.PacketID

	// timeout is the initial retransmission timeout.
	timeout time.Duration

	// window bounds the in-flight queue.
	window int
}

// NewSender returns a new [Sender] with the given window and initial
// retransmission timeout.
func NewSender(logger model.Logger, window int, timeout time.Duration) *Sender {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Sender{
		inFlight: make([]*OutgoingMessage, 0, window),
		logger:   logger,
		timeout:  timeout,
		window:   window,
	}
}

// CanSend reports whether there is room in the send window.
func (s *Sender) CanSend() bool {
	return len(s.inFlight) < s.window
}

// Queue assigns the next sequence number to the given message and
// inserts it into the in-flight queue, due immediately. It returns nil
// when the window is full.
func (s *Sender) Queue(opcode model.Opcode, payload []byte) *OutgoingMessage {
	if !s.CanSend() {
		s.logger.Warn("reliable: send window full, dropping message")
		return nil
	}
	m := &OutgoingMessage{
		ID:      s.nextID,
		Opcode:  opcode,
		Payload: payload,
	}
	s.nextID++
	s.inFlight = append(s.inFlight, m)
	return m
}

// Ack retires the message with the given identifier from the in-flight
// queue, and bumps the fast-retransmission counter of the messages
// that were sent before it. It returns whether a message was retired.
func (s *Sender) Ack(acked model.PacketID) bool {
	sort.Slice(s.inFlight, func(i, j int) bool {
		return s.inFlight[i].ID < s.inFlight[j].ID
	})
	for i, m := range s.inFlight {
		if acked > m.ID {
			m.higherACKs++
			continue
		}
		if acked == m.ID {
			s.inFlight = append(s.inFlight[:i], s.inFlight[i+1:]...)
			return true
		}
	}
	return false
}

// Unacked returns how many messages are still awaiting an ACK.
func (s *Sender) Unacked() int {
	return len(s.inFlight)
}

// PushACK appends an identifier to the queue of ACKs we owe the peer.
func (s *Sender) PushACK(id model.PacketID) {
	s.pendingACKs = append(s.pendingACKs, id)
}

// HasPendingACKs reports whether we owe the peer any ACK.
func (s *Sender) HasPendingACKs() bool {
	return len(s.pendingACKs) > 0
}

// NextACKList drains up to [MaxACKList] pending ACK identifiers.
func (s *Sender) NextACKList() []model.PacketID {
	n := len(s.pendingACKs)
	if n > MaxACKList {
		n = MaxACKList
	}
	next := make([]model.PacketID, n)
	copy(next, s.pendingACKs[:n])
	s.pendingACKs = s.pendingACKs[n:]
	return next
}

// ReadyToSend returns the messages due at the given moment and, for
// each, schedules the next retransmission.
func (s *Sender) ReadyToSend(t time.Time) []*OutgoingMessage {
	var due []*OutgoingMessage
	for _, m := range s.inFlight {
		if m.readyAt(t) {
			m.scheduleRetransmission(t, s.timeout)
			due = append(due, m)
		}
	}
	return due
}

// NearestDeadline returns the earliest retransmission deadline in the
// queue, or the zero time when the queue is empty.
func (s *Sender) NearestDeadline() time.Time {
	var nearest time.Time
	for _, m := range s.inFlight {
		if nearest.IsZero() || m.deadline.Before(nearest) {
			nearest = m.deadline
		}
	}
	return nearest
}
