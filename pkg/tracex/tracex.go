// Package tracex implements a handshake tracer that can be passed to
// the protocol engine to observe handshake events.
package tracex

import (
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/protovpn/protovpn/internal/model"
)

// EventType indicates which event we logged.
type EventType int

const (
	// EventStateChange marks a transition in the key-context state
	// machine.
	EventStateChange = EventType(iota)

	// EventPacketIn marks a received control packet.
	EventPacketIn

	// EventPacketOut marks a transmitted control packet.
	EventPacketOut

	// EventPacketDropped marks a dropped packet.
	EventPacketDropped

	// EventHandshakeDone marks a completed negotiation.
	EventHandshakeDone
)

var _ fmt.Stringer = EventType(0)

// String implements fmt.Stringer
func (e EventType) String() string {
	switch e {
	case EventStateChange:
		return "state"
	case EventPacketIn:
		return "packet_in"
	case EventPacketOut:
		return "packet_out"
	case EventPacketDropped:
		return "packet_dropped"
	case EventHandshakeDone:
		return "handshake_done"
	default:
		return "unknown"
	}
}

// Event is one annotated handshake event.
type Event struct {
	// EventType is the type for this event.
	EventType string `json:"operation"`

	// KeyID is the key generation the event belongs to, where it applies.
	KeyID uint8 `json:"key_id"`

	// AtTime is the time for this event, relative to the start time.
	AtTime float64 `json:"t"`

	// Tags carries extra context, like the packet opcode.
	Tags []string `json:"tags"`

	// TransactionID identifies one tracer lifetime.
	TransactionID string `json:"transaction_id"`
}

// Tracer implements [model.HandshakeTracer].
type Tracer struct {
	mu     sync.Mutex
	events []*Event
	zeroAt time.Time
	txid   string
}

var _ model.HandshakeTracer = &Tracer{}

// NewTracer returns a [Tracer] with time zero set to now.
func NewTracer() *Tracer {
	return &Tracer{
		zeroAt: time.Now(),
		txid:   uuid.NewString(),
	}
}

func (t *Tracer) emit(etype EventType, keyID uint8, tags ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &Event{
		EventType:     etype.String(),
		KeyID:         keyID,
		AtTime:        time.Since(t.zeroAt).Seconds(),
		Tags:          tags,
		TransactionID: t.txid,
	}
	t.events = append(t.events, e)
	log.Debugf("tracex: %s key=%d %v", e.EventType, keyID, tags)
}

// TimeNow implements model.HandshakeTracer.
func (t *Tracer) TimeNow() time.Time { return time.Now() }

// OnStateChange implements model.HandshakeTracer.
func (t *Tracer) OnStateChange(keyID uint8, state string) {
	t.emit(EventStateChange, keyID, state)
}

// OnIncomingPacket implements model.HandshakeTracer.
func (t *Tracer) OnIncomingPacket(opcode model.Opcode, id model.PacketID, payloadSize int) {
	t.emit(EventPacketIn, 0, opcode.String(), fmt.Sprintf("id=%d", id), fmt.Sprintf("size=%d", payloadSize))
}

// OnOutgoingPacket implements model.HandshakeTracer.
func (t *Tracer) OnOutgoingPacket(opcode model.Opcode, id model.PacketID, payloadSize int, retries int) {
	t.emit(EventPacketOut, 0, opcode.String(), fmt.Sprintf("id=%d", id), fmt.Sprintf("attempt=%d", retries))
}

// OnDroppedPacket implements model.HandshakeTracer.
func (t *Tracer) OnDroppedPacket(direction model.Direction, opcode model.Opcode, payloadSize int) {
	t.emit(EventPacketDropped, 0, direction.String(), opcode.String())
}

// OnHandshakeDone implements model.HandshakeTracer.
func (t *Tracer) OnHandshakeDone(keyID uint8) {
	t.emit(EventHandshakeDone, keyID)
}

// Trace returns the collected events.
func (t *Tracer) Trace() []*Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Event, len(t.events))
	copy(out, t.events)
	return out
}
