package model

import "time"

// HandshakeTracer collects traces for a protocol handshake. A tracer can
// be optionally configured, and it will receive an event for every state
// transition and packet exchanged during negotiation.
type HandshakeTracer interface {
	// TimeNow allows to inject time for deterministic tests.
	TimeNow() time.Time

	// OnStateChange is called for each transition in the key-context
	// state machine.
	OnStateChange(keyID uint8, state string)

	// OnIncomingPacket is called when a control packet is received.
	OnIncomingPacket(opcode Opcode, id PacketID, payloadSize int)

	// OnOutgoingPacket is called when a control packet is about to be
	// sent, with the number of transmission attempts so far.
	OnOutgoingPacket(opcode Opcode, id PacketID, payloadSize int, retries int)

	// OnDroppedPacket is called whenever a packet is dropped (in/out).
	OnDroppedPacket(direction Direction, opcode Opcode, payloadSize int)

	// OnHandshakeDone is called when a key context reaches ACTIVE.
	OnHandshakeDone(keyID uint8)
}

// DummyTracer is a [HandshakeTracer] that does nothing.
type DummyTracer struct{}

var _ HandshakeTracer = &DummyTracer{}

// TimeNow implements HandshakeTracer.
func (DummyTracer) TimeNow() time.Time { return time.Now() }

// OnStateChange implements HandshakeTracer.
func (DummyTracer) OnStateChange(keyID uint8, state string) {}

// OnIncomingPacket implements HandshakeTracer.
func (DummyTracer) OnIncomingPacket(opcode Opcode, id PacketID, payloadSize int) {}

// OnOutgoingPacket implements HandshakeTracer.
func (DummyTracer) OnOutgoingPacket(opcode Opcode, id PacketID, payloadSize int, retries int) {}

// OnDroppedPacket implements HandshakeTracer.
func (DummyTracer) OnDroppedPacket(direction Direction, opcode Opcode, payloadSize int) {}

// OnHandshakeDone implements HandshakeTracer.
func (DummyTracer) OnHandshakeDone(keyID uint8) {}
