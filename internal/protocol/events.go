package protocol

// eventType enumerates the scheduled events of a key context. Each
// context has at most one pending event at any time.
//
// The very first key created (key_id == 0) is a primary key.
// Subsequently created keys are always, at least initially, secondary
// keys. Secondary keys promote to primary via kevBecomePrimary, which
// actually swaps the primary and secondary keys, so the old primary is
// demoted to secondary and marked for expiration.
type eventType int

const (
	kevNone = eventType(iota)

	// kevActive fires once when the context reaches ACTIVE, on both
	// primary and secondary.
	kevActive

	// kevNegotiate is the negotiation watchdog. On the first primary
	// (key_id == 0) it is fatal to the session; on a secondary it
	// triggers a new soft renegotiation.
	kevNegotiate

	// kevBecomePrimary is when a secondary is scheduled to swap into
	// the primary slot.
	kevBecomePrimary

	// kevPrimaryPending waits for a dataflow condition on the
	// secondary (first decrypted peer packet) before arming
	// kevBecomePrimary.
	kevPrimaryPending

	// kevRenegotiate starts renegotiating a new key context
	// (ignored unless originating on the primary).
	kevRenegotiate

	// kevRenegotiateForce triggers a renegotiation originating from
	// either primary or secondary.
	kevRenegotiateForce

	// kevRenegotiateQueue queues a delayed renegotiation request from
	// the secondary, to take effect after kevBecomePrimary.
	kevRenegotiateQueue

	// kevExpire is the expiration of the key context.
	kevExpire
)

// String returns the event name.
func (e eventType) String() string {
	switch e {
	case kevNone:
		return "KEV_NONE"
	case kevActive:
		return "KEV_ACTIVE"
	case kevNegotiate:
		return "KEV_NEGOTIATE"
	case kevBecomePrimary:
		return "KEV_BECOME_PRIMARY"
	case kevPrimaryPending:
		return "KEV_PRIMARY_PENDING"
	case kevRenegotiate:
		return "KEV_RENEGOTIATE"
	case kevRenegotiateForce:
		return "KEV_RENEGOTIATE_FORCE"
	case kevRenegotiateQueue:
		return "KEV_RENEGOTIATE_QUEUE"
	case kevExpire:
		return "KEV_EXPIRE"
	default:
		return "KEV_?"
	}
}
