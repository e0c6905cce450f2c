package tracex

import "testing"

func TestTracerCollectsEvents(t *testing.T) {
	tr := NewTracer()
	tr.OnStateChange(0, "C_WAIT_RESET_ACK")
	tr.OnHandshakeDone(0)

	events := tr.Trace()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].EventType != "state" || events[1].EventType != "handshake_done" {
		t.Fatalf("unexpected event types: %+v", events)
	}
	if events[0].TransactionID == "" {
		t.Fatal("missing transaction id")
	}
	if events[0].TransactionID != events[1].TransactionID {
		t.Fatal("transaction id changed mid-trace")
	}
}
