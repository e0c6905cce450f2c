package reliable

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/protovpn/protovpn/internal/model"
	"github.com/protovpn/protovpn/internal/vpntest"
)

func newTestSender() *Sender {
	return NewSender(vpntest.Logger(), DefaultWindow, 2*time.Second)
}

func TestSenderAssignsSequentialIDs(t *testing.T) {
	s := newTestSender()
	for i := 0; i < 3; i++ {
		m := s.Queue(model.P_CONTROL_V1, []byte("payload"))
		if m == nil {
			t.Fatal("queue refused message below window")
		}
		if m.ID != model.PacketID(i) {
			t.Fatalf("message id = %d, want %d", m.ID, i)
		}
	}
}

func TestSenderWindowIsBounded(t *testing.T) {
	logger := &vpntest.RecordingLogger{}
	s := NewSender(logger, DefaultWindow, 2*time.Second)
	for i := 0; i < DefaultWindow; i++ {
		if s.Queue(model.P_CONTROL_V1, nil) == nil {
			t.Fatal("queue refused message below window")
		}
	}
	if s.Queue(model.P_CONTROL_V1, nil) != nil {
		t.Fatal("queue accepted message beyond window")
	}
	if len(logger.Lines) == 0 {
		t.Fatal("window overflow not logged")
	}
}

func TestSenderRetransmitsUntilAcked(t *testing.T) {
	s := newTestSender()
	now := time.Unix(1700000000, 0)
	m := s.Queue(model.P_CONTROL_V1, []byte("x"))

	// due immediately
	due := s.ReadyToSend(now)
	if len(due) != 1 || due[0] != m {
		t.Fatalf("expected one message due, got %d", len(due))
	}

	// not due again before the timeout elapses
	if got := s.ReadyToSend(now.Add(time.Second)); len(got) != 0 {
		t.Fatalf("message due before deadline: %d", len(got))
	}

	// due again after the timeout, with exponential backoff
	if got := s.ReadyToSend(now.Add(3 * time.Second)); len(got) != 1 {
		t.Fatal("message not retransmitted after deadline")
	}

	// once ACKed, never again
	if !s.Ack(m.ID) {
		t.Fatal("ack did not retire the message")
	}
	if got := s.ReadyToSend(now.Add(time.Hour)); len(got) != 0 {
		t.Fatal("acked message still scheduled")
	}
	if s.Unacked() != 0 {
		t.Fatal("queue not empty after ack")
	}
}

func TestSenderACKCollation(t *testing.T) {
	s := newTestSender()
	for i := 1; i <= 6; i++ {
		s.PushACK(model.PacketID(i))
	}
	first := s.NextACKList()
	if diff := cmp.Diff([]model.PacketID{1, 2, 3, 4}, first); diff != "" {
		t.Fatalf("first ack list mismatch (-want +got):\n%s", diff)
	}
	second := s.NextACKList()
	if diff := cmp.Diff([]model.PacketID{5, 6}, second); diff != "" {
		t.Fatalf("second ack list mismatch (-want +got):\n%s", diff)
	}
	if s.HasPendingACKs() {
		t.Fatal("pending acks not drained")
	}
}

func TestReceiverReordersMessages(t *testing.T) {
	r := NewReceiver(vpntest.Logger(), DefaultWindow)

	// deliver 1 before 0: nothing is ready yet
	if flags := r.Receive(&IncomingMessage{ID: 1}); flags != InWindow|ACKToSender {
		t.Fatalf("flags = %v", flags)
	}
	if got := r.NextInOrder(); len(got) != 0 {
		t.Fatal("out-of-order message delivered early")
	}

	// now 0 arrives and both drain in order
	if flags := r.Receive(&IncomingMessage{ID: 0}); flags != InWindow|ACKToSender {
		t.Fatalf("flags = %v", flags)
	}
	got := r.NextInOrder()
	if len(got) != 2 || got[0].ID != 0 || got[1].ID != 1 {
		t.Fatalf("unexpected delivery order: %+v", got)
	}
}

func TestReceiverDuplicatesStillACK(t *testing.T) {
	r := NewReceiver(vpntest.Logger(), DefaultWindow)
	r.Receive(&IncomingMessage{ID: 0})
	r.NextInOrder()

	// replays below the window must still be ACKed or the peer deadlocks
	if flags := r.Receive(&IncomingMessage{ID: 0}); flags != ACKToSender {
		t.Fatalf("flags = %v, want ACKToSender", flags)
	}

	// a duplicate still inside the window also ACKs but is not stored twice
	r.Receive(&IncomingMessage{ID: 2})
	if flags := r.Receive(&IncomingMessage{ID: 2}); flags != ACKToSender {
		t.Fatalf("flags = %v, want ACKToSender", flags)
	}
}

func TestReceiverDropsBeyondWindow(t *testing.T) {
	logger := &vpntest.RecordingLogger{}
	r := NewReceiver(logger, DefaultWindow)
	if flags := r.Receive(&IncomingMessage{ID: model.PacketID(DefaultWindow)}); flags != 0 {
		t.Fatalf("flags = %v, want 0", flags)
	}
	if len(logger.Lines) == 0 {
		t.Fatal("beyond-window drop not logged")
	}
}
