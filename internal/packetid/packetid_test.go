package packetid

import (
	"testing"
	"time"

	"github.com/protovpn/protovpn/internal/model"
)

func TestSendIsStrictlyMonotonic(t *testing.T) {
	s := NewSend(false)
	var last model.PacketID
	for i := 0; i < 100; i++ {
		pid, warn, err := s.Next(time.Now())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if warn {
			t.Fatal("unexpected wrap warning")
		}
		if pid.ID <= last {
			t.Fatalf("counter not monotonic: %d after %d", pid.ID, last)
		}
		last = pid.ID
	}
}

func TestSendLongFormCarriesTime(t *testing.T) {
	s := NewSend(true)
	now := time.Unix(1700000000, 0)
	pid, _, err := s.Next(now)
	if err != nil {
		t.Fatal(err)
	}
	if pid.Time != uint32(now.Unix()) {
		t.Errorf("time = %d, want %d", pid.Time, now.Unix())
	}
}

func TestWindowUDPBoundaries(t *testing.T) {
	w := NewWindow(ModeUDP)
	const epoch = 1700000000

	add := func(id model.PacketID) bool {
		return w.TestAdd(ID{Time: epoch, ID: id}, true)
	}

	if !add(100) {
		t.Fatal("fresh id 100 rejected")
	}
	if add(100) {
		t.Fatal("replayed id 100 accepted")
	}
	if !add(101) {
		t.Fatal("id 101 rejected")
	}
	// with a window of 64, 101-63 is the last acceptable id
	if !add(101 - 63) {
		t.Fatal("id at window edge rejected")
	}
	if add(101 - 64) {
		t.Fatal("id beyond window accepted")
	}
}

func TestWindowUDPNewEpochResets(t *testing.T) {
	w := NewWindow(ModeUDP)
	if !w.TestAdd(ID{Time: 10, ID: 5}, true) {
		t.Fatal("first id rejected")
	}
	// same pair again: replay
	if w.TestAdd(ID{Time: 10, ID: 5}, true) {
		t.Fatal("replayed (time,id) accepted")
	}
	// same counter in a newer epoch is a different identifier
	if !w.TestAdd(ID{Time: 11, ID: 5}, true) {
		t.Fatal("id in new epoch rejected")
	}
	// older epoch is gone for good
	if w.TestAdd(ID{Time: 10, ID: 6}, true) {
		t.Fatal("id in stale epoch accepted")
	}
}

func TestWindowTCPStrictlyIncreasing(t *testing.T) {
	w := NewWindow(ModeTCP)
	if !w.TestAdd(ID{ID: 1}, true) {
		t.Fatal("id 1 rejected")
	}
	if !w.TestAdd(ID{ID: 2}, true) {
		t.Fatal("id 2 rejected")
	}
	if w.TestAdd(ID{ID: 2}, true) {
		t.Fatal("duplicate id accepted in TCP mode")
	}
	if w.TestAdd(ID{ID: 1}, true) {
		t.Fatal("reordered id accepted in TCP mode")
	}
}

func TestWindowTestWithoutCommit(t *testing.T) {
	w := NewWindow(ModeUDP)
	pid := ID{Time: 1, ID: 7}
	if !w.TestAdd(pid, false) {
		t.Fatal("test-only rejected fresh id")
	}
	// not committed: still acceptable
	if !w.TestAdd(pid, true) {
		t.Fatal("commit after test rejected")
	}
	if w.TestAdd(pid, false) {
		t.Fatal("test-only accepted committed id")
	}
}
