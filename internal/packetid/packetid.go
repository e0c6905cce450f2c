// Package packetid implements the packet-ID machinery used for replay
// protection: a strictly monotonic send counter (with optional time
// epoch for the long form used by the control channel) and a receive
// window that accepts each identifier at most once.
package packetid

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/protovpn/protovpn/internal/bytesx"
	"github.com/protovpn/protovpn/internal/model"
)

// Mode selects the receive-window discipline.
type Mode int

const (
	// ModeUDP uses a sliding window of [WindowSize] identifiers,
	// accepting each (time, id) pair at most once.
	ModeUDP = Mode(iota)

	// ModeTCP requires identifiers to be strictly increasing, since
	// the stream transport cannot reorder.
	ModeTCP
)

// WindowSize is the number of identifiers tracked by the UDP-mode
// sliding window.
const WindowSize = 64

// wrapWarn is the send counter value past which the owning key should
// renegotiate before the 32-bit counter wraps to zero.
const wrapWarn = 0xFF000000

// ErrPacketIDWrap means the send counter is exhausted.
var ErrPacketIDWrap = errors.New("packetid: send counter wrapped")

// ID is a (time, id) pair. Time is zero in the short form used inside
// the data channel.
type ID struct {
	Time uint32
	ID   model.PacketID
}

// Valid returns true unless this is the all-zero identifier.
func (p ID) Valid() bool {
	return p.ID != 0 || p.Time != 0
}

// String implements fmt.Stringer
func (p ID) String() string {
	return fmt.Sprintf("[%d,%d]", p.Time, p.ID)
}

// Send is the strictly monotonic send-side counter.
// The zero value is ready to use.
type Send struct {
	id       model.PacketID
	longForm bool
}

// NewSend creates a send counter. Pass longForm=true for the control
// channel, where identifiers carry a time epoch.
func NewSend(longForm bool) *Send {
	return &Send{longForm: longForm}
}

// Next returns the next identifier and whether the counter is close
// enough to wrapping that the caller should schedule a renegotiation.
// It fails with [ErrPacketIDWrap] when the counter is exhausted.
func (s *Send) Next(now time.Time) (ID, bool, error) {
	if s.id == ^model.PacketID(0) {
		return ID{}, true, ErrPacketIDWrap
	}
	s.id++
	pid := ID{ID: s.id}
	if s.longForm {
		pid.Time = uint32(now.Unix())
	}
	return pid, s.id >= wrapWarn, nil
}

// Write appends the wire form of the given identifier to buf: 8 bytes
// (time then id) in long form, 4 bytes in short form.
func (s *Send) Write(buf *bytes.Buffer, pid ID) {
	if s.longForm {
		bytesx.WriteUint32(buf, pid.Time)
	}
	bytesx.WriteUint32(buf, uint32(pid.ID))
}

// ReadLong parses a long-form identifier from the buffer.
func ReadLong(buf *bytes.Buffer) (ID, error) {
	t, err := bytesx.ReadUint32(buf)
	if err != nil {
		return ID{}, err
	}
	id, err := bytesx.ReadUint32(buf)
	if err != nil {
		return ID{}, err
	}
	return ID{Time: t, ID: model.PacketID(id)}, nil
}

// Window is the receive-side replay filter. Construct with [NewWindow].
type Window struct {
	mode Mode

	// highest (time, id) accepted so far
	head ID

	// bitmask of the WindowSize identifiers at and below head;
	// bit 0 is head itself
	history uint64

	initialized bool
}

// NewWindow creates a replay window with the given mode.
func NewWindow(mode Mode) *Window {
	return &Window{mode: mode}
}

// TestAdd checks whether the given identifier is acceptable and, when
// commit is true, records it so that it cannot be accepted again. The
// test-only form (commit=false) lets the control channel defer the
// commitment until the packet has fully passed the reliability layer.
func (w *Window) TestAdd(pid ID, commit bool) bool {
	if !pid.Valid() {
		return false
	}
	switch w.mode {
	case ModeTCP:
		ok := !w.initialized || greaterThan(pid, w.head)
		if ok && commit {
			w.head = pid
			w.initialized = true
		}
		return ok
	default:
		return w.testAddUDP(pid, commit)
	}
}

func (w *Window) testAddUDP(pid ID, commit bool) bool {
	if !w.initialized {
		if commit {
			w.head = pid
			w.history = 1
			w.initialized = true
		}
		return true
	}
	if pid.Time > w.head.Time {
		// a new time epoch resets the window
		if commit {
			w.head = pid
			w.history = 1
		}
		return true
	}
	if pid.Time < w.head.Time {
		return false
	}
	if pid.ID > w.head.ID {
		if commit {
			delta := uint32(pid.ID - w.head.ID)
			if delta >= WindowSize {
				w.history = 0
			} else {
				w.history <<= delta
			}
			w.history |= 1
			w.head = pid
		}
		return true
	}
	delta := uint32(w.head.ID - pid.ID)
	if delta >= WindowSize {
		return false
	}
	if w.history&(1<<delta) != 0 {
		return false // replay
	}
	if commit {
		w.history |= 1 << delta
	}
	return true
}

func greaterThan(a, b ID) bool {
	if a.Time != b.Time {
		return a.Time > b.Time
	}
	return a.ID > b.ID
}
