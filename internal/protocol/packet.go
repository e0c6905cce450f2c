package protocol

//
// Classification of incoming packets and the control-channel wire
// codec, including the optional tls-auth HMAC wrapping.
//

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/protovpn/protovpn/internal/bytesx"
	"github.com/protovpn/protovpn/internal/model"
	"github.com/protovpn/protovpn/internal/packetid"
)

// PacketType describes an incoming network packet: whether it is
// valid, whether it belongs to the control or the data channel, and
// which key context it routes to.
type PacketType struct {
	defined   bool
	control   bool
	secondary bool
	softReset bool
	opcode    model.Opcode
	keyID     uint8
	peerID    model.PeerID
}

// IsDefined reports whether the packet is valid for this context.
func (t PacketType) IsDefined() bool { return t.defined }

// IsControl reports whether the packet belongs to the control channel.
func (t PacketType) IsControl() bool { return t.defined && t.control }

// IsData reports whether the packet belongs to the data channel.
func (t PacketType) IsData() bool { return t.defined && !t.control }

// IsSoftReset reports whether the packet requests a renegotiation with
// the upcoming key ID.
func (t PacketType) IsSoftReset() bool {
	return t.defined && t.control && t.secondary && t.softReset
}

// PeerID returns the peer ID carried by a DATA_V2 header,
// [model.PeerIDUndef] otherwise.
func (t PacketType) PeerID() model.PeerID { return t.peerID }

// Opcode returns the packet opcode.
func (t PacketType) Opcode() model.Opcode { return t.opcode }

// PacketType classifies an incoming buffer before any cryptographic
// work. Unrecognized opcodes, resets addressed to the wrong side, and
// short DATA_V2 packets yield an undefined type.
func (c *Context) PacketType(buf []byte) PacketType {
	t := PacketType{peerID: model.PeerIDUndef}
	if len(buf) == 0 {
		return t
	}
	opcode, kid := model.ParseHeader(buf[0])
	t.keyID = kid

	switch opcode {
	case model.P_CONTROL_SOFT_RESET_V1, model.P_CONTROL_V1, model.P_ACK_V1:
		t.control = true
	case model.P_DATA_V2:
		if len(buf) < 4 {
			return t
		}
		opi := model.PeerID(buf[1])<<16 | model.PeerID(buf[2])<<8 | model.PeerID(buf[3])
		if opi != model.PeerIDUndef {
			t.peerID = opi
		}
	case model.P_DATA_V1:
	case model.P_CONTROL_HARD_RESET_CLIENT_V2:
		if !c.mode.IsServer() {
			return t
		}
		t.control = true
	case model.P_CONTROL_HARD_RESET_SERVER_V2:
		if c.mode.IsServer() {
			return t
		}
		t.control = true
	default:
		return t
	}
	t.opcode = opcode

	switch {
	case c.primary != nil && kid == c.primary.keyID:
		t.defined = true
	case c.secondary != nil && kid == c.secondary.keyID:
		t.defined = true
		t.secondary = true
	case opcode == model.P_CONTROL_SOFT_RESET_V1 && kid == c.upcomingKeyID:
		t.defined = true
		t.secondary = true
		t.softReset = true
	}
	return t
}

// controlPacket is a decoded control-channel PDU.
type controlPacket struct {
	opcode  model.Opcode
	keyID   uint8
	srcPSID model.SessionID
	acks    []model.PacketID
	msgID   model.PacketID
	payload []byte

	// replayID is the tls-auth packet ID, zero when tls-auth is off.
	replayID packetid.ID

	// replayOK says the packet passed the replay check (always true
	// when tls-auth is off).
	replayOK bool
}

var errEncodePacket = errors.New("protocol: cannot encode packet")

// encodeControlPacket serializes an outgoing control or ACK packet,
// wrapping it with the tls-auth HMAC when enabled. Layout:
//
//	[op] [src_psid] [hmac]? [packet_id_long]? [ack_count] [ack_ids...]
//	[dest_psid if acks] [msg_id unless ACK] [payload]
//
// The HMAC covers the whole datagram with the HMAC field itself
// excluded.
func (c *Context) encodeControlPacket(op model.Opcode, keyID uint8,
	acks []model.PacketID, hasMsgID bool, msgID model.PacketID, payload []byte) ([]byte, error) {
	head := &bytes.Buffer{}
	head.WriteByte(model.ComposeHeader(op, keyID))
	head.Write(c.psidSelf[:])

	tail := &bytes.Buffer{}
	if c.tlsAuth != nil {
		pid, _, err := c.taPIDSend.Next(c.now)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errEncodePacket, err)
		}
		c.taPIDSend.Write(tail, pid)
	}
	if len(acks) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: too many ACKs", errEncodePacket)
	}
	tail.WriteByte(byte(len(acks)))
	for _, ack := range acks {
		bytesx.WriteUint32(tail, uint32(ack))
	}
	if len(acks) > 0 {
		if c.psidPeer.IsNone() {
			c.stats.Error(model.ErrCC)
			return nil, fmt.Errorf("%w: peer psid undefined", errEncodePacket)
		}
		peer := c.psidPeer.Unwrap()
		tail.Write(peer[:])
	}
	if hasMsgID {
		bytesx.WriteUint32(tail, uint32(msgID))
	}
	tail.Write(payload)

	out := &bytes.Buffer{}
	out.Write(head.Bytes())
	if c.tlsAuth != nil {
		out.Write(c.tlsAuth.Gen(head.Bytes(), tail.Bytes()))
	}
	out.Write(tail.Bytes())
	return out.Bytes(), nil
}

// decodeControlPacket runs the §-by-§ incoming pipeline: strip the op
// byte, read the source PSID, verify the HMAC, verify or learn the
// peer PSID, check the replay window, and parse ACK list, destination
// PSID and message ID. It returns nil when the packet must be dropped;
// counting and possible invalidation have happened by then.
func (c *Context) decodeControlPacket(raw []byte) *controlPacket {
	headLen := 1 + len(model.SessionID{})
	if len(raw) < headLen {
		c.countError(model.ErrBuffer)
		return nil
	}
	opcode, keyID := model.ParseHeader(raw[0])
	cp := &controlPacket{opcode: opcode, keyID: keyID, replayOK: true}
	copy(cp.srcPSID[:], raw[1:headLen])

	tail := raw[headLen:]
	if c.tlsAuth != nil {
		hs := c.tlsAuth.Size()
		if len(tail) < hs {
			c.countError(model.ErrBuffer)
			return nil
		}
		mac := tail[:hs]
		tail = tail[hs:]
		if !c.tlsAuth.Compare(mac, raw[:headLen], tail) {
			c.countError(model.ErrHMAC)
			return nil
		}
	}

	// verify source PSID, or learn it on the first authenticated packet
	if !c.psidPeer.IsNone() {
		if c.psidPeer.Unwrap() != cp.srcPSID {
			c.countError(model.ErrCC)
			return nil
		}
	} else {
		c.learnPeerPSID(cp.srcPSID)
	}

	buf := bytes.NewBuffer(tail)
	if c.tlsAuth != nil {
		pid, err := packetid.ReadLong(buf)
		if err != nil {
			c.countError(model.ErrBuffer)
			return nil
		}
		cp.replayID = pid
		cp.replayOK = c.taPIDRecv.TestAdd(pid, false)
		if !cp.replayOK {
			c.stats.Error(model.ErrReplay)
		}
	}

	ackLen, err := buf.ReadByte()
	if err != nil {
		c.countError(model.ErrBuffer)
		return nil
	}
	cp.acks = make([]model.PacketID, 0, ackLen)
	for i := 0; i < int(ackLen); i++ {
		val, err := bytesx.ReadUint32(buf)
		if err != nil {
			c.countError(model.ErrBuffer)
			return nil
		}
		cp.acks = append(cp.acks, model.PacketID(val))
	}
	if ackLen > 0 {
		// the destination PSID must be our own
		var dest model.SessionID
		if _, err := io.ReadFull(buf, dest[:]); err != nil {
			c.countError(model.ErrBuffer)
			return nil
		}
		if dest != c.psidSelf {
			c.countError(model.ErrCC)
			return nil
		}
	}
	if opcode != model.P_ACK_V1 {
		val, err := bytesx.ReadUint32(buf)
		if err != nil {
			c.countError(model.ErrBuffer)
			return nil
		}
		cp.msgID = model.PacketID(val)
	}
	cp.payload = buf.Bytes()
	return cp
}

// PreValidateInitialReset cheaply checks whether a packet looks like a
// genuine initial hard reset from a yet-unknown peer: the expected
// reset opcode with key ID 0, and a valid tls-auth HMAC when enabled.
// Servers use it to discard floods before allocating any state.
func (c *Context) PreValidateInitialReset(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	op, kid := model.ParseHeader(buf[0])
	expected := model.P_CONTROL_HARD_RESET_SERVER_V2
	if c.mode.IsServer() {
		expected = model.P_CONTROL_HARD_RESET_CLIENT_V2
	}
	if op != expected || kid != 0 {
		return false
	}
	return c.preValidate(buf)
}

// countError records a transient error, which becomes fatal on stream
// transports because the stream cannot resynchronize.
func (c *Context) countError(kind model.ErrorKind) {
	c.stats.Error(kind)
	if c.isTCP() {
		c.Disconnect(kind)
	}
}
