package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/protovpn/protovpn/internal/model"
)

func TestPacketTypeClassification(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	client := makePeer(t, model.ModeClient, clk, peerOptions{
		proto:  model.ProtoUDP,
		cipher: "AES-256-GCM",
		auth:   "SHA1",
	})

	tests := []struct {
		name        string
		buf         []byte
		wantDefined bool
		wantControl bool
		wantSoft    bool
	}{
		{"empty", nil, false, false, false},
		{
			"server reset for primary",
			[]byte{model.ComposeHeader(model.P_CONTROL_HARD_RESET_SERVER_V2, 0), 1, 2},
			true, true, false,
		},
		{
			"client rejects client reset",
			[]byte{model.ComposeHeader(model.P_CONTROL_HARD_RESET_CLIENT_V2, 0), 1, 2},
			false, false, false,
		},
		{
			"data for primary",
			[]byte{model.ComposeHeader(model.P_DATA_V1, 0), 1, 2, 3},
			true, false, false,
		},
		{
			"short DATA_V2 dropped",
			[]byte{model.ComposeHeader(model.P_DATA_V2, 0), 0x00},
			false, false, false,
		},
		{
			"soft reset with upcoming key id",
			[]byte{model.ComposeHeader(model.P_CONTROL_SOFT_RESET_V1, 1), 1, 2},
			true, true, true,
		},
		{
			"unknown key id",
			[]byte{model.ComposeHeader(model.P_CONTROL_V1, 5), 1, 2},
			false, false, false,
		},
		{
			"unrecognized opcode",
			[]byte{0xff, 1, 2},
			false, false, false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := client.ctx.PacketType(tt.buf)
			if got.IsDefined() != tt.wantDefined {
				t.Fatalf("defined = %v, want %v", got.IsDefined(), tt.wantDefined)
			}
			if got.IsControl() != tt.wantControl {
				t.Fatalf("control = %v, want %v", got.IsControl(), tt.wantControl)
			}
			if got.IsSoftReset() != tt.wantSoft {
				t.Fatalf("soft reset = %v, want %v", got.IsSoftReset(), tt.wantSoft)
			}
		})
	}
}

func TestPacketTypeParsesPeerID(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	client := makePeer(t, model.ModeClient, clk, peerOptions{
		proto:  model.ProtoUDP,
		cipher: "AES-256-GCM",
		auth:   "SHA1",
	})
	buf := append(model.ComposeHeader32(model.P_DATA_V2, 0, 0x0a0b0c), 0xde, 0xad)
	got := client.ctx.PacketType(buf)
	if !got.IsData() {
		t.Fatal("DATA_V2 not classified as data")
	}
	if got.PeerID() != 0x0a0b0c {
		t.Fatalf("peer id = %#x", got.PeerID())
	}

	// the all-ones peer id means undefined
	buf = append(model.ComposeHeader32(model.P_DATA_V2, 0, model.PeerIDUndef), 0xde, 0xad)
	if got := client.ctx.PacketType(buf); got.PeerID() != model.PeerIDUndef {
		t.Fatalf("peer id = %#x, want undefined", got.PeerID())
	}
}

func TestControlPacketCodecRoundTrip(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	po := peerOptions{
		proto:   model.ProtoUDP,
		cipher:  "AES-256-GCM",
		auth:    "SHA1",
		tlsAuth: true,
	}
	sender := makePeer(t, model.ModeClient, clk, po)
	receiver := makePeer(t, model.ModeServer, clk, po)

	// the receiver learns the sender's PSID from the first packet;
	// the sender must know the receiver's to emit ACKs
	sender.ctx.learnPeerPSID(receiver.ctx.LocalSessionID())

	payload := []byte("tls record bytes")
	acks := []model.PacketID{7, 9}
	wire, err := sender.ctx.encodeControlPacket(model.P_CONTROL_V1, 0, acks, true, 42, payload)
	if err != nil {
		t.Fatal(err)
	}

	// receiver side: destination PSID must match its own
	cp := receiver.ctx.decodeControlPacket(wire)
	if cp == nil {
		t.Fatal("decode failed")
	}
	if cp.opcode != model.P_CONTROL_V1 || cp.keyID != 0 {
		t.Fatalf("opcode/keyid = %v/%d", cp.opcode, cp.keyID)
	}
	if cp.msgID != 42 {
		t.Fatalf("msg id = %d", cp.msgID)
	}
	if len(cp.acks) != 2 || cp.acks[0] != 7 || cp.acks[1] != 9 {
		t.Fatalf("acks = %v", cp.acks)
	}
	if !bytes.Equal(cp.payload, payload) {
		t.Fatalf("payload = %x", cp.payload)
	}
	if !cp.replayOK {
		t.Fatal("fresh packet flagged as replay")
	}
}

func TestDecodeRejectsWrongDestPSID(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	po := peerOptions{proto: model.ProtoUDP, cipher: "AES-256-GCM", auth: "SHA1"}
	sender := makePeer(t, model.ModeClient, clk, po)
	receiver := makePeer(t, model.ModeServer, clk, po)

	// the sender believes the receiver has a different PSID
	sender.ctx.learnPeerPSID(model.SessionID{1, 2, 3, 4, 5, 6, 7, 8})
	wire, err := sender.ctx.encodeControlPacket(model.P_ACK_V1, 0, []model.PacketID{1}, false, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cp := receiver.ctx.decodeControlPacket(wire); cp != nil {
		t.Fatal("packet with wrong destination PSID accepted")
	}
	if receiver.stats.Count(model.ErrCC) == 0 {
		t.Fatal("CC error not counted")
	}
}

func TestDecodeRejectsChangedPeerPSID(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	po := peerOptions{proto: model.ProtoUDP, cipher: "AES-256-GCM", auth: "SHA1"}
	sender := makePeer(t, model.ModeClient, clk, po)
	receiver := makePeer(t, model.ModeServer, clk, po)

	wire, err := sender.ctx.encodeControlPacket(model.P_CONTROL_V1, 0, nil, true, 0, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if cp := receiver.ctx.decodeControlPacket(wire); cp == nil {
		t.Fatal("first packet rejected")
	}

	// a different source PSID is a hard error once one is learned
	other := makePeer(t, model.ModeClient, clk, po)
	wire2, err := other.ctx.encodeControlPacket(model.P_CONTROL_V1, 0, nil, true, 0, []byte("y"))
	if err != nil {
		t.Fatal(err)
	}
	if cp := receiver.ctx.decodeControlPacket(wire2); cp != nil {
		t.Fatal("packet with changed source PSID accepted")
	}
	if receiver.stats.Count(model.ErrCC) == 0 {
		t.Fatal("CC error not counted")
	}
}
