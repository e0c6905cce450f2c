package model

import (
	"bytes"
	"testing"
)

func TestComposeAndParseHeader(t *testing.T) {
	for _, op := range []Opcode{
		P_CONTROL_SOFT_RESET_V1,
		P_CONTROL_V1,
		P_ACK_V1,
		P_DATA_V1,
		P_CONTROL_HARD_RESET_CLIENT_V2,
		P_CONTROL_HARD_RESET_SERVER_V2,
		P_DATA_V2,
	} {
		for keyID := uint8(0); keyID < 8; keyID++ {
			gotOp, gotKid := ParseHeader(ComposeHeader(op, keyID))
			if gotOp != op || gotKid != keyID {
				t.Fatalf("round trip failed for %v/%d: got %v/%d", op, keyID, gotOp, gotKid)
			}
		}
	}
}

func TestClientHardResetHeaderByte(t *testing.T) {
	// the canonical first byte of a session: opcode 7, key id 0
	if got := ComposeHeader(P_CONTROL_HARD_RESET_CLIENT_V2, 0); got != 0x38 {
		t.Fatalf("header byte = %#x, want 0x38", got)
	}
}

func TestComposeHeader32(t *testing.T) {
	got := ComposeHeader32(P_DATA_V2, 1, PeerID(0x000102))
	want := []byte{0x49, 0x00, 0x01, 0x02}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestHeadSize(t *testing.T) {
	if got := HeadSize(ComposeHeader(P_DATA_V2, 0)); got != 4 {
		t.Fatalf("DATA_V2 head size = %d", got)
	}
	if got := HeadSize(ComposeHeader(P_DATA_V1, 0)); got != 1 {
		t.Fatalf("DATA_V1 head size = %d", got)
	}
	if got := HeadSize(ComposeHeader(P_CONTROL_V1, 0)); got != 1 {
		t.Fatalf("CONTROL_V1 head size = %d", got)
	}
}

func TestOpcodeClasses(t *testing.T) {
	for _, op := range []Opcode{P_DATA_V1, P_DATA_V2} {
		if !op.IsData() || op.IsControl() {
			t.Fatalf("%v misclassified", op)
		}
	}
	for _, op := range []Opcode{
		P_CONTROL_SOFT_RESET_V1,
		P_CONTROL_V1,
		P_CONTROL_HARD_RESET_CLIENT_V2,
		P_CONTROL_HARD_RESET_SERVER_V2,
	} {
		if !op.IsControl() || op.IsData() {
			t.Fatalf("%v misclassified", op)
		}
	}
	// ACK is neither control-with-payload nor data
	if P_ACK_V1.IsControl() || P_ACK_V1.IsData() {
		t.Fatal("P_ACK_V1 misclassified")
	}
}
