package tlsauth

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/protovpn/protovpn/internal/keymat"
)

func makeStaticKeyText() string {
	var b strings.Builder
	b.WriteString("-----BEGIN OpenVPN Static key V1-----\n")
	raw := make([]byte, keymat.KeySize)
	for i := range raw {
		raw[i] = byte(i)
	}
	enc := hex.EncodeToString(raw)
	for i := 0; i < len(enc); i += 32 {
		b.WriteString(enc[i:i+32] + "\n")
	}
	b.WriteString("-----END OpenVPN Static key V1-----\n")
	return b.String()
}

func makePeers(t *testing.T) (*Instance, *Instance) {
	t.Helper()
	key, err := keymat.ParseStaticKey(makeStaticKeyText())
	if err != nil {
		t.Fatal(err)
	}
	// key-direction 0 on one side pairs with key-direction 1 on the other
	client, err := New(key, "sha1", keymat.DirectionInverse)
	if err != nil {
		t.Fatal(err)
	}
	server, err := New(key, "sha1", keymat.DirectionNormal)
	if err != nil {
		t.Fatal(err)
	}
	return client, server
}

func TestHMACVerifiesAcrossPeers(t *testing.T) {
	client, server := makePeers(t)
	head := []byte{0x38, 1, 2, 3, 4, 5, 6, 7, 8}
	tail := []byte("packet-id|acks|payload")

	mac := client.Gen(head, tail)
	if len(mac) != client.Size() {
		t.Fatalf("mac size = %d, want %d", len(mac), client.Size())
	}
	if !server.Compare(mac, head, tail) {
		t.Fatal("server cannot verify client mac")
	}

	mac = server.Gen(head, tail)
	if !client.Compare(mac, head, tail) {
		t.Fatal("client cannot verify server mac")
	}
}

func TestHMACDetectsCorruption(t *testing.T) {
	client, server := makePeers(t)
	head := []byte{0x38, 1, 2, 3, 4, 5, 6, 7, 8}
	tail := []byte("payload")
	mac := client.Gen(head, tail)

	tampered := append([]byte{}, tail...)
	tampered[0] ^= 0xff
	if server.Compare(mac, head, tampered) {
		t.Fatal("corrupted tail accepted")
	}
}

func TestBidirectionalModeSharesOneSlot(t *testing.T) {
	key, err := keymat.ParseStaticKey(makeStaticKeyText())
	if err != nil {
		t.Fatal(err)
	}
	a, err := New(key, "sha256", keymat.DirectionBidirectional)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(key, "sha256", keymat.DirectionBidirectional)
	if err != nil {
		t.Fatal(err)
	}
	head, tail := []byte{1}, []byte{2}
	if !b.Compare(a.Gen(head, tail), head, tail) {
		t.Fatal("bidirectional peers cannot verify each other")
	}
}

func TestUnknownDigestIsRejected(t *testing.T) {
	key := &keymat.Key{}
	if _, err := New(key, "whirlpool", keymat.DirectionNormal); err == nil {
		t.Fatal("expected an error for an unknown digest")
	}
}
