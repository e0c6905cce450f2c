package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/protovpn/protovpn/internal/model"
	"github.com/protovpn/protovpn/pkg/config"
)

func TestClientServerHandshakeUDP(t *testing.T) {
	client, server, _ := handshake(t, peerOptions{
		proto:  model.ProtoUDP,
		cipher: "BF-CBC",
		auth:   "SHA1",
	})

	if !client.ctx.DataChannelReady() {
		t.Fatal("client did not reach ACTIVE")
	}
	if !server.ctx.DataChannelReady() {
		t.Fatal("server did not reach ACTIVE")
	}
	if !client.host.active || !server.host.active {
		t.Fatal("active callback not invoked on both sides")
	}
	if server.host.serverUsername != "user" || server.host.serverPassword != "pass" {
		t.Fatalf("server did not receive credentials: %q/%q",
			server.host.serverUsername, server.host.serverPassword)
	}
	if server.host.serverPeerInfo == "" {
		t.Fatal("server did not receive peer info")
	}

	// a 100-byte ping round-trips in both directions
	ping := bytes.Repeat([]byte{0x42}, 100)
	wire := client.ctx.DataEncrypt(append([]byte{}, ping...))
	if wire == nil {
		t.Fatal("client cannot encrypt")
	}
	pt := server.ctx.PacketType(wire)
	if !pt.IsData() {
		t.Fatal("encrypted packet not classified as data")
	}
	got := server.ctx.DataDecrypt(pt, wire)
	if !bytes.Equal(got, ping) {
		t.Fatalf("round trip mismatch: got %x", got)
	}

	back := server.ctx.DataEncrypt(append([]byte{}, ping...))
	pt = client.ctx.PacketType(back)
	if got := client.ctx.DataDecrypt(pt, back); !bytes.Equal(got, ping) {
		t.Fatal("reverse round trip failed")
	}
}

func TestHandshakeWithTLSAuth(t *testing.T) {
	client, server, _ := handshake(t, peerOptions{
		proto:   model.ProtoUDP,
		cipher:  "AES-256-GCM",
		auth:    "SHA1",
		tlsAuth: true,
	})
	if !client.ctx.DataChannelReady() || !server.ctx.DataChannelReady() {
		t.Fatal("handshake did not complete with tls-auth")
	}
}

func TestControlMessageRoundTrip(t *testing.T) {
	client, server, _ := handshake(t, peerOptions{
		proto:  model.ProtoUDP,
		cipher: "AES-256-GCM",
		auth:   "SHA1",
	})

	msg := append([]byte("PUSH_REQUEST"), 0x00)
	if err := client.ctx.ControlSend(msg); err != nil {
		t.Fatal(err)
	}
	pump(client, server)

	if len(server.host.appRecv) != 1 {
		t.Fatalf("server app messages = %d, want 1", len(server.host.appRecv))
	}
	if string(server.host.appRecv[0]) != "PUSH_REQUEST" {
		t.Fatalf("server received %q", server.host.appRecv[0])
	}
}

func TestControlReplayIsCountedAndACKed(t *testing.T) {
	client, server, _ := handshake(t, peerOptions{
		proto:   model.ProtoUDP,
		cipher:  "AES-256-GCM",
		auth:    "SHA1",
		tlsAuth: true,
	})

	if err := client.ctx.ControlSend(append([]byte("ping"), 0x00)); err != nil {
		t.Fatal(err)
	}
	packets := client.host.drain()
	if len(packets) == 0 {
		t.Fatal("no control packet emitted")
	}
	replayed := append([]byte{}, packets[0]...)

	// first delivery is processed normally
	server.feed(packets[0])
	pump(client, server)
	if len(server.host.appRecv) != 1 {
		t.Fatalf("server app messages = %d, want 1", len(server.host.appRecv))
	}
	before := server.stats.Count(model.ErrReplay)

	// re-injecting the same frame counts a replay and still answers
	// with an ACK, so the sender cannot deadlock
	server.host.drain()
	server.feed(replayed)
	if got := server.stats.Count(model.ErrReplay); got != before+1 {
		t.Fatalf("replay count = %d, want %d", got, before+1)
	}
	if len(server.host.outgoing) == 0 {
		t.Fatal("replayed packet did not trigger an ACK")
	}
	if len(server.host.appRecv) != 1 {
		t.Fatal("replayed message delivered twice")
	}
	if server.ctx.Invalidated() {
		t.Fatal("replay invalidated a datagram session")
	}
}

func TestStreamHMACFailureIsFatal(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	po := peerOptions{
		proto:   model.ProtoTCP,
		cipher:  "AES-256-GCM",
		auth:    "SHA1",
		tlsAuth: true,
	}
	client := makePeer(t, model.ModeClient, clk, po)
	server := makePeer(t, model.ModeServer, clk, po)
	if err := client.ctx.Start(); err != nil {
		t.Fatal(err)
	}
	packets := client.host.drain()
	if len(packets) == 0 {
		t.Fatal("no initial packet")
	}
	// corrupt one payload byte past the HMAC field
	corrupted := append([]byte{}, packets[0]...)
	corrupted[len(corrupted)-1] ^= 0xff
	server.feed(corrupted)

	if server.stats.Count(model.ErrHMAC) != 1 {
		t.Fatal("hmac error not counted")
	}
	if !server.ctx.Invalidated() {
		t.Fatal("corrupted stream did not invalidate the context")
	}
}

func TestDatagramHMACFailureIsCounted(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	po := peerOptions{
		proto:   model.ProtoUDP,
		cipher:  "AES-256-GCM",
		auth:    "SHA1",
		tlsAuth: true,
	}
	client := makePeer(t, model.ModeClient, clk, po)
	server := makePeer(t, model.ModeServer, clk, po)
	if err := client.ctx.Start(); err != nil {
		t.Fatal(err)
	}
	packets := client.host.drain()
	corrupted := append([]byte{}, packets[0]...)
	corrupted[len(corrupted)-1] ^= 0xff
	server.feed(corrupted)

	if server.stats.Count(model.ErrHMAC) != 1 {
		t.Fatal("hmac error not counted")
	}
	if server.ctx.Invalidated() {
		t.Fatal("datagram corruption must not invalidate the context")
	}
}

func TestSoftRekeyMidSession(t *testing.T) {
	client, server, clk := handshake(t, peerOptions{
		proto:     model.ProtoUDP,
		cipher:    "BF-CBC",
		auth:      "SHA1",
		renegSec:  10,
		keepalive: [2]int{8, 40},
	})
	ping := []byte("payload across the rekey boundary")

	// the renegotiation fires on the client at reneg-sec
	clk.advance(11 * time.Second)
	housekeep(client, server)
	if !client.ctx.HasSecondary() || !server.ctx.HasSecondary() {
		t.Fatal("secondary key contexts not created")
	}

	// data still flows on the old key while the secondary negotiates
	wire := client.ctx.DataEncrypt(append([]byte{}, ping...))
	pt := server.ctx.PacketType(wire)
	if got := server.ctx.DataDecrypt(pt, wire); !bytes.Equal(got, ping) {
		t.Fatal("data interrupted during rekey")
	}

	// the server promotes at become-primary (5s for bs64 ciphers)
	clk.advance(6 * time.Second)
	housekeep(client, server)
	if kid, _ := server.ctx.PrimaryKeyID(); kid != 1 {
		t.Fatalf("server primary key id = %d, want 1", kid)
	}

	// first server packet on the new key confirms it for the client
	wire = server.ctx.DataEncrypt(append([]byte{}, ping...))
	pt = client.ctx.PacketType(wire)
	if got := client.ctx.DataDecrypt(pt, wire); !bytes.Equal(got, ping) {
		t.Fatal("cannot decrypt on the new key")
	}
	clk.advance(2 * time.Second)
	housekeep(client, server)
	if kid, _ := client.ctx.PrimaryKeyID(); kid != 1 {
		t.Fatalf("client primary key id = %d, want 1", kid)
	}

	// data flows on the promoted key
	wire = client.ctx.DataEncrypt(append([]byte{}, ping...))
	pt = server.ctx.PacketType(wire)
	if got := server.ctx.DataDecrypt(pt, wire); !bytes.Equal(got, ping) {
		t.Fatal("data does not flow on the promoted key")
	}

	// the demoted key expires (20s after its construction) without
	// touching the session, before the promoted key renegotiates at
	// its own construction plus reneg-sec (21s)
	clk.advance(1500 * time.Millisecond)
	housekeep(client, server)
	if client.ctx.HasSecondary() {
		t.Fatal("demoted client key did not expire")
	}
	if client.ctx.Invalidated() {
		t.Fatal("expiration of the demoted key invalidated the session")
	}
}

func TestKeepaliveTimeout(t *testing.T) {
	client, _, clk := handshake(t, peerOptions{
		proto:     model.ProtoUDP,
		cipher:    "AES-256-GCM",
		auth:      "SHA1",
		keepalive: [2]int{8, 40},
	})

	clk.advance(41 * time.Second)
	client.ctx.Housekeeping()

	if !client.ctx.Invalidated() {
		t.Fatal("session did not time out")
	}
	if got := client.ctx.InvalidationReason(); got != model.ErrKeepaliveTimeout {
		t.Fatalf("invalidation reason = %v", got)
	}
	if client.stats.Count(model.ErrKeepaliveTimeout) == 0 {
		t.Fatal("keepalive timeout not counted")
	}
}

func TestKeepaliveSendAndDiscard(t *testing.T) {
	client, server, clk := handshake(t, peerOptions{
		proto:     model.ProtoUDP,
		cipher:    "AES-256-GCM",
		auth:      "SHA1",
		keepalive: [2]int{8, 40},
	})

	clk.advance(9 * time.Second)
	client.ctx.Housekeeping()
	packets := client.host.drain()
	if len(packets) == 0 {
		t.Fatal("no keepalive emitted after the ping interval")
	}
	pt := server.ctx.PacketType(packets[0])
	if !pt.IsData() {
		t.Fatal("keepalive is not a data packet")
	}
	// the marker is discarded after refreshing the liveness timer
	if got := server.ctx.DataDecrypt(pt, packets[0]); got != nil {
		t.Fatalf("keepalive not discarded: %x", got)
	}
}

func TestExplicitExitNotify(t *testing.T) {
	client, server, _ := handshake(t, peerOptions{
		proto:  model.ProtoUDP,
		cipher: "AES-256-GCM",
		auth:   "SHA1",
	})

	client.ctx.SendExplicitExitNotify()
	packets := client.host.drain()
	if len(packets) == 0 {
		t.Fatal("no exit-notify packet emitted")
	}
	pt := server.ctx.PacketType(packets[0])
	got := server.ctx.DataDecrypt(pt, packets[0])
	if !bytes.Equal(got, ExplicitExitNotifyMessage) {
		t.Fatalf("exit notify mismatch: %x", got)
	}
}

func TestServerPushCipherChange(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	client := makePeer(t, model.ModeClient, clk, peerOptions{
		proto:    model.ProtoUDP,
		cipher:   "BF-CBC",
		auth:     "SHA1",
		deferred: true,
	})
	server := makePeer(t, model.ModeServer, clk, peerOptions{
		proto:  model.ProtoUDP,
		cipher: "AES-256-GCM",
		auth:   "SHA1",
	})
	if err := client.ctx.Start(); err != nil {
		t.Fatal(err)
	}
	pump(client, server)
	if !client.ctx.DataChannelReady() || !server.ctx.DataChannelReady() {
		t.Fatal("handshake did not complete")
	}

	// with dc_deferred the client cannot encrypt until the push
	if wire := client.ctx.DataEncrypt([]byte("early")); wire != nil {
		t.Fatal("deferred client encrypted before the push")
	}

	push := config.PushedOptionsAsMap([]byte("PUSH_REPLY,cipher AES-256-GCM,peer-id 3"))
	if err := client.ctx.ProcessPush(push); err != nil {
		t.Fatal(err)
	}
	client.ctx.InitDataChannel()

	ping := []byte("after the push")
	wire := client.ctx.DataEncrypt(append([]byte{}, ping...))
	if wire == nil {
		t.Fatal("client cannot encrypt after the push")
	}
	// the pushed peer-id switches framing to DATA_V2
	if op, _ := model.ParseHeader(wire[0]); op != model.P_DATA_V2 {
		t.Fatalf("opcode = %v, want P_DATA_V2", op)
	}
	pt := server.ctx.PacketType(wire)
	if pt.PeerID() != 3 {
		t.Fatalf("peer id = %d, want 3", pt.PeerID())
	}
	if got := server.ctx.DataDecrypt(pt, wire); !bytes.Equal(got, ping) {
		t.Fatal("round trip failed after cipher change")
	}
}

func TestKeyIDWrapNeverReturnsToZero(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	client := makePeer(t, model.ModeClient, clk, peerOptions{
		proto:  model.ProtoUDP,
		cipher: "AES-256-GCM",
		auth:   "SHA1",
	})
	// Reset already consumed key id 0 for the primary
	want := []uint8{1, 2, 3, 4, 5, 6, 7, 1, 2, 3}
	for i, w := range want {
		if got := client.ctx.nextKeyID(); got != w {
			t.Fatalf("key id #%d = %d, want %d", i, got, w)
		}
	}
}

func TestPreValidateInitialReset(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	po := peerOptions{
		proto:   model.ProtoUDP,
		cipher:  "AES-256-GCM",
		auth:    "SHA1",
		tlsAuth: true,
	}
	client := makePeer(t, model.ModeClient, clk, po)
	server := makePeer(t, model.ModeServer, clk, po)
	if err := client.ctx.Start(); err != nil {
		t.Fatal(err)
	}
	packets := client.host.drain()
	if len(packets) == 0 {
		t.Fatal("no initial packet")
	}
	if !server.ctx.PreValidateInitialReset(packets[0]) {
		t.Fatal("genuine initial reset rejected")
	}

	corrupted := append([]byte{}, packets[0]...)
	corrupted[len(corrupted)-1] ^= 0xff
	if server.ctx.PreValidateInitialReset(corrupted) {
		t.Fatal("corrupted initial reset accepted")
	}
	// the client must never accept a client-side reset
	if client.ctx.PreValidateInitialReset(packets[0]) {
		t.Fatal("client accepted a client reset")
	}
}

func TestNextHousekeepingImmediateWhenInvalidated(t *testing.T) {
	client, _, _ := handshake(t, peerOptions{
		proto:  model.ProtoUDP,
		cipher: "AES-256-GCM",
		auth:   "SHA1",
	})
	client.ctx.Disconnect(model.ErrKeepaliveTimeout)
	if got := client.ctx.NextHousekeeping(); got.After(client.ctx.Now()) {
		t.Fatal("invalidated session must schedule immediate housekeeping")
	}
}
