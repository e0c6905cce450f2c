package protocol

//
// Shared test harness: a deterministic in-memory TLS session and a
// pair of engines wired back to back through a lossy-capable queue.
//

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/protovpn/protovpn/internal/keymat"
	"github.com/protovpn/protovpn/internal/model"
	"github.com/protovpn/protovpn/internal/vpntest"
	"github.com/protovpn/protovpn/pkg/config"
)

//
// fake TLS
//

var (
	fakeHelloClient = []byte("HELLO/CLIENT")
	fakeHelloServer = []byte("HELLO/SERVER")
	fakeAppPrefix   = []byte("APPREC/")
)

// fakeTLSSession is a deterministic stand-in for the TLS collaborator:
// one hello each way completes the handshake, and application payload
// travels in trivially framed records.
type fakeTLSSession struct {
	mode    model.Mode
	started bool
	done    bool
	outRecs [][]byte
	appIn   [][]byte
}

var _ TLSSession = &fakeTLSSession{}

func (f *fakeTLSSession) Start() error {
	f.started = true
	if !f.mode.IsServer() {
		f.outRecs = append(f.outRecs, fakeHelloClient)
	}
	return nil
}

func (f *fakeTLSSession) HandshakeDone() bool { return f.done }

func (f *fakeTLSSession) ReadCiphertext() ([]byte, error) {
	if len(f.outRecs) == 0 {
		return nil, nil
	}
	rec := f.outRecs[0]
	f.outRecs = f.outRecs[1:]
	return rec, nil
}

func (f *fakeTLSSession) WriteCiphertext(rec []byte) error {
	if !f.started {
		return errors.New("fake tls: not started")
	}
	switch {
	case bytes.Equal(rec, fakeHelloClient):
		if f.mode.IsServer() {
			f.done = true
			f.outRecs = append(f.outRecs, fakeHelloServer)
		}
	case bytes.Equal(rec, fakeHelloServer):
		f.done = true
	case bytes.HasPrefix(rec, fakeAppPrefix):
		f.appIn = append(f.appIn, rec[len(fakeAppPrefix):])
	default:
		return errors.New("fake tls: bad record")
	}
	return nil
}

func (f *fakeTLSSession) ReadCleartext() ([]byte, error) {
	if len(f.appIn) == 0 {
		return nil, nil
	}
	buf := f.appIn[0]
	f.appIn = f.appIn[1:]
	return buf, nil
}

func (f *fakeTLSSession) WriteCleartext(buf []byte) error {
	if !f.done {
		return errors.New("fake tls: handshake not done")
	}
	f.outRecs = append(f.outRecs, append(append([]byte{}, fakeAppPrefix...), buf...))
	return nil
}

func (f *fakeTLSSession) Close() error { return nil }

type fakeTLSFactory struct{}

func (fakeTLSFactory) NewSession(mode model.Mode) (TLSSession, error) {
	return &fakeTLSSession{mode: mode}, nil
}

//
// host harness
//

type testHost struct {
	outgoing [][]byte
	appRecv  [][]byte
	active   bool

	serverUsername string
	serverPassword string
	serverPeerInfo string
}

var _ Callbacks = &testHost{}

func (h *testHost) ControlNetSend(buf []byte) {
	h.outgoing = append(h.outgoing, append([]byte{}, buf...))
}

func (h *testHost) ControlRecv(buf []byte) {
	h.appRecv = append(h.appRecv, append([]byte{}, buf...))
}

func (h *testHost) ClientAuth() (string, string) {
	return "user", "pass"
}

func (h *testHost) ServerAuth(username, password, peerInfo string) {
	h.serverUsername = username
	h.serverPassword = password
	h.serverPeerInfo = peerInfo
}

func (h *testHost) Active() { h.active = true }

func (h *testHost) drain() [][]byte {
	out := h.outgoing
	h.outgoing = nil
	return out
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type testPeer struct {
	ctx   *Context
	host  *testHost
	stats *model.CountingStats
}

// feed delivers one raw packet into the engine.
func (p *testPeer) feed(pkt []byte) {
	t := p.ctx.PacketType(pkt)
	switch {
	case t.IsControl():
		p.ctx.ControlNetRecv(t, pkt)
	case t.IsData():
		p.ctx.DataDecrypt(t, pkt)
	}
}

// testStaticKey is a deterministic tls-auth key for tests.
func testStaticKey() string {
	raw := make([]byte, keymat.KeySize)
	for i := range raw {
		raw[i] = byte(i ^ 0x5a)
	}
	var b strings.Builder
	b.WriteString("-----BEGIN OpenVPN Static key V1-----\n")
	enc := hex.EncodeToString(raw)
	for i := 0; i < len(enc); i += 32 {
		b.WriteString(enc[i:i+32] + "\n")
	}
	b.WriteString("-----END OpenVPN Static key V1-----\n")
	return b.String()
}

type peerOptions struct {
	proto     model.Proto
	cipher    string
	auth      string
	tlsAuth   bool
	renegSec  int
	deferred  bool
	keepalive [2]int
}

func makePeer(t *testing.T, mode model.Mode, clk *fakeClock, po peerOptions) *testPeer {
	t.Helper()
	opts := &config.OpenVPNOptions{
		Proto:        po.proto,
		DevType:      "tun",
		KeyDirection: -1,
		Cipher:       po.cipher,
		Auth:         po.auth,
		TunMTU:       1500,
		XmitCreds:    true,
		RenegSeconds: po.renegSec,
	}
	if po.tlsAuth {
		opts.TLSAuth = []byte(testStaticKey())
	}
	if po.keepalive[0] != 0 {
		opts.KeepalivePing = po.keepalive[0]
		opts.KeepaliveTimeout = po.keepalive[1]
	}
	cfgOptions := []config.Option{
		config.WithMode(mode),
		config.WithOpenVPNOptions(opts),
		config.WithLogger(vpntest.Logger()),
	}
	if po.deferred {
		cfgOptions = append(cfgOptions, config.WithDeferredDataChannel())
	}
	cfg, err := config.NewConfig(cfgOptions...)
	if err != nil {
		t.Fatal(err)
	}
	host := &testHost{}
	stats := &model.CountingStats{}
	ctx, err := New(cfg, host, fakeTLSFactory{},
		WithSessionStats(stats), WithClock(clk.now))
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.Reset(); err != nil {
		t.Fatal(err)
	}
	return &testPeer{ctx: ctx, host: host, stats: stats}
}

// pump shuttles queued packets between the two peers until both are
// quiescent.
func pump(client, server *testPeer) {
	for i := 0; i < 64; i++ {
		moved := false
		for _, pkt := range client.host.drain() {
			server.feed(pkt)
			moved = true
		}
		for _, pkt := range server.host.drain() {
			client.feed(pkt)
			moved = true
		}
		if !moved {
			return
		}
	}
}

// housekeep advances both engines' clocks into the housekeeping path
// and pumps the results.
func housekeep(client, server *testPeer) {
	client.ctx.Housekeeping()
	server.ctx.Housekeeping()
	pump(client, server)
}

// handshake runs a full negotiation between a fresh client/server pair.
func handshake(t *testing.T, po peerOptions) (*testPeer, *testPeer, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	client := makePeer(t, model.ModeClient, clk, po)
	server := makePeer(t, model.ModeServer, clk, po)
	if err := client.ctx.Start(); err != nil {
		t.Fatal(err)
	}
	pump(client, server)
	return client, server, clk
}
