// Package protocol implements the core protocol engine: a
// peer-symmetric state machine that establishes an authenticated,
// encrypted tunnel by carrying a TLS handshake over a reliable,
// replay-protected control channel, and frames encrypted data packets
// over the same transport.
//
// The engine is single-threaded and run-to-completion: it performs no
// I/O and no waiting of its own. The host feeds packets in, drains
// packets through the ControlNetSend callback, and calls Housekeeping
// at the deadline returned by NextHousekeeping.
package protocol

import (
	"errors"
	"time"

	"github.com/protovpn/protovpn/internal/bytesx"
	"github.com/protovpn/protovpn/internal/model"
	"github.com/protovpn/protovpn/internal/optional"
	"github.com/protovpn/protovpn/internal/packetid"
	"github.com/protovpn/protovpn/internal/tlsauth"
	"github.com/protovpn/protovpn/pkg/config"
)

// infiniteTime stands in for "never".
var infiniteTime = time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC)

// ErrNoPrimary means an operation needs a primary key context and
// there is none.
var ErrNoPrimary = errors.New("protocol: no primary key")

// Context is the protocol context: it owns at most one primary and one
// secondary key context, classifies incoming packets, drives keepalive
// and dispatches rekey and expiration events.
// Construct with [New] and call [Context.Reset] before use.
type Context struct {
	config *config.Config
	logger model.Logger
	stats  model.SessionStats
	tracer model.HandshakeTracer
	cb     Callbacks

	tlsFactory TLSFactory

	mode model.Mode

	// clock is the injected monotonic time source; now caches its
	// value between UpdateNow calls.
	clock func() time.Time
	now   time.Time

	psidSelf model.SessionID
	psidPeer optional.Value[model.SessionID]

	// tls-auth state, nil/unused when disabled
	tlsAuth   *tlsauth.Instance
	taPIDSend *packetid.Send
	taPIDRecv *packetid.Window

	primary   *keyContext
	secondary *keyContext

	// upcomingKeyID cycles 0, 1..7, 1..7, ...
	upcomingKeyID uint8
	nKeyIDs       int

	keepaliveXmit   time.Time
	keepaliveExpire time.Time

	dcDeferred bool

	slowestHandshake time.Duration
}

// Option configures a [Context].
type Option func(*Context)

// WithSessionStats configures the error sink.
func WithSessionStats(stats model.SessionStats) Option {
	return func(c *Context) {
		c.stats = stats
	}
}

// WithClock injects the monotonic clock.
func WithClock(clock func() time.Time) Option {
	return func(c *Context) {
		c.clock = clock
	}
}

// New creates a [Context] from the given configuration, host callbacks
// and TLS factory.
func New(cfg *config.Config, cb Callbacks, tlsFactory TLSFactory, options ...Option) (*Context, error) {
	c := &Context{
		config:     cfg,
		logger:     cfg.Logger(),
		stats:      &model.CountingStats{},
		tracer:     cfg.Tracer(),
		cb:         cb,
		tlsFactory: tlsFactory,
		mode:       cfg.Mode(),
		clock:      time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	if cfg.TLSAuthEnabled() {
		key, digest, dir := cfg.TLSAuth()
		ta, err := tlsauth.New(key, digest, dir)
		if err != nil {
			return nil, err
		}
		c.tlsAuth = ta
	}
	c.now = c.clock()
	return c, nil
}

// Reset begins a fresh session: randomize our session ID, clear the
// peer's, rewind the tls-auth counters and allocate the first primary
// key context (key-id 0).
func (c *Context) Reset() error {
	c.UpdateNow()
	c.dcDeferred = c.config.DataChannelDeferred()
	c.primary = nil
	c.secondary = nil
	c.upcomingKeyID = 0

	if c.tlsAuth != nil {
		c.taPIDSend = packetid.NewSend(true)
		c.taPIDRecv = packetid.NewWindow(c.config.PIDMode())
	}

	randomBytes, err := bytesx.GenRandomBytes(8)
	if err != nil {
		return err
	}
	c.psidSelf = model.SessionID(randomBytes[:8])
	c.psidPeer = optional.None[model.SessionID]()

	primary, err := newKeyContext(c, !c.mode.IsServer())
	if err != nil {
		return err
	}
	c.primary = primary
	c.logger.Debugf("%s new primary key context id=%d", c.mode, primary.keyID)

	// keepalive timers: expiration is disabled until the first
	// authenticated packet arrives
	c.keepaliveExpire = infiniteTime
	c.updateLastSent()
	return nil
}

// Start begins protocol negotiation; on the client this sends the
// initial hard reset.
func (c *Context) Start() error {
	if c.primary == nil {
		return ErrNoPrimary
	}
	c.primary.start()
	c.updateLastReceived() // upper bound on when we expect a response
	c.Flush(true)
	return nil
}

// UpdateNow advances the cached clock.
func (c *Context) UpdateNow() {
	c.now = c.clock()
}

// Now returns the cached engine time.
func (c *Context) Now() time.Time {
	return c.now
}

// learnPeerPSID records the peer session ID from the first
// authenticated packet. It never changes afterwards.
func (c *Context) learnPeerPSID(psid model.SessionID) {
	c.logger.Debugf("%s learned peer session id %x", c.mode, psid)
	c.psidPeer = optional.Some(psid)
}

// commitReplayID remembers a control packet ID so it cannot be
// replayed.
func (c *Context) commitReplayID(pid packetid.ID) {
	if c.taPIDRecv != nil && pid.Valid() {
		c.taPIDRecv.TestAdd(pid, true)
	}
}

func (c *Context) isTCP() bool {
	return c.config.OpenVPNOptions().Proto == model.ProtoTCP
}

// nextKeyID returns the key ID for a new key context: 0 for the first,
// then cycling through 1..7 and wrapping back to 1, never 0 again.
func (c *Context) nextKeyID() uint8 {
	c.nKeyIDs++
	ret := c.upcomingKeyID
	c.upcomingKeyID = (c.upcomingKeyID + 1) & model.KeyIDMask
	if c.upcomingKeyID == 0 {
		c.upcomingKeyID = 1
	}
	return ret
}

//
// inbound
//

// ControlNetRecv feeds one inbound control or ACK packet. It returns
// false when the packet was dropped.
func (c *Context) ControlNetRecv(t PacketType, buf []byte) bool {
	if !t.IsControl() {
		return false
	}
	if t.IsSoftReset() && !c.renegotiateRequest(buf) {
		return false
	}
	kc := c.selectKeyContext(t, true)
	if kc == nil {
		return false
	}
	cp := c.decodeControlPacket(buf)
	if cp == nil {
		return false
	}
	c.updateLastReceived()
	ok := kc.netRecv(cp)
	c.Flush(true)
	return ok
}

// renegotiateRequest validates a peer-originated soft reset and, when
// genuine, creates the secondary key context it addresses.
func (c *Context) renegotiateRequest(buf []byte) bool {
	if !c.preValidate(buf) {
		return false
	}
	if err := c.newSecondaryKey(false); err != nil {
		c.logger.Warnf("cannot create secondary key: %s", err)
		return false
	}
	return true
}

// preValidate cheaply checks a packet's authenticity before acting on
// it: with tls-auth enabled this verifies the HMAC, otherwise only the
// framing.
func (c *Context) preValidate(buf []byte) bool {
	headLen := 1 + len(model.SessionID{})
	if len(buf) < headLen {
		return false
	}
	if c.tlsAuth == nil {
		return true
	}
	hs := c.tlsAuth.Size()
	if len(buf) < headLen+hs {
		return false
	}
	return c.tlsAuth.Compare(buf[headLen:headLen+hs], buf[:headLen], buf[headLen+hs:])
}

// selectKeyContext routes a classified packet to the primary or the
// secondary key context.
func (c *Context) selectKeyContext(t PacketType, control bool) *keyContext {
	if !t.defined || t.control != control {
		return nil
	}
	if !t.secondary {
		return c.primary
	}
	return c.secondary
}

// DataDecrypt feeds one inbound data packet, selecting primary or
// secondary by key ID. It returns the decrypted payload, or nil when
// the packet was dropped (replay, decrypt error, keepalive marker).
func (c *Context) DataDecrypt(t PacketType, buf []byte) []byte {
	kc := c.selectKeyContext(t, false)
	if kc == nil {
		c.tracer.OnDroppedPacket(model.DirectionIncoming, t.opcode, len(buf))
		return nil
	}
	plaintext := kc.decrypt(buf)
	if plaintext == nil {
		return nil
	}
	c.updateLastReceived()
	// discard keepalive packets after refreshing the liveness timer
	if isKeepalive(plaintext) {
		return nil
	}
	c.Flush(false)
	return plaintext
}

//
// outbound
//

// ControlSend enqueues an app-level control message on the primary key
// context, bounded at [AppMessageMax].
func (c *Context) ControlSend(appBuf []byte) error {
	if c.primary == nil {
		return ErrNoPrimary
	}
	// even after a new key context goes active, we keep transmitting
	// on the primary until it is promoted
	if err := c.primary.appSend(appBuf); err != nil {
		return err
	}
	c.Flush(true)
	return nil
}

// DataEncrypt encrypts and frames one data packet with the primary
// key. It returns nil when no crypto context is available, which the
// caller must treat as a dropped packet.
func (c *Context) DataEncrypt(buf []byte) []byte {
	if c.primary == nil {
		return nil
	}
	out := c.primary.encrypt(buf)
	if out != nil {
		c.updateLastSent()
	}
	c.Flush(false)
	return out
}

// netSend hands an encoded packet to the host transport.
func (c *Context) netSend(wire []byte) {
	c.cb.ControlNetSend(wire)
	c.updateLastSent()
}

//
// events, housekeeping, keepalive
//

// Flush drains pending events and emits queued packets. Pass
// controlChannel=false to optimize for the data-channel fast path.
func (c *Context) Flush(controlChannel bool) {
	if controlChannel || c.processEvents() {
		for {
			if c.primary != nil {
				c.primary.flush()
			}
			if c.secondary != nil {
				c.secondary.flush()
			}
			if !c.processEvents() {
				break
			}
		}
	}
}

// Housekeeping performs time-based tasks: control-channel
// retransmissions, scheduled events, keepalive transmission and the
// keepalive timeout. Call at the time returned by [Context.NextHousekeeping].
func (c *Context) Housekeeping() {
	c.UpdateNow()
	if c.primary != nil {
		c.primary.retransmit()
	}
	if c.secondary != nil {
		c.secondary.retransmit()
	}
	c.Flush(false)
	c.keepaliveHousekeeping()
}

// NextHousekeeping says when [Context.Housekeeping] wants to run next.
// An invalidated session returns the current time.
func (c *Context) NextHousekeeping() time.Time {
	if c.Invalidated() {
		return c.now
	}
	ret := infiniteTime
	if c.primary != nil {
		if t := c.primary.nextRetransmit(); t.Before(ret) {
			ret = t
		}
	}
	if c.secondary != nil {
		if t := c.secondary.nextRetransmit(); t.Before(ret) {
			ret = t
		}
	}
	if c.keepaliveXmit.Before(ret) {
		ret = c.keepaliveXmit
	}
	if c.keepaliveExpire.Before(ret) {
		ret = c.keepaliveExpire
	}
	return ret
}

// updateLastSent re-arms the keepalive transmit timer.
func (c *Context) updateLastSent() {
	c.keepaliveXmit = c.now.Add(c.config.Timing().KeepalivePing)
}

// updateLastReceived pushes the keepalive expiration into the future.
func (c *Context) updateLastReceived() {
	c.keepaliveExpire = c.now.Add(c.config.Timing().KeepaliveTimeout)
}

func (c *Context) keepaliveHousekeeping() {
	if !c.now.Before(c.keepaliveXmit) && c.primary != nil {
		c.primary.sendKeepalive()
		c.updateLastSent()
	}
	if !c.now.Before(c.keepaliveExpire) {
		// no contact with peer
		c.stats.Error(model.ErrKeepaliveTimeout)
		c.Disconnect(model.ErrKeepaliveTimeout)
	}
}

// processEvents dispatches pending key-context events; it returns
// whether any event was processed.
func (c *Context) processEvents() bool {
	didWork := false
	if c.primary != nil && c.primary.eventPending() {
		c.processPrimaryEvent()
		didWork = true
	}
	if c.secondary != nil && c.secondary.eventPending() {
		c.processSecondaryEvent()
		didWork = true
	}
	return didWork
}

func (c *Context) processPrimaryEvent() {
	ev := c.primary.getEvent()
	if ev != kevNone {
		c.primary.resetEvent()
		switch ev {
		case kevActive:
			c.logger.Infof("%s session active (key id %d)", c.mode, c.primary.keyID)
			c.cb.Active()
		case kevRenegotiate, kevRenegotiateForce:
			c.Renegotiate()
		case kevExpire:
			if c.secondary != nil && !c.secondary.invalidated {
				c.promoteSecondaryToPrimary()
			} else {
				// primary expired and no secondary available
				c.stats.Error(model.ErrPrimaryExpire)
				c.Disconnect(model.ErrPrimaryExpire)
			}
		case kevNegotiate:
			// negotiation failed on the first primary
			c.stats.Error(model.ErrHandshakeTimeout)
			c.Disconnect(model.ErrHandshakeTimeout)
		}
	}
	c.primary.setNextEventIfUnspecified()
}

func (c *Context) processSecondaryEvent() {
	ev := c.secondary.getEvent()
	if ev != kevNone {
		c.secondary.resetEvent()
		switch ev {
		case kevActive:
			if c.primary != nil {
				c.primary.prepareExpire()
			}
		case kevBecomePrimary:
			if !c.secondary.invalidated {
				c.promoteSecondaryToPrimary()
			}
		case kevExpire:
			c.secondary = nil
		case kevRenegotiateQueue:
			if c.primary != nil {
				c.primary.keyLimitReneg(kevRenegotiateForce, c.secondary.becomePrimaryTime())
			}
		case kevNegotiate:
			c.stats.Error(model.ErrHandshakeTimeout)
			// deliberate fall-through into the renegotiate path, as
			// in the reference implementation: a timed-out secondary
			// negotiation starts a fresh cycle
			fallthrough
		case kevPrimaryPending, kevRenegotiateForce:
			c.Renegotiate()
		}
	}
	if c.secondary != nil {
		c.secondary.setNextEventIfUnspecified()
	}
}

// newSecondaryKey creates the secondary key context. The initiator
// argument distinguishes local renegotiation requests from
// peer-originated soft resets.
func (c *Context) newSecondaryKey(initiator bool) error {
	kc, err := newKeyContext(c, initiator)
	if err != nil {
		return err
	}
	c.secondary = kc
	c.logger.Debugf("%s new secondary key context id=%d (initiator=%v)", c.mode, kc.keyID, initiator)
	return nil
}

// promoteSecondaryToPrimary swaps the two key handles; the demoted
// primary is scheduled to expire.
func (c *Context) promoteSecondaryToPrimary() {
	c.primary, c.secondary = c.secondary, c.primary
	if c.secondary != nil {
		c.secondary.prepareExpire()
	}
	c.logger.Infof("%s promoted key id %d to primary", c.mode, c.primary.keyID)
}

// Renegotiate forces a local rekey: a fresh secondary key context that
// immediately starts its handshake.
func (c *Context) Renegotiate() {
	if err := c.newSecondaryKey(true); err != nil {
		c.logger.Warnf("renegotiate: %s", err)
		return
	}
	c.secondary.start()
}

//
// teardown
//

// Disconnect invalidates both key contexts with the given reason.
func (c *Context) Disconnect(reason model.ErrorKind) {
	if c.primary != nil {
		c.primary.invalidate(reason)
	}
	if c.secondary != nil {
		c.secondary.invalidate(reason)
	}
}

// SendExplicitExitNotify tells the peer we are going away; normally
// used by UDP clients, a no-op otherwise.
func (c *Context) SendExplicitExitNotify() {
	if !c.mode.IsServer() && !c.isTCP() && c.primary != nil {
		c.primary.sendExplicitExitNotify()
	}
}

//
// introspection and late configuration
//

// Invalidated reports whether the primary context was invalidated.
func (c *Context) Invalidated() bool {
	return c.primary != nil && c.primary.invalidated
}

// InvalidationReason returns the reason for invalidation.
func (c *Context) InvalidationReason() model.ErrorKind {
	return c.primary.invalidationReason
}

// DataChannelReady reports whether DataEncrypt/DataDecrypt can be
// used.
func (c *Context) DataChannelReady() bool {
	return c.primary != nil && c.primary.dataChannelReady()
}

// Negotiations returns the number of negotiations performed in the
// lifetime of this context.
func (c *Context) Negotiations() int {
	return c.nKeyIDs
}

// SlowestHandshake returns the worst-case handshake duration seen.
func (c *Context) SlowestHandshake() time.Duration {
	return c.slowestHandshake
}

// LocalSessionID returns our own session ID.
func (c *Context) LocalSessionID() model.SessionID {
	return c.psidSelf
}

// PrimaryKeyID returns the key ID of the current primary context.
func (c *Context) PrimaryKeyID() (uint8, error) {
	if c.primary == nil {
		return 0, ErrNoPrimary
	}
	return c.primary.keyID, nil
}

// HasSecondary reports whether a secondary key context exists.
func (c *Context) HasSecondary() bool {
	return c.secondary != nil
}

// ProcessPush applies server-pushed options on the client and re-arms
// the keepalive timers in case they were modified.
func (c *Context) ProcessPush(opts map[string][]string) error {
	if err := c.config.ProcessPush(opts); err != nil {
		return err
	}
	c.keepaliveParmsModified()
	return nil
}

// InitDataChannel does late initialization of the data channel, for
// example on the client after the server push.
func (c *Context) InitDataChannel() {
	c.dcDeferred = false
	if c.primary != nil {
		c.primary.initDataChannel()
	}
	if c.secondary != nil {
		c.secondary.initDataChannel()
	}
}

// keepaliveParmsModified resets the keepalive timers after a push;
// the transmit cycle is only shortened, never extended.
func (c *Context) keepaliveParmsModified() {
	c.updateLastReceived()
	kx := c.now.Add(c.config.Timing().KeepalivePing)
	if kx.Before(c.keepaliveXmit) {
		c.keepaliveXmit = kx
	}
}
