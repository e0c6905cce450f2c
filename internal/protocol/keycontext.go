package protocol

//
// keyContext encapsulates a single key generation: one TLS session,
// the control-channel reliability state, the scheduled-event machinery
// and, once ACTIVE, the data-channel crypto instance.
//

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/protovpn/protovpn/internal/bytesx"
	"github.com/protovpn/protovpn/internal/datachannel"
	"github.com/protovpn/protovpn/internal/keymat"
	"github.com/protovpn/protovpn/internal/model"
	"github.com/protovpn/protovpn/internal/prf"
	"github.com/protovpn/protovpn/internal/reliable"
)

// errShortAuthMessage says the handshake payload is not complete yet.
var errShortAuthMessage = errors.New("protocol: short auth message")

// errBadAuthPrefix says the handshake payload prefix did not match.
var errBadAuthPrefix = errors.New("protocol: bad auth prefix")

type keyContext struct {
	proto *Context

	state sessionState
	keyID uint8

	dirty              bool
	keyLimitRenegFired bool

	constructTime     time.Time
	reachedActiveTime time.Time

	currentEvent  eventType
	nextEvent     eventType
	nextEventTime time.Time

	relSend *reliable.Sender
	relRecv *reliable.Receiver

	tls              TLSSession
	tlsInBacklog     [][]byte
	tlsOutBacklog    [][]byte
	pendingCleartext [][]byte
	appPreWriteQueue [][]byte
	appRecvBuf       []byte

	localKeySource  *prf.KeySource
	remoteKeySource *prf.KeySource
	remoteOptions   string

	// dck holds derived key material awaiting deferred data-channel
	// initialization.
	dck *keymat.Key

	crypto *datachannel.Instance

	invalidated        bool
	invalidationReason model.ErrorKind
}

// newKeyContext creates a key context. The initiator side is the one
// that sends the first reset of this key generation.
func newKeyContext(p *Context, initiator bool) (*keyContext, error) {
	local, err := prf.NewKeySource()
	if err != nil {
		return nil, err
	}
	timing := p.config.Timing()
	kc := &keyContext{
		proto:          p,
		keyID:          p.nextKeyID(),
		relSend:        reliable.NewSender(p.logger, reliable.DefaultWindow, timing.TLSTimeout),
		relRecv:        reliable.NewReceiver(p.logger, reliable.DefaultWindow),
		localKeySource: local,
		constructTime:  p.now,
	}
	if p.mode.IsServer() {
		kc.setState(stateSInitial)
	} else {
		kc.setState(stateCInitial)
	}
	if !initiator {
		if p.mode.IsServer() {
			kc.setState(stateSWaitReset)
		} else {
			kc.setState(stateCWaitReset)
		}
	}
	// must-negotiate-by deadline
	kc.setEventNext(kevNegotiate, kc.constructTime.Add(timing.HandshakeWindow))
	return kc, nil
}

//
// event machinery
//

func (kc *keyContext) setState(s sessionState) {
	kc.proto.logger.Debugf("%s key[%d] %s -> %s", kc.proto.mode, kc.keyID, kc.state, s)
	kc.proto.tracer.OnStateChange(kc.keyID, s.String())
	kc.state = s
}

// setEventCurrent raises an event without touching the scheduled one.
func (kc *keyContext) setEventCurrent(ev eventType) {
	kc.currentEvent = ev
}

// setEventNext schedules the next event, leaving no current event.
func (kc *keyContext) setEventNext(next eventType, at time.Time) {
	kc.currentEvent = kevNone
	kc.nextEvent = next
	kc.nextEventTime = at
}

// setEventBoth raises an event and schedules the next one.
func (kc *keyContext) setEventBoth(current, next eventType, at time.Time) {
	kc.currentEvent = current
	kc.nextEvent = next
	kc.nextEventTime = at
}

// eventPending promotes a due scheduled event into the current slot
// and reports whether there is a current event.
func (kc *keyContext) eventPending() bool {
	if kc.currentEvent == kevNone && !kc.proto.now.Before(kc.nextEventTime) {
		kc.processNextEvent()
	}
	return kc.currentEvent != kevNone
}

func (kc *keyContext) getEvent() eventType { return kc.currentEvent }
func (kc *keyContext) resetEvent()         { kc.currentEvent = kevNone }

func (kc *keyContext) processNextEvent() {
	if kc.proto.now.Before(kc.nextEventTime) {
		return
	}
	timing := kc.proto.config.Timing()
	switch kc.nextEvent {
	case kevBecomePrimary:
		if kc.dataLimitDefer() {
			// wait for the first decrypted packet from the peer
			// before we start transmitting on this key
			kc.setEventNext(kevPrimaryPending, kc.dataLimitExpire())
		} else {
			kc.setEventBoth(kevBecomePrimary, kevRenegotiate, kc.constructTime.Add(timing.Renegotiate))
		}
	case kevRenegotiate, kevRenegotiateForce:
		kc.prepareExpireWith(kc.nextEvent)
	case kevNegotiate:
		kc.kevError(kevNegotiate, model.ErrKevNegotiate)
	case kevPrimaryPending:
		kc.kevError(kevPrimaryPending, model.ErrKevPending)
	case kevExpire:
		kc.kevError(kevExpire, model.ErrKevExpire)
	default:
	}
}

func (kc *keyContext) kevError(ev eventType, reason model.ErrorKind) {
	kc.proto.stats.Error(reason)
	kc.invalidate(reason)
	kc.setEventCurrent(ev)
}

// prepareExpire schedules expiration: usually called by the parent
// when this context has been retired.
func (kc *keyContext) prepareExpire() {
	kc.prepareExpireWith(kevNone)
}

func (kc *keyContext) prepareExpireWith(current eventType) {
	timing := kc.proto.config.Timing()
	at := kc.constructTime.Add(timing.Expire)
	if kc.keyLimitRenegFired {
		at = kc.dataLimitExpire()
	}
	kc.setEventBoth(current, kevExpire, at)
}

// setNextEventIfUnspecified installs a default expiration when no
// event is scheduled.
func (kc *keyContext) setNextEventIfUnspecified() {
	if kc.nextEvent == kevNone && !kc.invalidated {
		kc.prepareExpire()
	}
}

// keyLimitReneg schedules a renegotiation event at t, fuzzed by one
// second on clients and two on servers so the peers do not collide.
func (kc *keyContext) keyLimitReneg(ev eventType, t time.Time) {
	if t.IsZero() {
		return
	}
	fuzz := time.Second
	if kc.proto.mode.IsServer() {
		fuzz = 2 * time.Second
	}
	kc.setEventNext(ev, t.Add(fuzz))
}

// becomePrimaryTime returns the time of the upcoming promotion, or the
// zero time if none is scheduled.
func (kc *keyContext) becomePrimaryTime() time.Time {
	if kc.nextEvent == kevBecomePrimary {
		return kc.nextEventTime
	}
	return time.Time{}
}

// scheduleKeyLimitRenegotiation triggers a renegotiation based on a
// dataflow condition (per-key data limit or packet-ID wraparound).
// Idempotent per key.
func (kc *keyContext) scheduleKeyLimitRenegotiation() {
	if kc.keyLimitRenegFired || kc.state < stateActive || kc.invalidated {
		return
	}
	kc.keyLimitRenegFired = true
	kc.proto.stats.Error(model.ErrKeyLimitReneg)
	if kc.nextEvent == kevBecomePrimary {
		// the reneg request crosses over to the primary; keep the
		// scheduled promotion intact
		kc.setEventCurrent(kevRenegotiateQueue)
	} else {
		kc.keyLimitReneg(kevRenegotiate, kc.proto.now)
	}
}

// dataLimitDefer reports whether we should enter the primary-pending
// state: client side, data limit armed, renegotiated key, and no data
// received from the peer on it yet.
func (kc *keyContext) dataLimitDefer() bool {
	return !kc.proto.mode.IsServer() &&
		kc.crypto != nil && kc.crypto.HasDataLimit() &&
		kc.keyID != 0 && !kc.crypto.DecryptGreen()
}

// dataLimitExpire is the general expiration used once a key hit its
// data limit threshold.
func (kc *keyContext) dataLimitExpire() time.Time {
	return kc.proto.now.Add(2 * kc.proto.config.Timing().HandshakeWindow)
}

//
// lifecycle
//

// start sends the initial reset; only meaningful on the initiator side.
func (kc *keyContext) start() {
	if kc.state == stateCInitial || kc.state == stateSInitial {
		kc.sendReset()
		if kc.proto.mode.IsServer() {
			kc.setState(stateSWaitResetACK)
		} else {
			kc.setState(stateCWaitResetACK)
		}
		kc.dirty = true
	}
}

func (kc *keyContext) invalidate(reason model.ErrorKind) {
	if kc.invalidated {
		return
	}
	kc.invalidated = true
	kc.invalidationReason = reason
	kc.reachedActiveTime = time.Time{}
	kc.nextEvent = kevNone
	kc.nextEventTime = infiniteTime
	if kc.tls != nil {
		kc.tls.Close()
	}
}

func (kc *keyContext) dataChannelReady() bool {
	return kc.state >= stateActive
}

// initialOp returns the opcode opening this key generation: a soft
// reset after the first key, otherwise the side-specific hard reset.
func (kc *keyContext) initialOp(sender bool) model.Opcode {
	if kc.keyID != 0 {
		return model.P_CONTROL_SOFT_RESET_V1
	}
	if kc.proto.mode.IsServer() == sender {
		return model.P_CONTROL_HARD_RESET_SERVER_V2
	}
	return model.P_CONTROL_HARD_RESET_CLIENT_V2
}

func (kc *keyContext) sendReset() {
	if kc.relSend.Queue(kc.initialOp(true), nil) == nil {
		kc.proto.logger.Warn("cannot queue reset: send window full")
	}
}

// rawRecv handles raw (non-TLS) opcodes delivered in order by the
// reliability layer: the peer's initial reset of this key generation.
func (kc *keyContext) rawRecv(m *reliable.IncomingMessage) {
	if len(m.Payload) == 0 && m.Opcode == kc.initialOp(false) {
		switch kc.state {
		case stateCWaitReset:
			kc.sendReset()
			kc.setState(stateCWaitResetACK)
		case stateSWaitReset:
			kc.sendReset()
			kc.setState(stateSWaitResetACK)
		}
	}
}

// postAckAction advances past the ACK states once the reliable-send
// queue has fully drained.
func (kc *keyContext) postAckAction() {
	if !kc.state.isACKState() || kc.relSend.Unacked() != 0 {
		return
	}
	switch kc.state {
	case stateCWaitResetACK:
		kc.startHandshake()
		kc.sendAuth()
		kc.setState(stateCWaitAuth)
	case stateSWaitResetACK:
		kc.startHandshake()
		kc.setState(stateSWaitAuth)
	case stateCWaitAuthACK, stateSWaitAuthACK:
		kc.active()
		kc.setState(stateActive)
	}
}

func (kc *keyContext) startHandshake() {
	if kc.tls != nil {
		return
	}
	tls, err := kc.proto.tlsFactory.NewSession(kc.proto.mode)
	if err != nil {
		kc.proto.logger.Warnf("cannot create TLS session: %s", err)
		kc.invalidate(model.ErrKevNegotiate)
		return
	}
	kc.tls = tls
	if err := kc.tls.Start(); err != nil {
		kc.proto.logger.Warnf("cannot start TLS session: %s", err)
		kc.invalidate(model.ErrKevNegotiate)
		return
	}
	// feed records that arrived before the session existed
	for _, rec := range kc.tlsInBacklog {
		if err := kc.tls.WriteCiphertext(rec); err != nil {
			kc.proto.logger.Warnf("tls write: %s", err)
		}
	}
	kc.tlsInBacklog = nil
	kc.pumpTLS()
}

//
// control-channel receive path
//

// netRecv consumes a decoded control packet addressed to this key
// context: it retires ACKed messages, pushes control messages through
// the reordering window, and dispatches whatever became sequential.
func (kc *keyContext) netRecv(cp *controlPacket) bool {
	if kc.invalidated {
		return false
	}
	kc.dirty = true
	kc.proto.tracer.OnIncomingPacket(cp.opcode, cp.msgID, len(cp.payload))

	if cp.replayOK {
		for _, ack := range cp.acks {
			kc.relSend.Ack(ack)
		}
	}

	if cp.opcode == model.P_ACK_V1 {
		if cp.replayOK {
			kc.proto.commitReplayID(cp.replayID)
		}
		return true
	}

	if !cp.replayOK {
		// even replayed packets must be ACKed or the peer could
		// retransmit forever
		if cp.replayID.Valid() {
			kc.relSend.PushACK(cp.msgID)
		}
		return false
	}

	flags := kc.relRecv.Receive(&reliable.IncomingMessage{
		ID:      cp.msgID,
		Opcode:  cp.opcode,
		Payload: cp.payload,
	})
	if flags&reliable.ACKToSender != 0 {
		kc.relSend.PushACK(cp.msgID)
	}
	if flags&reliable.InWindow == 0 {
		return false
	}
	kc.proto.commitReplayID(cp.replayID)

	for _, m := range kc.relRecv.NextInOrder() {
		if m.Opcode == model.P_CONTROL_V1 {
			if kc.tls == nil {
				// the reset exchange has not finished yet
				kc.tlsInBacklog = append(kc.tlsInBacklog, m.Payload)
				continue
			}
			if err := kc.tls.WriteCiphertext(m.Payload); err != nil {
				kc.proto.logger.Warnf("tls write: %s", err)
			}
		} else {
			kc.rawRecv(m)
		}
	}
	kc.pumpTLS()
	return true
}

// pumpTLS moves ciphertext produced by the TLS layer into the reliable
// send queue and cleartext up to the application state machine. It
// loops until no more progress is possible, since delivering cleartext
// can itself produce new records (e.g. the server auth reply).
func (kc *keyContext) pumpTLS() {
	if kc.tls == nil {
		return
	}
	for {
		progress := false

		// outgoing handshake/application records
		for {
			if len(kc.tlsOutBacklog) > 0 {
				if !kc.relSend.CanSend() {
					break
				}
				kc.relSend.Queue(model.P_CONTROL_V1, kc.tlsOutBacklog[0])
				kc.tlsOutBacklog = kc.tlsOutBacklog[1:]
				kc.dirty = true
				progress = true
				continue
			}
			rec, err := kc.tls.ReadCiphertext()
			if err != nil || rec == nil {
				break
			}
			progress = true
			if kc.relSend.CanSend() {
				kc.relSend.Queue(model.P_CONTROL_V1, rec)
				kc.dirty = true
			} else {
				kc.tlsOutBacklog = append(kc.tlsOutBacklog, rec)
			}
		}
		if !kc.tls.HandshakeDone() {
			return
		}

		// flush cleartext queued while the handshake was in flight
		for len(kc.pendingCleartext) > 0 {
			buf := kc.pendingCleartext[0]
			kc.pendingCleartext = kc.pendingCleartext[1:]
			if err := kc.tls.WriteCleartext(buf); err != nil {
				kc.proto.logger.Warnf("tls write cleartext: %s", err)
			}
			kc.dirty = true
			progress = true
		}

		// incoming application payload
		for {
			buf, err := kc.tls.ReadCleartext()
			if err != nil || buf == nil {
				break
			}
			kc.appRecv(buf)
			progress = true
		}

		if !progress {
			return
		}
	}
}

// writeCleartext sends application bytes through TLS, queueing them
// while the handshake is still in flight.
func (kc *keyContext) writeCleartext(buf []byte) {
	if kc.tls != nil && kc.tls.HandshakeDone() {
		if err := kc.tls.WriteCleartext(buf); err != nil {
			kc.proto.logger.Warnf("tls write cleartext: %s", err)
		}
		return
	}
	kc.pendingCleartext = append(kc.pendingCleartext, buf)
}

// appSendValidate bounds and submits one application control message.
func (kc *keyContext) appSendValidate(buf []byte) error {
	if len(buf) > AppMessageMax {
		return fmt.Errorf("protocol: control message too large: %d", len(buf))
	}
	kc.writeCleartext(buf)
	return nil
}

// appSend queues an app-level control message; messages submitted
// before ACTIVE wait for activation.
func (kc *keyContext) appSend(buf []byte) error {
	if kc.state >= stateActive {
		if err := kc.appSendValidate(buf); err != nil {
			return err
		}
		kc.dirty = true
		return nil
	}
	kc.appPreWriteQueue = append(kc.appPreWriteQueue, buf)
	return nil
}

// appRecv accumulates decrypted TLS payload and advances the handshake
// state machine.
func (kc *keyContext) appRecv(buf []byte) {
	kc.appRecvBuf = append(kc.appRecvBuf, buf...)
	if len(kc.appRecvBuf) > AppMessageMax {
		kc.proto.logger.Warn("control message too large")
		kc.invalidate(model.ErrCC)
		return
	}
	switch kc.state {
	case stateCWaitAuth:
		if kc.tryRecvAuth() {
			kc.setState(stateCWaitAuthACK)
		}
	case stateSWaitAuth:
		if kc.tryRecvAuth() {
			kc.sendAuth()
			kc.setState(stateSWaitAuthACK)
		}
	case stateSWaitAuthACK, stateActive:
		// S_WAIT_AUTH_ACK covers the rare case where the peer went
		// ACTIVE but its final ACK to us was dropped
		kc.deliverAppMessages()
	}
}

// deliverAppMessages hands complete null-terminated messages to the host.
func (kc *keyContext) deliverAppMessages() {
	for {
		idx := bytes.IndexByte(kc.appRecvBuf, 0x00)
		if idx < 0 {
			return
		}
		msg := kc.appRecvBuf[:idx]
		kc.appRecvBuf = kc.appRecvBuf[idx+1:]
		kc.proto.cb.ControlRecv(msg)
	}
}

//
// handshake payload
//

// sendAuth writes the handshake payload: the constant prefix, our PRF
// random half, the options string, and (client only) credentials and
// peer info.
func (kc *keyContext) sendAuth() {
	buf := &bytes.Buffer{}
	buf.Write(authPrefix)
	if kc.proto.mode.IsServer() {
		buf.Write(kc.localKeySource.R1[:])
		buf.Write(kc.localKeySource.R2[:])
	} else {
		buf.Write(kc.localKeySource.PreMaster[:])
		buf.Write(kc.localKeySource.R1[:])
		buf.Write(kc.localKeySource.R2[:])
	}
	options := kc.proto.config.OptionsString()
	writeAuthString(buf, options)
	if !kc.proto.mode.IsServer() {
		var username, password string
		if kc.proto.config.OpenVPNOptions().XmitCreds {
			username, password = kc.proto.cb.ClientAuth()
		}
		writeAuthString(buf, username)
		writeAuthString(buf, password)
		writeAuthString(buf, kc.proto.config.PeerInfoString())
	}
	kc.writeCleartext(buf.Bytes())
	kc.dirty = true
}

// tryRecvAuth attempts to parse a complete handshake payload out of
// the accumulated cleartext. Returns false when more data is needed.
func (kc *keyContext) tryRecvAuth() bool {
	consumed, err := kc.parseAuthMessage(kc.appRecvBuf)
	switch {
	case errors.Is(err, errShortAuthMessage):
		return false
	case err != nil:
		kc.proto.logger.Warnf("bad auth message: %s", err)
		kc.proto.stats.Error(model.ErrCC)
		kc.invalidate(model.ErrCC)
		return false
	default:
		kc.appRecvBuf = kc.appRecvBuf[consumed:]
		return true
	}
}

func (kc *keyContext) parseAuthMessage(buf []byte) (int, error) {
	if len(buf) < len(authPrefix) {
		return 0, errShortAuthMessage
	}
	if !bytes.Equal(buf[:len(authPrefix)], authPrefix) {
		return 0, errBadAuthPrefix
	}
	off := len(authPrefix)

	// the peer's PRF random half: the client also sends the premaster
	remote := &prf.KeySource{}
	need := 64
	if kc.proto.mode.IsServer() {
		need = 112
	}
	if len(buf) < off+need {
		return 0, errShortAuthMessage
	}
	if kc.proto.mode.IsServer() {
		copy(remote.PreMaster[:], buf[off:off+48])
		off += 48
	}
	copy(remote.R1[:], buf[off:off+32])
	off += 32
	copy(remote.R2[:], buf[off:off+32])
	off += 32

	options, n, err := readAuthString(buf[off:])
	if err != nil {
		return 0, err
	}
	off += n

	if kc.proto.mode.IsServer() {
		username, n, err := readAuthString(buf[off:])
		if err != nil {
			return 0, err
		}
		off += n
		password, n, err := readAuthString(buf[off:])
		if err != nil {
			return 0, err
		}
		off += n
		peerInfo, n, err := readAuthString(buf[off:])
		if err != nil {
			return 0, err
		}
		off += n
		kc.proto.cb.ServerAuth(username, password, peerInfo)
	}

	kc.remoteKeySource = remote
	kc.remoteOptions = options
	if local := kc.proto.config.OptionsString(); options != "" && options != local {
		// informational only, mismatch is not fatal
		kc.proto.logger.Infof("options mismatch: local=%q remote=%q", local, options)
	}
	return off, nil
}

// active runs the transition into ACTIVE: derive session keys, flush
// the pre-write queue, and arm the ACTIVE event.
func (kc *keyContext) active() {
	kc.generateSessionKeys()
	for _, buf := range kc.appPreWriteQueue {
		if err := kc.appSendValidate(buf); err != nil {
			kc.proto.logger.Warnf("dropping queued control message: %s", err)
		}
		kc.dirty = true
	}
	kc.appPreWriteQueue = nil
	kc.reachedActiveTime = kc.proto.now
	if d := kc.reachedActiveTime.Sub(kc.constructTime); d > kc.proto.slowestHandshake {
		kc.proto.slowestHandshake = d
	}
	kc.proto.tracer.OnHandshakeDone(kc.keyID)
	kc.setEventBoth(kevActive, kevBecomePrimary,
		kc.reachedActiveTime.Add(kc.proto.config.Timing().BecomePrimary))
}

// generateSessionKeys runs the TLS-PRF expansion over the exchanged
// randoms and both session IDs, then wipes the sources.
func (kc *keyContext) generateSessionKeys() {
	if kc.remoteKeySource == nil {
		kc.proto.logger.Warn("no remote key source at activation")
		kc.invalidate(model.ErrKevNegotiate)
		return
	}
	var (
		clientSrc, serverSrc *prf.KeySource
		clientSID, serverSID model.SessionID
	)
	peer := kc.proto.psidPeer.Unwrap()
	if kc.proto.mode.IsServer() {
		clientSrc, serverSrc = kc.remoteKeySource, kc.localKeySource
		clientSID, serverSID = peer, kc.proto.psidSelf
	} else {
		clientSrc, serverSrc = kc.localKeySource, kc.remoteKeySource
		clientSID, serverSID = kc.proto.psidSelf, peer
	}
	key, err := prf.DeriveKey(clientSrc, serverSrc, clientSID, serverSID)
	if err != nil {
		kc.proto.logger.Warnf("key derivation failed: %s", err)
		kc.invalidate(model.ErrKevNegotiate)
		return
	}
	kc.localKeySource.Wipe()
	kc.remoteKeySource.Wipe()
	kc.dck = key
	if !kc.proto.dcDeferred {
		kc.initDataChannel()
	}
}

// initDataChannel seeds the data-channel crypto instance from the
// derived key material. With dc_deferred this runs after process_push.
func (kc *keyContext) initDataChannel() {
	if kc.dck == nil {
		return
	}
	o := kc.proto.config.OpenVPNOptions()
	dir := keymat.DirectionNormal
	if kc.proto.mode.IsServer() {
		dir = keymat.DirectionInverse
	}
	inst, err := datachannel.New(o.Cipher, o.Auth, kc.dck, dir,
		kc.proto.config.PIDMode(), o.Compress)
	if err != nil {
		kc.proto.logger.Warnf("cannot init data channel: %s", err)
		kc.invalidate(model.ErrKevNegotiate)
		return
	}
	if datachannel.IsBS64Cipher(o.Cipher) {
		// special data limits for 64-bit block-size ciphers (CVE-2016-6329)
		inst.SetDataLimit(BS64DataLimit)
		kc.proto.logger.Infof("per-key data limit: %d/%d", BS64DataLimit, BS64DataLimit)
	}
	kc.crypto = inst
	kc.dck.Wipe()
	kc.dck = nil
}

//
// data-channel path
//

// encrypt compresses and encrypts one data packet and prepends the op
// header. It returns nil when no crypto context is available, which
// the caller must treat as a dropped packet.
func (kc *keyContext) encrypt(buf []byte) []byte {
	if kc.state < stateActive || kc.crypto == nil || kc.invalidated {
		return nil
	}
	out, flags, err := kc.doEncrypt(buf)
	if err != nil {
		kc.proto.logger.Warnf("encrypt: %s", err)
		return nil
	}
	// trigger a new negotiation if the packet ID approaches wraparound:
	// wrapping to 0 would make the replay logic treat all further
	// packets as replays
	if flags&datachannel.FlagPIDWrap != 0 || flags&datachannel.FlagLimitRed != 0 {
		kc.scheduleKeyLimitRenegotiation()
	}
	return out
}

func (kc *keyContext) doEncrypt(buf []byte) ([]byte, datachannel.Flags, error) {
	var header []byte
	if kc.proto.config.EnableOp32() {
		header = model.ComposeHeader32(model.P_DATA_V2, kc.keyID, kc.proto.config.RemotePeerID())
	} else {
		header = []byte{model.ComposeHeader(model.P_DATA_V1, kc.keyID)}
	}
	payload, flags, err := kc.crypto.Encrypt(buf, header, kc.proto.now)
	if err != nil {
		return nil, 0, err
	}
	return append(header, payload...), flags, nil
}

// decrypt strips the op header, decrypts and decompresses one data
// packet. A nil result means the packet was dropped (and counted).
func (kc *keyContext) decrypt(buf []byte) []byte {
	if kc.state < stateActive || kc.crypto == nil || kc.invalidated {
		return nil
	}
	if len(buf) == 0 {
		kc.proto.countError(model.ErrBuffer)
		return nil
	}
	headSize := model.HeadSize(buf[0])
	if len(buf) < headSize {
		kc.proto.countError(model.ErrBuffer)
		return nil
	}
	header, payload := buf[:headSize], buf[headSize:]
	plaintext, flags, err := kc.crypto.Decrypt(payload, header)
	if err != nil {
		switch {
		case errors.Is(err, datachannel.ErrReplay):
			kc.proto.stats.Error(model.ErrReplay)
		case errors.Is(err, datachannel.ErrBadHMAC):
			kc.proto.stats.Error(model.ErrHMAC)
			if kc.proto.isTCP() {
				kc.invalidate(model.ErrHMAC)
			}
		default:
			kc.proto.stats.Error(model.ErrDecrypt)
			if kc.proto.isTCP() {
				kc.invalidate(model.ErrDecrypt)
			}
		}
		return nil
	}
	if flags&datachannel.FlagLimitRed != 0 {
		kc.scheduleKeyLimitRenegotiation()
	}
	if flags&datachannel.FlagLimitGreen != 0 && kc.nextEvent == kevPrimaryPending {
		// first packet from the peer arrived: the key is usable, so
		// arm the promotion
		kc.setEventNext(kevBecomePrimary, kc.proto.now.Add(time.Second))
	}
	return plaintext
}

// sendDataChannelMessage encrypts and transmits a constant marker
// (keepalive or explicit-exit-notify).
func (kc *keyContext) sendDataChannelMessage(data []byte) {
	if kc.state < stateActive || kc.crypto == nil || kc.invalidated {
		return
	}
	msg := append([]byte{}, data...)
	out, _, err := kc.doEncrypt(msg)
	if err != nil {
		kc.proto.logger.Warnf("cannot send data channel message: %s", err)
		return
	}
	kc.proto.netSend(out)
}

func (kc *keyContext) sendKeepalive() {
	kc.sendDataChannelMessage(KeepaliveMessage)
}

func (kc *keyContext) sendExplicitExitNotify() {
	kc.sendDataChannelMessage(ExplicitExitNotifyMessage)
}

//
// flush / retransmit
//

// flush performs batched emission after state changes: advance past
// ACK states, move TLS bytes, transmit due messages and pending ACKs.
func (kc *keyContext) flush() {
	if !kc.dirty {
		return
	}
	kc.postAckAction()
	kc.pumpTLS()
	kc.transmit()
	kc.sendPendingACKs()
	kc.dirty = false
}

// retransmit sends messages whose deadline elapsed; on reliable
// transports only first transmissions go out.
func (kc *keyContext) retransmit() {
	kc.transmit()
}

func (kc *keyContext) transmit() {
	if kc.invalidated {
		return
	}
	for _, m := range kc.relSend.ReadyToSend(kc.proto.now) {
		if kc.proto.isTCP() && m.Retries() > 1 {
			// the stream transport already guarantees delivery
			continue
		}
		acks := kc.relSend.NextACKList()
		wire, err := kc.proto.encodeControlPacket(m.Opcode, kc.keyID, acks, true, m.ID, m.Payload)
		if err != nil {
			kc.proto.logger.Warnf("cannot encode control packet: %s", err)
			continue
		}
		kc.proto.tracer.OnOutgoingPacket(m.Opcode, m.ID, len(m.Payload), m.Retries())
		kc.proto.netSend(wire)
	}
}

// sendPendingACKs emits an ACK-only packet when we owe ACKs that did
// not piggyback on an outgoing control packet.
func (kc *keyContext) sendPendingACKs() {
	for kc.relSend.HasPendingACKs() {
		acks := kc.relSend.NextACKList()
		wire, err := kc.proto.encodeControlPacket(model.P_ACK_V1, kc.keyID, acks, false, 0, nil)
		if err != nil {
			kc.proto.logger.Warnf("cannot encode ack packet: %s", err)
			return
		}
		kc.proto.tracer.OnOutgoingPacket(model.P_ACK_V1, 0, 0, 0)
		kc.proto.netSend(wire)
	}
}

// nextRetransmit returns when this context next needs housekeeping.
func (kc *keyContext) nextRetransmit() time.Time {
	t := kc.relSend.NearestDeadline()
	if t.IsZero() || kc.nextEventTime.Before(t) {
		t = kc.nextEventTime
	}
	if t.IsZero() {
		return infiniteTime
	}
	return t
}

// writeAuthString appends a length-prefixed, null-terminated string.
func writeAuthString(buf *bytes.Buffer, s string) {
	encoded, err := bytesx.EncodeAuthString(s)
	if err != nil {
		// the only failure mode is an over-long string, which the
		// callers bound beforehand
		encoded = []byte{0x00, 0x00}
	}
	buf.Write(encoded)
}

// readAuthString decodes a length-prefixed string, mapping truncation
// to errShortAuthMessage so the caller waits for more data.
func readAuthString(buf []byte) (string, int, error) {
	s, n, err := bytesx.DecodeAuthStringFrom(buf)
	if err != nil {
		return "", 0, errShortAuthMessage
	}
	return s, n, nil
}
