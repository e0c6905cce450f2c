// Package config holds the configuration of the protocol engine: the
// local options, the derived timing parameters, and the negotiation
// strings exchanged with the peer.
package config

import (
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/protovpn/protovpn/internal/datachannel"
	"github.com/protovpn/protovpn/internal/keymat"
	"github.com/protovpn/protovpn/internal/model"
	"github.com/protovpn/protovpn/internal/packetid"
	"github.com/protovpn/protovpn/internal/runtimex"
)

// Config contains the options driving one protocol context.
// Construct with [NewConfig].
type Config struct {
	// openvpnOptions contains the local options.
	openvpnOptions *OpenVPNOptions

	// logger will be used to log events.
	logger model.Logger

	// tracer, if set, observes the handshake.
	tracer model.HandshakeTracer

	// mode says whether we are the client or the server.
	mode model.Mode

	// tlsAuthKey is the parsed static key, nil when tls-auth is off.
	tlsAuthKey *keymat.Key

	// tlsAuthDigest is the digest used by the tls-auth HMAC.
	tlsAuthDigest string

	// dcDeferred defers data channel initialization until after the
	// client options pull.
	dcDeferred bool

	// enableOp32 selects the 4-byte DATA_V2 header.
	enableOp32 bool

	// remotePeerID is the peer ID to place in DATA_V2 headers,
	// PeerIDUndef when not negotiated.
	remotePeerID model.PeerID

	// localPeerID is our own peer ID, when assigned.
	localPeerID model.PeerID
}

// NewConfig returns a Config ready to initialize a protocol context.
func NewConfig(options ...Option) (*Config, error) {
	cfg := &Config{
		openvpnOptions: newDefaultOptions(),
		logger:         log.Log,
		tracer:         &model.DummyTracer{},
		mode:           model.ModeClient,
		tlsAuthDigest:  "sha1",
		remotePeerID:   model.PeerIDUndef,
		localPeerID:    model.PeerIDUndef,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	o := c.openvpnOptions
	if o.DevType != "tun" && o.DevType != "tap" {
		return fmt.Errorf("%w: missing or invalid dev-type", ErrBadConfig)
	}
	if _, err := datachannel.CipherKeySizeBits(o.Cipher); err != nil {
		return fmt.Errorf("%w: unknown cipher: %s", ErrBadConfig, o.Cipher)
	}
	if !hasElement(o.Auth, SupportedAuth) {
		return fmt.Errorf("%w: unknown digest: %s", ErrBadConfig, o.Auth)
	}
	if o.KeyDirection < -1 || o.KeyDirection > 1 {
		return fmt.Errorf("%w: malformed key-direction", ErrBadConfig)
	}
	if len(o.TLSAuth) != 0 {
		key, err := keymat.ParseStaticKey(string(o.TLSAuth))
		if err != nil {
			return fmt.Errorf("%w: %s", ErrBadConfig, err)
		}
		c.tlsAuthKey = key
	}
	return nil
}

// Option is an option you can pass to [NewConfig].
type Option func(config *Config)

// WithLogger configures the passed [model.Logger].
func WithLogger(logger model.Logger) Option {
	return func(config *Config) {
		config.logger = logger
	}
}

// WithHandshakeTracer configures the passed [model.HandshakeTracer].
func WithHandshakeTracer(tracer model.HandshakeTracer) Option {
	return func(config *Config) {
		config.tracer = tracer
	}
}

// WithMode configures which side of the session we are.
func WithMode(mode model.Mode) Option {
	return func(config *Config) {
		config.mode = mode
	}
}

// WithConfigFile configures options parsed from the given file.
func WithConfigFile(configPath string) Option {
	return func(config *Config) {
		openvpnOpts, err := ReadConfigFile(configPath)
		runtimex.PanicOnError(err, "cannot parse config file")
		config.openvpnOptions = openvpnOpts
	}
}

// WithOpenVPNOptions configures the passed options.
func WithOpenVPNOptions(openvpnOptions *OpenVPNOptions) Option {
	return func(config *Config) {
		config.openvpnOptions = openvpnOptions
	}
}

// WithDeferredDataChannel defers data channel initialization until
// after the server push has been processed.
func WithDeferredDataChannel() Option {
	return func(config *Config) {
		config.dcDeferred = true
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() model.Logger {
	return c.logger
}

// Tracer returns the handshake tracer.
func (c *Config) Tracer() model.HandshakeTracer {
	return c.tracer
}

// Mode returns the configured mode.
func (c *Config) Mode() model.Mode {
	return c.mode
}

// OpenVPNOptions returns the configured options.
func (c *Config) OpenVPNOptions() *OpenVPNOptions {
	return c.openvpnOptions
}

// DataChannelDeferred reports whether data-channel setup waits for the
// server push.
func (c *Config) DataChannelDeferred() bool {
	return c.dcDeferred
}

// TLSAuthEnabled reports whether the control channel is wrapped with
// the pre-shared HMAC.
func (c *Config) TLSAuthEnabled() bool {
	return c.tlsAuthKey != nil
}

// TLSAuth returns the static key, digest name and direction used by
// the control-channel HMAC.
func (c *Config) TLSAuth() (*keymat.Key, string, keymat.Direction) {
	return c.tlsAuthKey, c.tlsAuthDigest, keymat.Direction(c.openvpnOptions.KeyDirection)
}

// PIDMode returns the replay-window discipline implied by the
// transport protocol.
func (c *Config) PIDMode() packetid.Mode {
	if c.openvpnOptions.Proto.IsReliable() {
		return packetid.ModeTCP
	}
	return packetid.ModeUDP
}

// EnableOp32 reports whether data packets use the DATA_V2 header.
func (c *Config) EnableOp32() bool {
	return c.enableOp32
}

// RemotePeerID returns the peer ID for DATA_V2 headers.
func (c *Config) RemotePeerID() model.PeerID {
	return c.remotePeerID
}

// SetLocalPeerID records the peer ID assigned to us.
func (c *Config) SetLocalPeerID(id model.PeerID) {
	c.localPeerID = id
}

// Timing holds the resolved timing parameters of the session.
type Timing struct {
	// HandshakeWindow bounds SSL/TLS negotiation time.
	HandshakeWindow time.Duration

	// BecomePrimary is when an ACTIVE key context becomes primary.
	BecomePrimary time.Duration

	// Renegotiate is when a new negotiation starts.
	Renegotiate time.Duration

	// Expire is when a key context expires.
	Expire time.Duration

	// TLSTimeout is the control-channel retransmit timeout.
	TLSTimeout time.Duration

	// KeepalivePing is the data-channel ping period.
	KeepalivePing time.Duration

	// KeepaliveTimeout invalidates the session when nothing is
	// received for this long. Zero disables the timeout.
	KeepaliveTimeout time.Duration
}

// Timing derives the timing parameters from the options, applying the
// defaults and adjustments of the reference implementation: 64-bit
// block-size ciphers shorten become-primary and pin the retransmit
// timeout, servers skew renegotiation by a handshake window to avoid
// colliding with the client, and expiration defaults to twice the
// renegotiation interval.
func (c *Config) Timing() Timing {
	o := c.openvpnOptions
	t := Timing{
		HandshakeWindow:  60 * time.Second,
		Renegotiate:      3600 * time.Second,
		TLSTimeout:       time.Second,
		KeepalivePing:    8 * time.Second,
		KeepaliveTimeout: 40 * time.Second,
	}
	if o.RenegSeconds > 0 {
		t.Renegotiate = time.Duration(o.RenegSeconds) * time.Second
	}
	if o.HandWindow > 0 {
		t.HandshakeWindow = time.Duration(o.HandWindow) * time.Second
	}
	t.Expire = t.Renegotiate
	if o.TranWindow > 0 {
		t.Expire += time.Duration(o.TranWindow) * time.Second
	} else {
		t.Expire += t.Renegotiate
	}
	if datachannel.IsBS64Cipher(o.Cipher) {
		t.BecomePrimary = 5 * time.Second
		t.TLSTimeout = time.Second
	} else {
		bp := t.HandshakeWindow
		if half := t.Renegotiate / 2; half < bp {
			bp = half
		}
		t.BecomePrimary = bp
	}
	if o.BecomePrimary > 0 {
		t.BecomePrimary = time.Duration(o.BecomePrimary) * time.Second
	}
	if o.TLSTimeout > 0 {
		t.TLSTimeout = time.Duration(o.TLSTimeout) * time.Second
	}
	if c.mode.IsServer() {
		// avoid renegotiation collision with client
		t.Renegotiate += t.HandshakeWindow
	}
	if o.KeepalivePing > 0 {
		t.KeepalivePing = time.Duration(o.KeepalivePing) * time.Second
	}
	if o.KeepaliveTimeout > 0 {
		t.KeepaliveTimeout = time.Duration(o.KeepaliveTimeout) * time.Second
	}
	return t
}
