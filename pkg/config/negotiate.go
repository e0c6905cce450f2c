package config

//
// The negotiation strings exchanged at handshake time: the canonical
// options string used for the consistency check, the client peer-info
// blob, and the processing of options pushed back by the server.
//

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/protovpn/protovpn/internal/datachannel"
	"github.com/protovpn/protovpn/internal/model"
)

// ivVer is the version compatibility we declare to the peer.
const ivVer = "2.5.5"

// ErrProcessPush means a server-pushed option was rejected.
var ErrProcessPush = fmt.Errorf("%w: bad pushed option", ErrBadConfig)

// protoString renders the transport for the options string.
func (c *Config) protoString() string {
	if c.openvpnOptions.Proto == model.ProtoTCP {
		if c.mode.IsServer() {
			return "TCPv4_SERVER"
		}
		return "TCPv4_CLIENT"
	}
	return "UDPv4"
}

// compressOptionsFragment returns the options-string fragment for the
// negotiated compression framing, or the empty string.
func (c *Config) compressOptionsFragment() string {
	switch c.openvpnOptions.Compress {
	case model.CompressionLZONo:
		return "comp-lzo"
	case model.CompressionStub, model.CompressionEmpty:
		return "compress"
	default:
		return ""
	}
}

// linkMTUAdjust is the overhead added on top of the tun MTU by the
// framing and the data-channel crypto layer.
func (c *Config) linkMTUAdjust() int {
	o := c.openvpnOptions
	adj := 1 // leading op byte
	if c.enableOp32 {
		adj = 4
	}
	if o.Proto == model.ProtoTCP {
		adj += 2 // stream packet-length prefix
	}
	switch o.Compress {
	case model.CompressionStub, model.CompressionLZONo:
		adj++ // compression byte
	}
	adj += 4 // short-form packet ID
	// data channel crypto overhead: tag for AEAD ciphers, worst-case
	// IV, HMAC and padding otherwise
	if strings.HasSuffix(strings.ToUpper(o.Cipher), "GCM") {
		adj += 16
	} else {
		blockSize := 16
		if datachannel.IsBS64Cipher(o.Cipher) {
			blockSize = 8
		}
		hmacSize := 20 // SHA1
		switch strings.ToUpper(o.Auth) {
		case "SHA256":
			hmacSize = 32
		case "SHA512":
			hmacSize = 64
		}
		adj += 2*blockSize + hmacSize
	}
	return adj
}

// OptionsString produces the canonical representation of the options,
// exchanged with the peer for the informational consistency check.
// The result is byte-stable for a given Config.
func (c *Config) OptionsString() string {
	o := c.openvpnOptions
	keysize, _ := datachannel.CipherKeySizeBits(o.Cipher)

	l2extra := 0
	if o.DevType == "tap" {
		l2extra = 32
	}

	var out strings.Builder
	out.WriteString("V4")
	out.WriteString(",dev-type " + o.DevType)
	out.WriteString(",link-mtu " + strconv.Itoa(o.TunMTU+c.linkMTUAdjust()+l2extra))
	out.WriteString(",tun-mtu " + strconv.Itoa(o.TunMTU+l2extra))
	out.WriteString(",proto " + c.protoString())
	if frag := c.compressOptionsFragment(); frag != "" {
		out.WriteString("," + frag)
	}
	if o.KeyDirection >= 0 {
		out.WriteString(",keydir " + strconv.Itoa(o.KeyDirection))
	}
	out.WriteString(",cipher " + o.Cipher)
	out.WriteString(",auth " + o.Auth)
	out.WriteString(",keysize " + strconv.Itoa(keysize))
	if c.TLSAuthEnabled() {
		out.WriteString(",tls-auth")
	}
	out.WriteString(",key-method 2")
	if c.mode.IsServer() {
		out.WriteString(",tls-server")
	} else {
		out.WriteString(",tls-client")
	}
	return out.String()
}

// PeerInfoString generates the newline-separated KEY=VALUE blob
// describing the client capabilities.
func (c *Config) PeerInfoString() string {
	o := c.openvpnOptions
	var out strings.Builder
	if o.GUIVersion != "" {
		out.WriteString("IV_GUI_VER=" + o.GUIVersion + "\n")
	}
	out.WriteString("IV_VER=" + ivVer + "\n")
	out.WriteString("IV_PLAT=" + runtime.GOOS + "\n")
	out.WriteString("IV_NCP=2\n")    // negotiable crypto parameters V2
	out.WriteString("IV_TCPNL=1\n")  // supports TCP non-linear packet ID
	out.WriteString("IV_PROTO=2\n")  // supports op32 and P_DATA_V2
	switch o.Compress {
	case model.CompressionStub, model.CompressionEmpty:
		out.WriteString("IV_COMP_STUBv2=1\n")
	case model.CompressionLZONo:
		out.WriteString("IV_LZO_STUB=1\n")
	}
	for _, extra := range o.ExtraPeerInfo {
		out.WriteString(extra + "\n")
	}
	if datachannel.IsBS64Cipher(o.Cipher) {
		// indicate support for data limits when using 64-bit
		// block-size ciphers, version 1 (CVE-2016-6329)
		out.WriteString("IV_BS64DL=1\n")
	}
	return out.String()
}

// PushedOptionsAsMap returns a map for the server-pushed options,
// where the options are the keys and each space-separated value is the
// value. This function always returns an initialized map, even if empty.
func PushedOptionsAsMap(pushedOptions []byte) map[string][]string {
	optMap := make(map[string][]string)
	if len(pushedOptions) == 0 {
		return optMap
	}
	optStr := strings.TrimSuffix(string(pushedOptions), "\x00")

	opts := strings.Split(optStr, ",")
	for _, opt := range opts {
		vals := strings.Split(strings.TrimSpace(opt), " ")
		k, v := vals[0], vals[1:]
		optMap[k] = v
	}
	return optMap
}

// ProcessPush applies the options pushed by the server: cipher, auth,
// compression, peer-id, keepalive and renegotiation parameters. It
// fails with [ErrProcessPush] when a pushed value cannot be accepted.
func (c *Config) ProcessPush(opts map[string][]string) error {
	o := c.openvpnOptions

	if v := opts["cipher"]; len(v) == 1 && v[0] != "none" {
		if _, err := datachannel.CipherKeySizeBits(v[0]); err != nil {
			return fmt.Errorf("%w: cipher %s", ErrProcessPush, v[0])
		}
		o.Cipher = strings.ToUpper(v[0])
	}
	if v := opts["auth"]; len(v) == 1 && v[0] != "none" {
		if !hasElement(strings.ToUpper(v[0]), SupportedAuth) {
			return fmt.Errorf("%w: auth %s", ErrProcessPush, v[0])
		}
		o.Auth = strings.ToUpper(v[0])
	}
	if v := opts["compress"]; len(v) >= 1 {
		if len(v) == 1 && v[0] == "stub" {
			o.Compress = model.CompressionStub
		} else {
			return fmt.Errorf("%w: compress %v", ErrProcessPush, v)
		}
	}
	if v := opts["comp-lzo"]; len(v) == 1 {
		if v[0] != "no" {
			return fmt.Errorf("%w: comp-lzo %s", ErrProcessPush, v[0])
		}
		o.Compress = model.CompressionLZONo
	}
	if v := opts["peer-id"]; len(v) == 1 {
		peer, err := strconv.Atoi(v[0])
		if err != nil || peer < -1 || peer > 0xFFFFFE {
			return fmt.Errorf("%w: peer-id %s", ErrProcessPush, v[0])
		}
		c.remotePeerID = model.PeerID(peer)
		c.enableOp32 = true
	}
	if v := opts["ping"]; len(v) == 1 {
		if err := parseSeconds("ping", v, &o.KeepalivePing); err != nil {
			return fmt.Errorf("%w: %s", ErrProcessPush, err)
		}
	}
	if v := opts["ping-restart"]; len(v) == 1 {
		if err := parseSeconds("ping-restart", v, &o.KeepaliveTimeout); err != nil {
			return fmt.Errorf("%w: %s", ErrProcessPush, err)
		}
	}
	if v := opts["keepalive"]; len(v) == 2 {
		if err := parseKeepalive(v, o); err != nil {
			return fmt.Errorf("%w: %s", ErrProcessPush, err)
		}
	}
	if v := opts["reneg-sec"]; len(v) == 1 {
		if err := parseSeconds("reneg-sec", v, &o.RenegSeconds); err != nil {
			return fmt.Errorf("%w: %s", ErrProcessPush, err)
		}
	}
	return nil
}
