package protocol

// AppMessageMax bounds the size of application-level control messages
// in both directions.
const AppMessageMax = 65536

// BS64DataLimit is the per-direction byte budget of a key driving a
// 64-bit block-size cipher, after which a renegotiation is forced
// (CVE-2016-6329).
const BS64DataLimit = 64 * 1024 * 1024

// authPrefix opens every handshake payload: four zero bytes plus the
// key-method byte (2).
var authPrefix = []byte{0x00, 0x00, 0x00, 0x00, 0x02}

// KeepaliveMessage is the constant plaintext marker exchanged inside
// encrypted data packets to keep the session alive. Exposed so tests
// can use it as a vector.
var KeepaliveMessage = []byte{
	0x2a, 0x18, 0x7b, 0xf3, 0x64, 0x1e, 0xb4, 0xcb,
	0x07, 0xed, 0x2d, 0x0a, 0x98, 0x1f, 0xc7, 0x48,
}

// ExplicitExitNotifyMessage is the constant plaintext marker a UDP
// client sends on disconnect. The trailing byte is the OCC_EXIT code.
var ExplicitExitNotifyMessage = []byte{
	0x28, 0x7f, 0x34, 0x6b, 0xd4, 0xef, 0x7a, 0x81,
	0x2d, 0x56, 0xb8, 0xd3, 0xaf, 0xc5, 0x45, 0x9c,
	0x06,
}

// isKeepalive reports whether a decrypted payload is the keepalive marker.
func isKeepalive(buf []byte) bool {
	if len(buf) < len(KeepaliveMessage) || buf[0] != KeepaliveMessage[0] {
		return false
	}
	for i, b := range KeepaliveMessage {
		if buf[i] != b {
			return false
		}
	}
	return true
}
