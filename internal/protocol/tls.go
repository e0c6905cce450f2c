package protocol

import "github.com/protovpn/protovpn/internal/model"

// TLSSession is the stream-oriented handshake object consumed by a key
// context. The engine never blocks on it: each method either returns
// buffered data or reports that none is available yet.
type TLSSession interface {
	// Start begins the handshake. On the client this produces the
	// first flight of ciphertext.
	Start() error

	// HandshakeDone reports whether the handshake has completed.
	HandshakeDone() bool

	// ReadCiphertext returns the next outgoing TLS record to be
	// carried over the control channel, or nil when there is none.
	ReadCiphertext() ([]byte, error)

	// WriteCiphertext feeds an incoming TLS record received from the
	// control channel.
	WriteCiphertext(buf []byte) error

	// ReadCleartext returns decrypted application payload, or nil
	// when there is none.
	ReadCleartext() ([]byte, error)

	// WriteCleartext encrypts application payload into the stream.
	WriteCleartext(buf []byte) error

	// Close releases the session.
	Close() error
}

// TLSFactory builds one [TLSSession] per key context.
type TLSFactory interface {
	NewSession(mode model.Mode) (TLSSession, error)
}

// Callbacks are implemented by the host embedding the engine.
type Callbacks interface {
	// ControlNetSend transmits an encoded packet on the transport.
	ControlNetSend(buf []byte)

	// ControlRecv delivers an application-level control message
	// received from the peer.
	ControlRecv(buf []byte)

	// ClientAuth returns the credentials to transmit during the
	// handshake. Return empty strings when there are none.
	ClientAuth() (username, password string)

	// ServerAuth is called on the server with the credentials and
	// peer info provided by the client.
	ServerAuth(username, password, peerInfo string)

	// Active is called when the initial key context reaches ACTIVE.
	Active()
}
