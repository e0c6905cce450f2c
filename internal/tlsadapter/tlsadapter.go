// Package tlsadapter implements the TLS collaborator interface on top
// of uTLS, parroting a ClientHello that can reasonably blend with a
// recent reference client. The engine consumes a pull-style session
// object and never blocks; this adapter bridges to the blocking TLS
// API with an in-memory connection and a private goroutine.
package tlsadapter

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sync"

	tls "github.com/refraction-networking/utls"

	"github.com/protovpn/protovpn/internal/model"
	"github.com/protovpn/protovpn/internal/protocol"
	"github.com/protovpn/protovpn/pkg/config"
)

var (
	// ErrBadCA is returned when the CA cannot be parsed.
	ErrBadCA = errors.New("tlsadapter: bad ca conf")

	// ErrBadKeypair is returned when the cert/key pair cannot be parsed.
	ErrBadKeypair = errors.New("tlsadapter: bad keypair conf")

	// ErrBadHandshake is returned when the TLS handshake failed.
	ErrBadHandshake = errors.New("tlsadapter: handshake failure")
)

// Factory builds uTLS-backed sessions for the protocol engine.
type Factory struct {
	config *tls.Config
	logger model.Logger
}

var _ protocol.TLSFactory = &Factory{}

// NewFactory creates a [Factory] from the certificate material in the
// given configuration.
func NewFactory(cfg *config.Config) (*Factory, error) {
	o := cfg.OpenVPNOptions()
	tlsConf := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if len(o.CA) != 0 {
		ca := x509.NewCertPool()
		if !ca.AppendCertsFromPEM(o.CA) {
			return nil, fmt.Errorf("%w: cannot parse ca cert", ErrBadCA)
		}
		tlsConf.RootCAs = ca
		tlsConf.ClientCAs = ca
	} else {
		// without a CA we cannot verify the chain; the control
		// channel HMAC still gates who can talk to us at all
		tlsConf.InsecureSkipVerify = true
	}
	if len(o.Cert) != 0 && len(o.Key) != 0 {
		cert, err := tls.X509KeyPair(o.Cert, o.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadKeypair, err)
		}
		tlsConf.Certificates = []tls.Certificate{cert}
	}
	return &Factory{config: tlsConf, logger: cfg.Logger()}, nil
}

// NewSession implements protocol.TLSFactory.
func (f *Factory) NewSession(mode model.Mode) (protocol.TLSSession, error) {
	s := &session{
		mode:   mode,
		logger: f.logger,
		conn:   newMemConn(),
	}
	if mode.IsServer() {
		s.tlsConn = tls.Server(s.conn, f.config.Clone())
	} else {
		s.uconn = tls.UClient(s.conn, f.config.Clone(), tls.HelloChrome_Auto)
		s.tlsConn = s.uconn
	}
	return s, nil
}

// tlsConn is the intersection of *tls.Conn and *tls.UConn we need.
type tlsConn interface {
	Handshake() error
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}

// session adapts one TLS connection to the engine's pull model.
type session struct {
	mode   model.Mode
	logger model.Logger
	conn   *memConn

	uconn   *tls.UConn
	tlsConn tlsConn

	mu           sync.Mutex
	started      bool
	done         bool
	handshakeErr error
	cleartext    [][]byte
	closed       bool
}

var _ protocol.TLSSession = &session{}

// Start implements protocol.TLSSession. The handshake and the
// subsequent cleartext reads run in a private goroutine; results
// surface through the non-blocking accessors.
func (s *session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	go s.run()
	return nil
}

func (s *session) run() {
	if err := s.tlsConn.Handshake(); err != nil {
		s.mu.Lock()
		s.handshakeErr = fmt.Errorf("%w: %s", ErrBadHandshake, err)
		s.mu.Unlock()
		s.logger.Warnf("tlsadapter: %s", err)
		return
	}
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	for {
		buf := make([]byte, 8192)
		count, err := s.tlsConn.Read(buf)
		if count > 0 {
			s.mu.Lock()
			s.cleartext = append(s.cleartext, buf[:count])
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// HandshakeDone implements protocol.TLSSession.
func (s *session) HandshakeDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// ReadCiphertext implements protocol.TLSSession.
func (s *session) ReadCiphertext() ([]byte, error) {
	return s.conn.popWritten(), nil
}

// WriteCiphertext implements protocol.TLSSession.
func (s *session) WriteCiphertext(buf []byte) error {
	return s.conn.feed(buf)
}

// ReadCleartext implements protocol.TLSSession.
func (s *session) ReadCleartext() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handshakeErr != nil {
		return nil, s.handshakeErr
	}
	if len(s.cleartext) == 0 {
		return nil, nil
	}
	buf := s.cleartext[0]
	s.cleartext = s.cleartext[1:]
	return buf, nil
}

// WriteCleartext implements protocol.TLSSession.
func (s *session) WriteCleartext(buf []byte) error {
	s.mu.Lock()
	if !s.done {
		err := s.handshakeErr
		s.mu.Unlock()
		if err != nil {
			return err
		}
		return errors.New("tlsadapter: handshake not done")
	}
	s.mu.Unlock()
	_, err := s.tlsConn.Write(buf)
	return err
}

// Close implements protocol.TLSSession.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.conn.Close()
	return s.tlsConn.Close()
}
