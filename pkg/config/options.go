package config

//
// Parse VPN options.
//
// Mostly, this file conforms to the format in the reference
// implementation. Following that format, we allow including files in
// the main configuration file for the `ca`, `cert`, `key` and
// `tls-auth` options: each inline block is started by the line
// <option> and ended by the line </option>.
//

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/protovpn/protovpn/internal/model"
)

// ErrBadConfig is the generic error returned for invalid config files.
var ErrBadConfig = errors.New("protovpn: bad config")

// SupportedCiphers defines the supported data-channel ciphers.
var SupportedCiphers = []string{
	"AES-128-CBC",
	"AES-192-CBC",
	"AES-256-CBC",
	"AES-128-GCM",
	"AES-192-GCM",
	"AES-256-GCM",
	"BF-CBC",
}

// SupportedAuth defines the supported authentication digests.
var SupportedAuth = []string{
	"SHA1",
	"SHA256",
	"SHA512",
}

// OpenVPNOptions make the relevant configuration options accessible to
// the different modules that need them. Zero values select the
// protocol defaults during [NewConfig].
type OpenVPNOptions struct {
	// These options have the same name of the options referenced in
	// the OpenVPN documentation:
	Remote       string
	Port         string
	Proto        model.Proto
	DevType      string
	Username     string
	Password     string
	CA           []byte
	Cert         []byte
	Key          []byte
	TLSAuth      []byte
	KeyDirection int // 0, 1, or -1 for bidirectional
	Cipher       string
	Auth         string
	Compress     model.Compression
	TunMTU       int

	// Timing options, in seconds. Zero means "use the default".
	RenegSeconds     int // reneg-sec
	HandWindow       int // hand-window
	TranWindow       int // tran-window
	BecomePrimary    int // become-primary
	TLSTimeout       int // tls-timeout
	KeepalivePing    int // ping / keepalive first arg
	KeepaliveTimeout int // ping-restart / keepalive second arg

	// XmitCreds controls whether username/password travel in the
	// handshake payload. When false, empty strings are sent instead.
	XmitCreds bool

	// GUIVersion is passed to the peer as IV_GUI_VER when set.
	GUIVersion string

	// ExtraPeerInfo is a set of extra KEY=VALUE lines appended to the
	// peer-info blob.
	ExtraPeerInfo []string
}

// newDefaultOptions returns the options with protocol defaults applied.
func newDefaultOptions() *OpenVPNOptions {
	return &OpenVPNOptions{
		Proto:        model.ProtoUDP,
		DevType:      "tun",
		KeyDirection: -1,
		Cipher:       "BF-CBC",
		Auth:         "SHA1",
		TunMTU:       1500,
		XmitCreds:    true,
	}
}

// ReadConfigFile expects a string with a path to a valid config file,
// and returns a pointer to an [OpenVPNOptions] struct after parsing
// the file, and an error if the operation could not be completed.
func ReadConfigFile(filePath string) (*OpenVPNOptions, error) {
	lines, err := getLinesFromFile(filePath)
	if err != nil {
		return nil, err
	}
	dir, _ := filepath.Split(filePath)
	return getOptionsFromLines(lines, dir)
}

// HasAuthInfo returns true when we have either certificate material or
// username and password.
func (o *OpenVPNOptions) HasAuthInfo() bool {
	if len(o.Cert) != 0 && len(o.Key) != 0 && len(o.CA) != 0 {
		return true
	}
	if o.Username != "" && o.Password != "" {
		return true
	}
	return false
}

func parseProto(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "proto needs one arg")
	}
	switch m := p[0]; m {
	case model.ProtoUDP.String():
		o.Proto = model.ProtoUDP
	case model.ProtoTCP.String():
		o.Proto = model.ProtoTCP
	default:
		return fmt.Errorf("%w: bad proto: %s", ErrBadConfig, m)
	}
	return nil
}

func parseRemote(p []string, o *OpenVPNOptions) error {
	if len(p) != 2 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "remote needs two args")
	}
	o.Remote, o.Port = p[0], p[1]
	return nil
}

func parseDev(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "dev-type needs one arg")
	}
	switch {
	case strings.HasPrefix(p[0], "tun"):
		o.DevType = "tun"
	case strings.HasPrefix(p[0], "tap"):
		o.DevType = "tap"
	default:
		return fmt.Errorf("%w: bad dev-type: %s", ErrBadConfig, p[0])
	}
	return nil
}

func parseCipher(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "cipher expects one arg")
	}
	cipher := p[0]
	if !hasElement(cipher, SupportedCiphers) {
		return fmt.Errorf("%w: unsupported cipher: %s", ErrBadConfig, cipher)
	}
	o.Cipher = cipher
	return nil
}

func parseAuth(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "invalid auth entry")
	}
	auth := p[0]
	if !hasElement(auth, SupportedAuth) {
		return fmt.Errorf("%w: unsupported auth: %s", ErrBadConfig, auth)
	}
	o.Auth = auth
	return nil
}

func parseKeyDirection(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "key-direction expects one arg")
	}
	switch p[0] {
	case "0":
		o.KeyDirection = 0
	case "1":
		o.KeyDirection = 1
	case "bidirectional", "bi":
		o.KeyDirection = -1
	default:
		return fmt.Errorf("%w: bad key-direction: %s", ErrBadConfig, p[0])
	}
	return nil
}

func parseCompress(p []string, o *OpenVPNOptions) error {
	if len(p) > 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "compress: only empty/stub options supported")
	}
	if len(p) == 0 {
		o.Compress = model.CompressionEmpty
		return nil
	}
	if p[0] == "stub" {
		o.Compress = model.CompressionStub
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBadConfig, "compress: only empty/stub options supported")
}

func parseCompLZO(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 || p[0] != "no" {
		return fmt.Errorf("%w: %s", ErrBadConfig, "comp-lzo: compression not supported")
	}
	o.Compress = model.CompressionLZONo
	return nil
}

func parseSeconds(name string, p []string, target *int) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s expects one arg", ErrBadConfig, name)
	}
	v, err := strconv.Atoi(p[0])
	if err != nil || v < 0 {
		return fmt.Errorf("%w: bad %s: %s", ErrBadConfig, name, p[0])
	}
	*target = v
	return nil
}

func parseKeepalive(p []string, o *OpenVPNOptions) error {
	if len(p) != 2 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "keepalive expects two args")
	}
	if err := parseSeconds("keepalive ping", p[:1], &o.KeepalivePing); err != nil {
		return err
	}
	return parseSeconds("keepalive timeout", p[1:], &o.KeepaliveTimeout)
}

func parseTunMTU(p []string, o *OpenVPNOptions) error {
	return parseSeconds("tun-mtu", p, &o.TunMTU)
}

func parseAuthUser(p []string, o *OpenVPNOptions, basedir string) error {
	e := fmt.Errorf("%w: %s", ErrBadConfig, "auth-user-pass expects a valid file")
	if len(p) != 1 {
		return e
	}
	auth := toAbs(p[0], basedir)
	if sub, _ := isSubdir(basedir, auth); !sub {
		return fmt.Errorf("%w: %s", ErrBadConfig, "auth must be below config path")
	}
	creds, err := getCredentialsFromFile(auth)
	if err != nil {
		return err
	}
	o.Username, o.Password = creds[0], creds[1]
	return nil
}

// getOptionsFromLines tries to parse all the lines coming from a config
// file and raises validation errors if the values do not conform to the
// expected format.
func getOptionsFromLines(lines []string, dir string) (*OpenVPNOptions, error) {
	opt := newDefaultOptions()

	// tag and inlineBuf are used to parse inline files.
	tag := ""
	inlineBuf := new(bytes.Buffer)

	for _, l := range lines {
		if strings.HasPrefix(l, "#") {
			continue
		}
		l = strings.TrimSpace(l)

		if isClosingTag(l) {
			if err := parseInlineTag(opt, tag, inlineBuf); err != nil {
				return nil, err
			}
			tag = ""
			inlineBuf = new(bytes.Buffer)
			continue
		}
		if tag != "" {
			inlineBuf.WriteString(l)
			inlineBuf.WriteString("\n")
			continue
		}
		if isOpeningTag(l) {
			if len(inlineBuf.Bytes()) != 0 {
				return opt, fmt.Errorf("%w: %s", ErrBadConfig, "tag not closed")
			}
			tag = parseTag(l)
			continue
		}

		p := strings.Split(l, " ")
		if len(p) == 0 {
			continue
		}
		var (
			key   string
			parts []string
		)
		if len(p) == 1 {
			key = p[0]
		} else {
			key, parts = p[0], p[1:]
		}
		if err := parseOption(opt, dir, key, parts); err != nil {
			return nil, err
		}
	}
	return opt, nil
}

func parseOption(o *OpenVPNOptions, dir, key string, p []string) error {
	switch key {
	case "proto":
		return parseProto(p, o)
	case "remote":
		return parseRemote(p, o)
	case "dev", "dev-type":
		return parseDev(p, o)
	case "cipher":
		return parseCipher(p, o)
	case "auth":
		return parseAuth(p, o)
	case "key-direction":
		return parseKeyDirection(p, o)
	case "compress":
		return parseCompress(p, o)
	case "comp-lzo":
		return parseCompLZO(p, o)
	case "reneg-sec":
		return parseSeconds(key, p, &o.RenegSeconds)
	case "hand-window":
		return parseSeconds(key, p, &o.HandWindow)
	case "tran-window":
		return parseSeconds(key, p, &o.TranWindow)
	case "become-primary":
		return parseSeconds(key, p, &o.BecomePrimary)
	case "tls-timeout":
		return parseSeconds(key, p, &o.TLSTimeout)
	case "ping":
		return parseSeconds(key, p, &o.KeepalivePing)
	case "ping-restart":
		return parseSeconds(key, p, &o.KeepaliveTimeout)
	case "keepalive":
		return parseKeepalive(p, o)
	case "tun-mtu":
		return parseTunMTU(p, o)
	case "auth-user-pass":
		return parseAuthUser(p, o, dir)
	default:
		// unsupported options are ignored, like the reference does
		return nil
	}
}

func isOpeningTag(key string) bool {
	switch key {
	case "<ca>", "<cert>", "<key>", "<tls-auth>":
		return true
	default:
		return false
	}
}

func isClosingTag(key string) bool {
	switch key {
	case "</ca>", "</cert>", "</key>", "</tls-auth>":
		return true
	default:
		return false
	}
}

func parseTag(tag string) string {
	return strings.Trim(tag, "</>")
}

func parseInlineTag(o *OpenVPNOptions, tag string, buf *bytes.Buffer) error {
	b := buf.Bytes()
	if len(b) == 0 {
		return fmt.Errorf("%w: empty inline tag: %d", ErrBadConfig, len(b))
	}
	switch tag {
	case "ca":
		o.CA = b
	case "cert":
		o.Cert = b
	case "key":
		o.Key = b
	case "tls-auth":
		o.TLSAuth = b
	default:
		return fmt.Errorf("%w: unknown tag: %s", ErrBadConfig, tag)
	}
	return nil
}

// hasElement checks if a given string is present in a string array.
func hasElement(el string, arr []string) bool {
	for _, v := range arr {
		if v == el {
			return true
		}
	}
	return false
}

// getLinesFromFile accepts a path parameter, and returns a string array
// with its content and an error if the operation cannot be completed.
func getLinesFromFile(path string) ([]string, error) {
	f, err := os.Open(path) //#nosec G304
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := make([]string, 0)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// getCredentialsFromFile reads credentials from a given file, according
// to the reference format (user and pass on a line each).
func getCredentialsFromFile(path string) ([]string, error) {
	lines, err := getLinesFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, err)
	}
	if len(lines) != 2 {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "malformed credentials file")
	}
	if len(lines[0]) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "empty username in creds file")
	}
	if len(lines[1]) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "empty password in creds file")
	}
	return lines, nil
}

// toAbs returns an absolute path if the given path is not already
// absolute; to do so, it will append the path to the given basedir.
func toAbs(path, basedir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(basedir, path)
}

// isSubdir checks if a given path is a subdirectory of another.
func isSubdir(parent, sub string) (bool, error) {
	p, err := filepath.Abs(parent)
	if err != nil {
		return false, err
	}
	s, err := filepath.Abs(sub)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(s, p), nil
}
