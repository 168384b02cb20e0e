package imapproxy

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeIMAPServer is a scripted upstream. It understands just enough of
// IMAP for the login dialogue: STARTTLS, LOGIN (plain and literal),
// AUTHENTICATE PLAIN with an initial response, and generic commands that
// complete with OK.
type fakeIMAPServer struct {
	t  *testing.T
	ln net.Listener

	greeting string
	users    map[string]string
	tlsCfg   *tls.Config

	// reply, when set, may answer a command line (without tag) instead of
	// the default handling. Returning ok=false falls through.
	reply func(tag, cmd string) (resp string, ok bool)

	mu       sync.Mutex
	commands []string
	literals []string
	sasl     []string

	accepted atomic.Int32
	logins   atomic.Int32
	closed   chan struct{} // client hung up
	dropped  chan struct{} // server hung up after * BYE
}

func newFakeIMAPServer(t *testing.T) *fakeIMAPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeIMAPServer{
		t:        t,
		ln:       ln,
		greeting: "* OK IMAP4rev1 Service Ready\r\n",
		users:    map[string]string{"alice": "secret"},
		closed:   make(chan struct{}, 64),
		dropped:  make(chan struct{}, 64),
	}
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeIMAPServer) start() {
	go func() {
		for {
			c, err := s.ln.Accept()
			if err != nil {
				return
			}
			s.accepted.Add(1)
			go s.serve(c)
		}
	}()
}

func (s *fakeIMAPServer) addr() string {
	return s.ln.Addr().String()
}

func (s *fakeIMAPServer) record(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, line)
}

func (s *fakeIMAPServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *fakeIMAPServer) Literals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.literals...)
}

func (s *fakeIMAPServer) SASL() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sasl...)
}

// waitClosed waits for a client to hang up on the server.
func (s *fakeIMAPServer) waitClosed(timeout time.Duration) bool {
	select {
	case <-s.closed:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *fakeIMAPServer) serve(c net.Conn) {
	defer func() {
		c.Close()
	}()

	if _, err := io.WriteString(c, s.greeting); err != nil {
		return
	}

	r := bufio.NewReader(c)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				s.closed <- struct{}{}
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		s.record(line)

		tag, cmd, _ := strings.Cut(line, " ")
		if s.reply != nil {
			if resp, ok := s.reply(tag, cmd); ok {
				if _, err := io.WriteString(c, resp); err != nil {
					return
				}
				if strings.HasPrefix(resp, "* BYE") {
					c.Close()
					s.dropped <- struct{}{}
					return
				}
				continue
			}
		}

		fields := strings.Fields(cmd)
		verb := ""
		if len(fields) > 0 {
			verb = strings.ToUpper(fields[0])
		}

		var resp string
		switch verb {
		case "STARTTLS":
			if s.tlsCfg == nil {
				resp = tag + " BAD STARTTLS not supported\r\n"
				break
			}
			if _, err := io.WriteString(c, tag+" OK Begin TLS negotiation now\r\n"); err != nil {
				return
			}
			tc := tls.Server(c, s.tlsCfg)
			if err := tc.Handshake(); err != nil {
				return
			}
			c = tc
			r = bufio.NewReader(tc)
			continue

		case "LOGIN":
			if len(fields) != 3 {
				resp = tag + " BAD LOGIN expects two arguments\r\n"
				break
			}
			user, pass := fields[1], fields[2]
			if strings.HasPrefix(pass, "{") && strings.HasSuffix(pass, "}") {
				n, err := strconv.Atoi(pass[1 : len(pass)-1])
				if err != nil {
					resp = tag + " BAD bad literal\r\n"
					break
				}
				if _, err := io.WriteString(c, "+ Ready for literal data\r\n"); err != nil {
					return
				}
				buf := make([]byte, n+2)
				if _, err := io.ReadFull(r, buf); err != nil {
					return
				}
				pass = string(buf[:n])
				s.mu.Lock()
				s.literals = append(s.literals, pass)
				s.mu.Unlock()
			}
			s.logins.Add(1)
			if want, ok := s.users[user]; ok && want == pass {
				resp = tag + " OK [CAPABILITY IMAP4rev1] done\r\n"
			} else {
				resp = tag + " NO [AUTHENTICATIONFAILED] Invalid credentials\r\n"
			}

		case "AUTHENTICATE":
			s.logins.Add(1)
			if len(fields) != 3 || !strings.EqualFold(fields[1], "PLAIN") {
				resp = tag + " NO unsupported mechanism\r\n"
				break
			}
			raw, err := base64.StdEncoding.DecodeString(fields[2])
			if err != nil {
				resp = tag + " BAD invalid base64\r\n"
				break
			}
			s.mu.Lock()
			s.sasl = append(s.sasl, string(raw))
			s.mu.Unlock()
			parts := strings.Split(string(raw), "\x00")
			if len(parts) == 3 && parts[1] == "admin" && parts[2] == "adminpw" {
				resp = tag + " OK [CAPABILITY IMAP4rev1 IDLE] Logged in as " + parts[0] + "\r\n"
			} else {
				resp = tag + " NO [AUTHENTICATIONFAILED] Invalid credentials\r\n"
			}

		case "ID":
			resp = "* ID NIL\r\n" + tag + " OK ID completed\r\n"

		default:
			resp = tag + " OK " + verb + " completed\r\n"
		}

		if _, err := io.WriteString(c, resp); err != nil {
			return
		}
	}
}

// testDialer dials a fixed address.
type testDialer struct {
	addr   string
	tlsCfg *tls.Config
	dials  atomic.Int32
}

func (d *testDialer) Dial(ctx context.Context) (net.Conn, string, error) {
	d.dials.Add(1)
	var nd net.Dialer
	c, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, "", err
	}
	return c, d.addr, nil
}

func (d *testDialer) TLSConfig(string) *tls.Config {
	return d.tlsCfg
}

// newTestTLSConfigs returns a server config with a fresh self-signed
// certificate for 127.0.0.1 and a client config that trusts it.
func newTestTLSConfigs(t *testing.T) (serverCfg, clientCfg *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "imap.test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"imap.test"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	serverCfg = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}},
		MinVersion:   tls.VersionTLS12,
	}
	clientCfg = &tls.Config{
		RootCAs:    pool,
		ServerName: "imap.test",
		MinVersion: tls.VersionTLS12,
	}
	return serverCfg, clientCfg
}

func longUsername(n int) string {
	return fmt.Sprintf("%s@example.com", strings.Repeat("u", n-len("@example.com")))
}
