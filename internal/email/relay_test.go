package email

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/require"
)

// mockRelay is an in-process submission server offering STARTTLS and AUTH PLAIN.
type mockRelay struct {
	username string
	password string
	// noAuth hides the AUTH extension from every session
	noAuth bool

	mu       sync.Mutex
	sessions []*relaySession
	logouts  int
}

type relaySession struct {
	relay *mockRelay

	hostname string
	authUser string
	from     string
	rcpts    []string
	data     []byte
}

// relaySnapshot is a copy of a session taken under the relay lock
type relaySnapshot struct {
	Hostname string
	AuthUser string
	From     string
	Rcpts    []string
	Data     []byte
}

// sessionWithoutAuth exposes only the base Session methods
type sessionWithoutAuth struct {
	smtp.Session
}

func (r *mockRelay) NewSession(c *smtp.Conn) (smtp.Session, error) {
	s := &relaySession{relay: r, hostname: c.Hostname()}

	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()

	if r.noAuth {
		return sessionWithoutAuth{Session: s}, nil
	}
	return s, nil
}

func (r *mockRelay) snapshot() []relaySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]relaySnapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, relaySnapshot{
			Hostname: s.hostname,
			AuthUser: s.authUser,
			From:     s.from,
			Rcpts:    append([]string(nil), s.rcpts...),
			Data:     append([]byte(nil), s.data...),
		})
	}
	return out
}

func (r *mockRelay) logoutCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logouts
}

func (s *relaySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *relaySession) Auth(_ string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != s.relay.username || password != s.relay.password {
			return smtp.ErrAuthFailed
		}
		s.relay.mu.Lock()
		s.authUser = username
		s.relay.mu.Unlock()
		return nil
	}), nil
}

func (s *relaySession) Mail(from string, _ *smtp.MailOptions) error {
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	s.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	s.data = b
	return nil
}

func (s *relaySession) Reset() {}

func (s *relaySession) Logout() error {
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	s.relay.logouts++
	return nil
}

// startRelay serves r on a loopback port and returns its address together
// with a pool trusting its certificate.
func startRelay(t *testing.T, r *mockRelay) (string, *x509.CertPool) {
	t.Helper()

	cert, pool := selfSignedCert(t)

	srv := smtp.NewServer(r)
	srv.Domain = "localhost"
	srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = srv.Serve(l)
	}()
	t.Cleanup(func() {
		_ = srv.Close()
	})

	return l.Addr().String(), pool
}

func selfSignedCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mock relay"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

// trackingDialer records every connection it opens so tests can check
// that each one was closed.
type trackingDialer struct {
	mu    sync.Mutex
	conns []*trackedConn
}

type trackedConn struct {
	net.Conn
	closed atomic.Bool
}

func (c *trackedConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

func (d *trackingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}

	tc := &trackedConn{Conn: conn}
	d.mu.Lock()
	d.conns = append(d.conns, tc)
	d.mu.Unlock()
	return tc, nil
}

func (d *trackingDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *trackingDialer) allClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		if !c.closed.Load() {
			return false
		}
	}
	return true
}
