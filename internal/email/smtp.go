package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/hostedid/mailsend/internal/logger"
)

const (
	// DefaultSubmissionPort is the mail submission port used when the relay
	// host carries none.
	DefaultSubmissionPort = 587

	// PasswordEnv is read by New to obtain the relay credential.
	PasswordEnv = "EMAIL_PASSWORD"

	defaultLocalName = "localhost"
)

// SMTPConfig holds the configuration for the SMTP sender.
type SMTPConfig struct {
	// SenderAddress is the From address and the AUTH PLAIN username.
	SenderAddress string
	// RelayHost is the submission server, "host" or "host:port".
	RelayHost string
	// Port is used when RelayHost has no port. Zero means 587.
	Port int
	// Credential is the AUTH PLAIN password.
	Credential string
	// LocalName is sent with EHLO after STARTTLS. Empty means "localhost".
	LocalName string
	// DialTimeout bounds the TCP connect. Zero leaves the OS default.
	DialTimeout time.Duration
	// InsecureSkipVerify disables certificate verification after STARTTLS.
	InsecureSkipVerify bool
}

// Dialer opens the network connection to the relay. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option customizes an SMTPSender.
type Option func(*SMTPSender)

// WithDialer replaces the default net.Dialer.
func WithDialer(d Dialer) Option {
	return func(s *SMTPSender) {
		s.dialer = d
	}
}

// WithTLSConfig sets the client configuration used for the STARTTLS upgrade.
// ServerName defaults to the relay host when left empty.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *SMTPSender) {
		s.tlsConfig = cfg.Clone()
	}
}

// WithClock sets the clock used for the Date header.
func WithClock(now func() time.Time) Option {
	return func(s *SMTPSender) {
		s.now = now
	}
}

// SMTPSender implements Sender over SMTP submission with a mandatory
// STARTTLS upgrade and AUTH PLAIN. Each Send opens and closes its own
// connection, so a single SMTPSender is safe for concurrent use.
type SMTPSender struct {
	identity  Identity
	addr      string
	localName string
	dialer    Dialer
	tlsConfig *tls.Config
	now       func() time.Time
	log       *logger.Logger
}

// New creates an SMTPSender for senderAddress on relayHost and reads the
// credential from the EMAIL_PASSWORD environment variable. A missing
// credential is reported by Send, not here.
func New(senderAddress, relayHost string) *SMTPSender {
	return NewSMTPSender(SMTPConfig{
		SenderAddress: senderAddress,
		RelayHost:     relayHost,
		Credential:    os.Getenv(PasswordEnv),
	}, nil)
}

// NewSMTPSender creates an SMTPSender from an explicit configuration.
// No connection is opened.
func NewSMTPSender(cfg SMTPConfig, log *logger.Logger, opts ...Option) *SMTPSender {
	if log == nil {
		log = logger.Nop()
	}

	addr := relayAddress(cfg.RelayHost, cfg.Port)

	s := &SMTPSender{
		identity: Identity{
			SenderAddress: cfg.SenderAddress,
			RelayHost:     cfg.RelayHost,
			Credential:    cfg.Credential,
		},
		addr:      addr,
		localName: cfg.LocalName,
		dialer:    &net.Dialer{Timeout: cfg.DialTimeout},
		tlsConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		now: time.Now,
		log: log.WithComponent("email").WithRelay(addr),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.tlsConfig.ServerName == "" {
		s.tlsConfig.ServerName = relayHostname(addr)
	}

	return s
}

// Identity returns the sender identity.
func (s *SMTPSender) Identity() Identity {
	return s.identity
}

// Address returns the host:port the sender dials.
func (s *SMTPSender) Address() string {
	return s.addr
}

// Compose renders msg exactly as Send would transmit it, without contacting
// the relay.
func (s *SMTPSender) Compose(msg Message) ([]byte, error) {
	data, outcome, err := s.prepare(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", outcome.sentinel(), err)
	}
	return data, nil
}

// Send delivers msg in a single relay session:
// connect, STARTTLS, AUTH, MAIL/RCPT/DATA, QUIT.
// The connection is closed before Send returns, whatever the outcome.
func (s *SMTPSender) Send(ctx context.Context, msg Message) Result {
	start := time.Now()
	res := s.send(ctx, msg)
	s.log.Delivery(s.identity.SenderAddress, len(msg.To), res.Outcome.String(), res.Detail, time.Since(start))
	return res
}

func (s *SMTPSender) send(ctx context.Context, msg Message) Result {
	if s.identity.Credential == "" {
		return failure(ConfigError, fmt.Errorf("relay credential is empty; set %s", PasswordEnv))
	}

	data, outcome, err := s.prepare(msg)
	if err != nil {
		return failure(outcome, err)
	}

	return s.deliver(ctx, msg.To, data)
}

// prepare reads the attachment and renders the message. The attachment is
// read before any connection is opened.
func (s *SMTPSender) prepare(msg Message) ([]byte, Outcome, error) {
	var att *attachment
	if msg.Attachment != "" {
		a, err := loadAttachment(msg.Attachment)
		if err != nil {
			return nil, AttachmentError, err
		}
		att = a
	}

	data, err := buildMessage(s.identity.SenderAddress, msg, att, s.now())
	if err != nil {
		return nil, TransportError, err
	}

	return data, Sent, nil
}

func (s *SMTPSender) deliver(ctx context.Context, to []string, data []byte) Result {
	conn, err := s.dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return s.fail(ctx, TransportError, fmt.Errorf("failed to connect to %s: %w", s.addr, err))
	}

	// Closing the connection unblocks whatever command is in flight.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	c, err := smtp.NewClientStartTLS(conn, s.tlsConfig)
	if err != nil {
		_ = conn.Close()
		return s.fail(ctx, TransportError, fmt.Errorf("STARTTLS failed: %w", err))
	}
	defer c.Close()
	s.log.Debug().Msg("relay connection opened")

	// The TLS handshake runs lazily on the first command after STARTTLS.
	// EHLO forces it here so certificate errors are not taken for AUTH errors.
	if err := c.Hello(s.helloName()); err != nil {
		return s.fail(ctx, TransportError, fmt.Errorf("STARTTLS handshake failed: %w", err))
	}

	auth := sasl.NewPlainClient("", s.identity.SenderAddress, s.identity.Credential)
	if err := c.Auth(auth); err != nil {
		return s.fail(ctx, AuthError, fmt.Errorf("relay rejected credentials for %s: %w", s.identity.SenderAddress, err))
	}

	if err := c.SendMail(s.identity.SenderAddress, to, bytes.NewReader(data)); err != nil {
		return s.fail(ctx, TransportError, fmt.Errorf("message submission failed: %w", err))
	}

	// The relay has accepted the message at this point.
	if err := c.Quit(); err != nil {
		s.log.Debug().Err(err).Msg("QUIT failed after message was accepted")
	}

	return success()
}

func (s *SMTPSender) helloName() string {
	if s.localName != "" {
		return s.localName
	}
	return defaultLocalName
}

// fail reports cancellation as a transport failure regardless of the step it
// interrupted.
func (s *SMTPSender) fail(ctx context.Context, outcome Outcome, err error) Result {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return failure(TransportError, fmt.Errorf("%w: %w", ctxErr, err))
	}
	return failure(outcome, err)
}

func relayAddress(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if port == 0 {
		port = DefaultSubmissionPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func relayHostname(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
