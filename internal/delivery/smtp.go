package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/foxzi/outreach/internal/recipient"
)

// SMTP security modes
const (
	SecurityStartTLS = "starttls"
	SecurityTLS      = "tls"
	SecurityNone     = "none"
)

// SMTPConfig contains relay settings for the SMTP transport
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// Security is one of starttls (upgrade when offered), tls (implicit) or none
	Security           string
	RequireTLS         bool
	InsecureSkipVerify bool
	Hostname           string
	From               string
	FromName           string
	Subject            string
	Timeout            time.Duration

	DKIMKeyFile  string
	DKIMDomain   string
	DKIMSelector string
}

// SMTP relays messages through an SMTP submission server
type SMTP struct {
	cfg    SMTPConfig
	signer *DKIMSigner
	logger *slog.Logger
	now    func() time.Time
}

// NewSMTP creates an SMTP transport
func NewSMTP(cfg SMTPConfig, logger *slog.Logger) (*SMTP, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("invalid smtp from address %q: %w", cfg.From, err)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Security == "" {
		cfg.Security = SecurityStartTLS
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Subject == "" {
		cfg.Subject = "Hello"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &SMTP{cfg: cfg, logger: logger, now: time.Now}

	if cfg.DKIMKeyFile != "" {
		domain := cfg.DKIMDomain
		if domain == "" {
			domain = addressDomain(cfg.From)
		}
		signer, err := NewDKIMSignerFromFile(cfg.DKIMKeyFile, domain, cfg.DKIMSelector)
		if err != nil {
			return nil, err
		}
		s.signer = signer
	}

	return s, nil
}

// SetDKIMSigner sets the DKIM signer for outgoing messages
func (s *SMTP) SetDKIMSigner(signer *DKIMSigner) {
	s.signer = signer
}

// Deliver implements Transport
func (s *SMTP) Deliver(ctx context.Context, r *recipient.Recipient, text string) error {
	if r.Email == "" {
		return permanent("recipient %s has no email address", r.ID)
	}
	to, err := mail.ParseAddress(r.Email)
	if err != nil {
		return permanent("invalid recipient address %q: %v", r.Email, err)
	}
	to.Name = r.Name

	data, err := s.buildMessage(to, text)
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}

	if s.signer != nil {
		signed, err := s.signer.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", s.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if s.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return categorizeSMTPError(err, "AUTH")
		}
	}

	from, _ := mail.ParseAddress(s.cfg.From)
	if err := client.SendMail(from.Address, []string{to.Address}, bytes.NewReader(data)); err != nil {
		return categorizeSMTPError(err, "SEND")
	}

	client.Quit()

	s.logger.Info("message delivered",
		"relay", s.cfg.Host,
		"recipient_id", r.ID,
		"to", to.Address,
	)
	return nil
}

func (s *SMTP) dial(ctx context.Context) (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		ServerName:         s.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	}

	if s.cfg.Security == SecurityStartTLS {
		if s.cfg.RequireTLS {
			return s.dialStartTLS(ctx, tlsConfig)
		}

		// Opportunistic: check the EHLO extensions and reconnect with
		// STARTTLS when the relay offers it.
		client, err := s.dialPlain(ctx, nil)
		if err != nil {
			return nil, err
		}
		if ok, _ := client.Extension("STARTTLS"); !ok {
			s.logger.Warn("relay does not offer STARTTLS, continuing without encryption", "relay", s.cfg.Host)
			return client, nil
		}
		client.Quit()
		client.Close()
		return s.dialStartTLS(ctx, tlsConfig)
	}

	if s.cfg.Security == SecurityTLS {
		return s.dialPlain(ctx, tlsConfig)
	}
	return s.dialPlain(ctx, nil)
}

// connect opens the TCP connection, wrapped in TLS when implicitTLS is set,
// and applies the delivery deadline
func (s *SMTP) connect(ctx context.Context, implicitTLS *tls.Config) (net.Conn, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}

	var conn net.Conn
	var err error
	if implicitTLS != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: implicitTLS}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, temporary("connection failed to %s: %v", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
	}
	return conn, nil
}

func (s *SMTP) dialPlain(ctx context.Context, implicitTLS *tls.Config) (*smtp.Client, error) {
	conn, err := s.connect(ctx, implicitTLS)
	if err != nil {
		return nil, err
	}

	client := smtp.NewClient(conn)
	if err := client.Hello(s.cfg.Hostname); err != nil {
		client.Close()
		return nil, categorizeSMTPError(err, "HELO")
	}
	return client, nil
}

// dialStartTLS connects and upgrades with STARTTLS before any other command.
// A relay that does not offer STARTTLS is a permanent failure.
func (s *SMTP) dialStartTLS(ctx context.Context, tlsConfig *tls.Config) (*smtp.Client, error) {
	conn, err := s.connect(ctx, nil)
	if err != nil {
		return nil, err
	}

	client, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if err != nil {
		var smtpErr *smtp.SMTPError
		switch {
		case errors.As(err, &smtpErr):
			return nil, categorizeSMTPError(err, "STARTTLS")
		case strings.Contains(err.Error(), "STARTTLS"):
			return nil, permanent("relay %s does not offer STARTTLS", s.cfg.Host)
		default:
			return nil, temporary("STARTTLS failed: %v", err)
		}
	}

	// the upgrade resets the session; greet again over TLS
	if err := client.Hello(s.cfg.Hostname); err != nil {
		client.Close()
		return nil, categorizeSMTPError(err, "HELO")
	}
	return client, nil
}

func (s *SMTP) buildMessage(to *mail.Address, text string) ([]byte, error) {
	from, err := mail.ParseAddress(s.cfg.From)
	if err != nil {
		return nil, err
	}
	if s.cfg.FromName != "" {
		from.Name = s.cfg.FromName
	}

	var buf bytes.Buffer
	writeHeader := func(k, v string) {
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(v)
		buf.WriteString("\r\n")
	}

	writeHeader("From", from.String())
	writeHeader("To", to.String())
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", s.cfg.Subject))
	writeHeader("Date", s.now().Format(time.RFC1123Z))
	writeHeader("Message-ID", fmt.Sprintf("<%s@%s>", uuid.New().String(), addressDomain(from.Address)))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", "text/plain; charset=utf-8")
	writeHeader("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	body := strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", "\n"), "\n", "\r\n")
	if _, err := qp.Write([]byte(body)); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}
	buf.WriteString("\r\n")

	return buf.Bytes(), nil
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeSMTPError determines if an SMTP error is temporary or permanent
func categorizeSMTPError(err error, stage string) *Error {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &Error{Temporary: smtpErr.Code < 500, Message: msg}
	}

	if m := smtpCodePattern.FindStringSubmatch(err.Error()); len(m) > 1 {
		return &Error{Temporary: strings.HasPrefix(m[1], "4"), Message: msg}
	}

	// Assume temporary by default
	return &Error{Temporary: true, Message: msg}
}

func addressDomain(addr string) string {
	if a, err := mail.ParseAddress(addr); err == nil {
		addr = a.Address
	}
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}
