package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// TLS modes for the relay connection
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "implicit"
)

// SMTPConfig contains relay settings
type SMTPConfig struct {
	Addr               string
	Hostname           string // Used in EHLO
	Username           string
	Password           string
	TLS                string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// SMTPSender relays messages through an SMTP submission server
type SMTPSender struct {
	cfg    SMTPConfig
	signer *DKIMSigner
	logger *slog.Logger
	now    func() time.Time
}

// NewSMTPSender creates a new relay sender
func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) *SMTPSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSStartTLS
	}
	return &SMTPSender{cfg: cfg, logger: logger, now: time.Now}
}

// SetDKIMSigner enables DKIM signing of outgoing messages
func (s *SMTPSender) SetDKIMSigner(signer *DKIMSigner) {
	s.signer = signer
}

// Send delivers one message to the relay
func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	data := Build(msg, s.now())

	// Sign message with DKIM if configured
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

	c, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	// After STARTTLS the session is reset, so EHLO is sent again with our name
	if err := c.Hello(s.cfg.Hostname); err != nil {
		return categorizeError(err, "EHLO")
	}

	if s.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	envelopeFrom := msg.EnvelopeFrom
	if envelopeFrom == "" {
		envelopeFrom = msg.From
	}
	if err := c.Mail(envelopeFrom, nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}
	if err := c.Rcpt(msg.To, nil); err != nil {
		return categorizeError(err, fmt.Sprintf("RCPT TO %s", msg.To))
	}

	wc, err := c.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return Transient("failed to write message data: %v", err)
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	c.Quit()

	s.logger.Debug("message relayed", "relay", s.cfg.Addr, "to", msg.To, "message_id", msg.ID)
	return nil
}

func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}

	var conn net.Conn
	var err error
	if s.cfg.TLS == TLSImplicit {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: s.tlsConfig()}
		conn, err = tlsDialer.DialContext(ctx, "tcp", s.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	}
	if err != nil {
		return nil, Transient("connection failed to %s: %v", s.cfg.Addr, err)
	}

	// Set deadline
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
	}

	if s.cfg.TLS != TLSStartTLS {
		return smtp.NewClient(conn), nil
	}

	c, err := smtp.NewClientStartTLS(conn, s.tlsConfig())
	if err != nil {
		return nil, categorizeError(err, "STARTTLS")
	}
	return c, nil
}

func (s *SMTPSender) tlsConfig() *tls.Config {
	host, _, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		host = s.cfg.Addr
	}
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	}
}

// categorizeError determines if an SMTP error is temporary or permanent.
// 5xx replies are permanent, everything else is retried.
func categorizeError(err error, stage string) *Error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		if smtpErr.Code >= 500 && smtpErr.Code < 600 {
			return Permanent("%s failed: %d %s", stage, smtpErr.Code, smtpErr.Message)
		}
		return Transient("%s failed: %d %s", stage, smtpErr.Code, smtpErr.Message)
	}
	return Transient("%s failed: %v", stage, err)
}
