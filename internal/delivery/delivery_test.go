package delivery

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuild(t *testing.T) {
	msg := &Message{
		ID:       "abc",
		From:     "events@example.com",
		FromName: "Events Team",
		To:       "ada@example.org",
		ReplyTo:  "reply+tok@in.example.com",
		Subject:  "You're invited",
		Text:     "plain body",
		HTML:     "<p>html body</p>",
		Headers:  map[string]string{HeaderStage: "invite", HeaderCampaignID: "c1"},
	}

	data := string(Build(msg, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))

	for _, want := range []string{
		"From: \"Events Team\" <events@example.com>\r\n",
		"To: <ada@example.org>\r\n",
		"Reply-To: reply+tok@in.example.com\r\n",
		"Message-ID: <abc@example.com>\r\n",
		"X-Campaign-ID: c1\r\n",
		"multipart/alternative",
		"plain body",
		"<p>html body</p>",
	} {
		if !strings.Contains(data, want) {
			t.Errorf("Build() missing %q in:\n%s", want, data)
		}
	}

	// Custom headers are sorted
	if strings.Index(data, HeaderCampaignID) > strings.Index(data, HeaderStage) {
		t.Error("custom headers not sorted")
	}
}

func TestBuildPlainOnly(t *testing.T) {
	data := string(Build(&Message{From: "a@example.com", To: "b@example.com", Subject: "Hi", Text: "body"}, time.Now()))
	if strings.Contains(data, "multipart") {
		t.Error("plain message should not be multipart")
	}
	if !strings.HasSuffix(data, "\r\n\r\nbody") {
		t.Errorf("unexpected body layout: %q", data)
	}
}

func TestIsTemporary(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", Transient("421 busy"), true},
		{"permanent", Permanent("550 no such user"), false},
		{"wrapped permanent", errors.Join(errors.New("ctx"), Permanent("x")), false},
		{"unknown", errors.New("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTemporary(tt.err); got != tt.want {
				t.Errorf("IsTemporary() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCategorizeError(t *testing.T) {
	if de := categorizeError(&smtp.SMTPError{Code: 550, Message: "no such user"}, "RCPT"); de.Temporary {
		t.Error("550 should be permanent")
	}
	if de := categorizeError(&smtp.SMTPError{Code: 451, Message: "try later"}, "RCPT"); !de.Temporary {
		t.Error("451 should be temporary")
	}
	if de := categorizeError(io.ErrUnexpectedEOF, "DATA"); !de.Temporary {
		t.Error("network error should be temporary")
	}
}

func TestDKIMSigner(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "dkim.key")
	name, record, err := GenerateDKIMKey(keyPath, "example.com", "cadence")
	if err != nil {
		t.Fatalf("GenerateDKIMKey() error = %v", err)
	}
	if name != "cadence._domainkey.example.com" {
		t.Errorf("name = %q", name)
	}
	if !strings.HasPrefix(record, "v=DKIM1; k=rsa; p=") {
		t.Errorf("record = %q", record)
	}

	signer, err := LoadDKIMSigner(keyPath, "example.com", "cadence")
	if err != nil {
		t.Fatalf("LoadDKIMSigner() error = %v", err)
	}

	signed, err := signer.Sign(Build(&Message{From: "a@example.com", To: "b@example.org", Subject: "s", Text: "t"}, time.Now()))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !strings.HasPrefix(string(signed), "DKIM-Signature:") {
		t.Error("signed message should start with DKIM-Signature header")
	}
	if !strings.Contains(string(signed), "d=example.com") || !strings.Contains(string(signed), "s=cadence") {
		t.Error("signature missing domain or selector")
	}

	if _, err := LoadDKIMSigner(filepath.Join(t.TempDir(), "missing.key"), "example.com", "x"); err == nil {
		t.Error("LoadDKIMSigner() expected error for missing file")
	}
}

// relayBackend is an in-process SMTP relay for testing
type relayBackend struct {
	mu       sync.Mutex
	rcptErr  map[string]*smtp.SMTPError
	received []relayed
	authed   []string
}

type relayed struct {
	from string
	to   []string
	data string
	helo string
	tls  bool
}

func (b *relayBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	_, isTLS := c.TLSConnectionState()
	return &relaySession{b: b, helo: c.Hostname(), tls: isTLS}, nil
}

type relaySession struct {
	b    *relayBackend
	from string
	to   []string
	helo string
	tls  bool
}

func (s *relaySession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *relaySession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != "relay" || password != "secret" {
			return smtp.ErrAuthFailed
		}
		s.b.mu.Lock()
		s.b.authed = append(s.b.authed, username)
		s.b.mu.Unlock()
		return nil
	}), nil
}

func (s *relaySession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if err, ok := s.b.rcptErr[to]; ok {
		return err
	}
	s.to = append(s.to, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.b.mu.Lock()
	s.b.received = append(s.b.received, relayed{from: s.from, to: s.to, data: string(data), helo: s.helo, tls: s.tls})
	s.b.mu.Unlock()
	return nil
}

func (s *relaySession) Reset()        { s.from, s.to = "", nil }
func (s *relaySession) Logout() error { return nil }

func startRelay(t *testing.T, be *relayBackend) string {
	t.Helper()
	return startRelayTLS(t, be, nil)
}

// startRelayTLS starts a relay that offers STARTTLS when tlsCfg is set
func startRelayTLS(t *testing.T, be *relayBackend, tlsCfg *tls.Config) string {
	t.Helper()
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.TLSConfig = tlsCfg
	srv.AllowInsecureAuth = tlsCfg == nil
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().String()
}

func TestSMTPSenderRelay(t *testing.T) {
	be := &relayBackend{rcptErr: map[string]*smtp.SMTPError{
		"gone@example.org": {Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"},
		"busy@example.org": {Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "try later"},
	}}
	addr := startRelay(t, be)

	sender := NewSMTPSender(SMTPConfig{
		Addr:     addr,
		Hostname: "cadence.test",
		Username: "relay",
		Password: "secret",
		TLS:      TLSNone,
		Timeout:  5 * time.Second,
	}, testLogger())

	ctx := context.Background()
	msg := &Message{
		ID:           "m1",
		From:         "events@example.com",
		EnvelopeFrom: "bounce+tok@in.example.com",
		To:           "ada@example.org",
		Subject:      "Hello",
		Text:         "See you there",
	}
	if err := sender.Send(ctx, msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	be.mu.Lock()
	if len(be.received) != 1 {
		t.Fatalf("relay received %d messages, want 1", len(be.received))
	}
	got := be.received[0]
	be.mu.Unlock()

	if got.from != "bounce+tok@in.example.com" {
		t.Errorf("MAIL FROM = %q, want envelope sender", got.from)
	}
	if len(got.to) != 1 || got.to[0] != "ada@example.org" {
		t.Errorf("RCPT TO = %v", got.to)
	}
	if !strings.Contains(got.data, "See you there") {
		t.Error("relayed data missing body")
	}
	if len(be.authed) != 1 {
		t.Errorf("relay saw %d authentications, want 1", len(be.authed))
	}

	err := sender.Send(ctx, &Message{From: "events@example.com", To: "gone@example.org", Text: "x"})
	if err == nil || IsTemporary(err) {
		t.Errorf("Send(550) error = %v, want permanent", err)
	}

	err = sender.Send(ctx, &Message{From: "events@example.com", To: "busy@example.org", Text: "x"})
	if err == nil || !IsTemporary(err) {
		t.Errorf("Send(451) error = %v, want temporary", err)
	}
}

func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
}

func TestSMTPSenderStartTLS(t *testing.T) {
	be := &relayBackend{}
	addr := startRelayTLS(t, be, selfSignedTLSConfig(t))

	sender := NewSMTPSender(SMTPConfig{
		Addr:               addr,
		Hostname:           "cadence.test",
		Username:           "relay",
		Password:           "secret",
		InsecureSkipVerify: true,
		Timeout:            5 * time.Second,
	}, testLogger())

	msg := &Message{From: "events@example.com", To: "ada@example.org", Subject: "Hi", Text: "over tls"}
	if err := sender.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.received) != 1 {
		t.Fatalf("relay received %d messages, want 1", len(be.received))
	}
	got := be.received[0]
	if !got.tls {
		t.Error("message was not sent over TLS")
	}
	if got.helo != "cadence.test" {
		t.Errorf("EHLO after STARTTLS = %q, want cadence.test", got.helo)
	}
	if len(be.authed) != 1 {
		t.Errorf("relay saw %d authentications, want 1", len(be.authed))
	}
}

func TestSMTPSenderStartTLSNotOffered(t *testing.T) {
	be := &relayBackend{}
	addr := startRelay(t, be)

	// Default TLS mode is starttls
	sender := NewSMTPSender(SMTPConfig{Addr: addr, Timeout: 5 * time.Second}, testLogger())
	err := sender.Send(context.Background(), &Message{From: "a@example.com", To: "b@example.com", Text: "x"})
	if err == nil || !IsTemporary(err) {
		t.Errorf("Send() error = %v, want temporary", err)
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.received) != 0 {
		t.Error("message must not be sent in clear text")
	}
}

func TestSMTPSenderConnectionRefused(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	sender := NewSMTPSender(SMTPConfig{Addr: addr, TLS: TLSNone, Timeout: time.Second}, testLogger())
	err := sender.Send(context.Background(), &Message{From: "a@example.com", To: "b@example.com"})
	if err == nil || !IsTemporary(err) {
		t.Errorf("Send() error = %v, want temporary", err)
	}
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(testLogger())
	if err := s.Send(context.Background(), &Message{To: "a@example.com"}); err != nil {
		t.Errorf("Send() error = %v", err)
	}
	if err := s.Send(context.Background(), &Message{}); IsTemporary(err) {
		t.Errorf("Send(no recipient) error = %v, want permanent", err)
	}
}
