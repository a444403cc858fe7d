package engagement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/cadence/internal/campaign"
	"github.com/foxzi/cadence/internal/email"
	"github.com/foxzi/cadence/internal/ipfilter"
	"github.com/foxzi/cadence/internal/metrics"
)

// InboundConfig contains settings of the inbound SMTP listener
type InboundConfig struct {
	Addr            string
	Domain          string
	MaxMessageBytes int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	// Users maps usernames to bcrypt password hashes. When empty, the
	// listener accepts unauthenticated mail, which is how MX delivery works.
	Users map[string]string
}

// InboundServer receives replies and bounces addressed to
// reply+<token>@domain and bounce+<token>@domain
type InboundServer struct {
	server *smtp.Server
	addr   string
	logger *slog.Logger
}

type inboundBackend struct {
	cfg      InboundConfig
	tracker  *Tracker
	recorder Recorder
	filter   *ipfilter.Filter
	logger   *slog.Logger
	now      func() time.Time
}

// NewInboundServer creates the inbound listener. filter may be nil.
func NewInboundServer(cfg InboundConfig, tracker *Tracker, recorder Recorder, filter *ipfilter.Filter, logger *slog.Logger) *InboundServer {
	if cfg.Domain == "" {
		cfg.Domain = tracker.InboundDomain()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 10 << 20
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Minute
	}

	be := &inboundBackend{
		cfg:      cfg,
		tracker:  tracker,
		recorder: recorder,
		filter:   filter,
		logger:   logger,
		now:      time.Now,
	}

	srv := smtp.NewServer(be)
	srv.Domain = cfg.Domain
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = 50
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.AllowInsecureAuth = true

	return &InboundServer{server: srv, addr: cfg.Addr, logger: logger}
}

// ListenAndServe starts the inbound server
func (s *InboundServer) ListenAndServe() error {
	s.server.Addr = s.addr
	s.logger.Info("starting inbound SMTP server", "addr", s.addr)
	return s.Serve(nil)
}

// Serve accepts connections on l, or on the configured address when l is nil
func (s *InboundServer) Serve(l net.Listener) error {
	var err error
	if l == nil {
		err = s.server.ListenAndServe()
	} else {
		err = s.server.Serve(l)
	}
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *InboundServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down inbound SMTP server")
	return s.server.Shutdown(ctx)
}

// NewSession is called when a new SMTP connection is established
func (b *inboundBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := c.Conn().RemoteAddr()
	if b.filter != nil && !b.filter.IsAllowedAddr(remote) {
		b.logger.Warn("inbound connection rejected by IP filter", "remote_addr", remote.String())
		return nil, &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Access denied",
		}
	}

	metrics.IncSMTPConnections()
	return &inboundSession{
		backend: b,
		logger:  b.logger.With("remote_addr", remote.String()),
	}, nil
}

type inboundRecipient struct {
	mailbox    string
	dispatchID string
}

// inboundSession implements smtp.Session and smtp.AuthSession
type inboundSession struct {
	backend  *inboundBackend
	from     string
	to       []inboundRecipient
	authUser string
	logger   *slog.Logger
}

// AuthMechanisms returns supported authentication mechanisms
func (s *inboundSession) AuthMechanisms() []string {
	if len(s.backend.cfg.Users) == 0 {
		return nil
	}
	return []string{sasl.Plain}
}

// Auth handles authentication
func (s *inboundSession) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain || len(s.backend.cfg.Users) == 0 {
		return nil, errors.New("unsupported authentication mechanism")
	}

	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return errors.New("identity must be empty or match username")
		}

		hash, ok := s.backend.cfg.Users[username]
		if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
			metrics.IncSMTPAuthFailed()
			s.logger.Warn("authentication failed", "username", username)
			return smtp.ErrAuthFailed
		}

		metrics.IncSMTPAuthSuccess()
		s.authUser = username
		return nil
	}), nil
}

// Mail handles MAIL FROM. Bounces arrive with an empty reverse path.
func (s *inboundSession) Mail(from string, opts *smtp.MailOptions) error {
	if len(s.backend.cfg.Users) > 0 && s.authUser == "" {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}
	s.from = from
	return nil
}

// Rcpt accepts only tracked reply and bounce addresses
func (s *inboundSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	mailbox, token, ok := email.SplitTaggedAddress(to, s.backend.cfg.Domain)
	if !ok || (mailbox != ReplyMailbox && mailbox != BounceMailbox) {
		return noSuchUser()
	}

	dispatchID, err := s.backend.tracker.Verify(token)
	if err != nil {
		s.logger.Debug("rejected inbound recipient", "to", to, "error", err)
		return noSuchUser()
	}

	s.to = append(s.to, inboundRecipient{mailbox: mailbox, dispatchID: dispatchID})
	return nil
}

// Data records one event per accepted recipient. The body itself is not kept.
func (s *inboundSession) Data(r io.Reader) error {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return &smtp.SMTPError{
			Code:    442,
			Message: "Failed to read message data",
		}
	}

	ctx := context.Background()
	at := s.backend.now().UTC()
	for _, rcpt := range s.to {
		eventType := campaign.EventReply
		if rcpt.mailbox == BounceMailbox {
			eventType = campaign.EventBounce
		}

		ev := campaign.EngagementEvent{
			ID:         uuid.New().String(),
			Type:       eventType,
			OccurredAt: at,
			Source:     SourceSMTP,
		}
		if err := s.backend.recorder.RecordDispatch(ctx, rcpt.dispatchID, ev); err != nil {
			if errors.Is(err, campaign.ErrNotFound) {
				s.logger.Warn("inbound message for unknown dispatch", "dispatch_id", rcpt.dispatchID)
				continue
			}
			s.logger.Error("failed to record inbound event", "dispatch_id", rcpt.dispatchID, "error", err)
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 3, 0},
				Message:      "Failed to record message, try again later",
			}
		}

		s.logger.Info("inbound message recorded", "dispatch_id", rcpt.dispatchID, "type", eventType, "from", s.from)
	}
	return nil
}

// Reset resets the session state
func (s *inboundSession) Reset() {
	s.from = ""
	s.to = nil
}

// Logout handles session logout
func (s *inboundSession) Logout() error {
	metrics.DecSMTPConnectionsActive()
	return nil
}

func noSuchUser() error {
	return &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such user here",
	}
}
