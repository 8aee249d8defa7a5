package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

var _ Transport = (*SMTP)(nil)

// SMTPConfig configures the SMTP transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// StartTLS upgrades the connection when the server offers it.
	StartTLS bool
	Timeout  time.Duration
}

// SMTP delivers one message per campaign to all recipients in a single
// SMTP transaction.
type SMTP struct {
	cfg SMTPConfig
	// dial is replaceable in tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	d := &net.Dialer{Timeout: cfg.Timeout}
	return &SMTP{cfg: cfg, dial: func(ctx context.Context, addr string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}}
}

func (s *SMTP) Name() string { return "smtp" }

func (s *SMTP) Send(ctx context.Context, env Envelope) Result {
	if err := env.validate(); err != nil {
		return Failed(err)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	conn, err := s.dial(ctx, addr)
	if err != nil {
		return Failed(fmt.Errorf("dial %s: %w", addr, err))
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return Failed(fmt.Errorf("smtp handshake: %w", err))
	}
	defer func() { _ = c.Close() }()

	if s.cfg.StartTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
				return Failed(fmt.Errorf("starttls: %w", err))
			}
		}
	}
	if s.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
				return Failed(fmt.Errorf("smtp auth: %w", err))
			}
		}
	}

	if err := c.Mail(env.From); err != nil {
		return Failed(fmt.Errorf("MAIL FROM: %w", err))
	}
	for _, rcpt := range env.To {
		if err := c.Rcpt(rcpt); err != nil {
			return Failed(fmt.Errorf("RCPT TO %s: %w", rcpt, err))
		}
	}
	w, err := c.Data()
	if err != nil {
		return Failed(fmt.Errorf("DATA: %w", err))
	}
	if _, err := w.Write(buildMessage(env)); err != nil {
		_ = w.Close()
		return Failed(fmt.Errorf("write body: %w", err))
	}
	if err := w.Close(); err != nil {
		return Failed(fmt.Errorf("end DATA: %w", err))
	}
	_ = c.Quit()

	return Delivered(fmt.Sprintf("accepted by %s for %d recipients", addr, len(env.To)))
}

func buildMessage(env Envelope) []byte {
	var b strings.Builder
	b.WriteString("From: " + env.From + "\r\n")
	b.WriteString("To: " + strings.Join(env.To, ", ") + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", env.Subject) + "\r\n")
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	body := strings.ReplaceAll(env.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
