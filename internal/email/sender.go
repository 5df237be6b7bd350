package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// SMTPConfig is the outgoing mail server. TLS is "none", "starttls" or
// "tls" (implicit, usually port 465).
type SMTPConfig struct {
	Host     string
	Port     string
	From     string
	Username string
	Password string
	TLS      string
}

// Valid reports whether host, port and sender are set.
func (c SMTPConfig) Valid() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

// MissedCallNotification describes a missed call for the operator.
type MissedCallNotification struct {
	To         string // operator email address
	CallerNum  string
	CallStatus string // busy, no-answer, failed
	Timestamp  time.Time
}

// Sender sends operator notification emails via SMTP.
type Sender struct {
	logger   *slog.Logger
	dialFunc func(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error)
}

// smtpClient is the part of *smtp.Client the sender uses.
type smtpClient interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// NewSender creates a Sender that dials the server for every message.
func NewSender(logger *slog.Logger) *Sender {
	return &Sender{
		logger:   logger.With("subsystem", "email"),
		dialFunc: defaultDial,
	}
}

// SendMissedCallNotification emails the operator about a missed call.
func (s *Sender) SendMissedCallNotification(ctx context.Context, cfg SMTPConfig, notif MissedCallNotification) error {
	if !cfg.Valid() {
		return fmt.Errorf("smtp not configured")
	}
	if notif.To == "" {
		return fmt.Errorf("no recipient email address")
	}

	if err := s.deliver(ctx, cfg, notif.To, buildMessage(cfg, notif)); err != nil {
		return err
	}
	s.logger.Info("missed call email sent",
		"to", notif.To,
		"caller", notif.CallerNum,
		"call_status", notif.CallStatus,
	)
	return nil
}

// deliver runs one SMTP transaction: optional STARTTLS and PLAIN auth, then
// a single message to a single recipient.
func (s *Sender) deliver(ctx context.Context, cfg SMTPConfig, to string, msg []byte) error {
	tlsConfig := &tls.Config{ServerName: cfg.Host}
	client, err := s.dialFunc(net.JoinHostPort(cfg.Host, cfg.Port), tlsConfig, cfg.TLS)
	if err != nil {
		return fmt.Errorf("connecting to smtp server: %w", err)
	}
	defer client.Close()

	// net/smtp has no context support; honour cancellation between dial
	// and the first command.
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}
	if strings.EqualFold(cfg.TLS, "starttls") {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Warn("smtp quit failed", "error", err)
	}
	return nil
}

const dialTimeout = 10 * time.Second

// defaultDial opens a plain TCP connection, or an implicit TLS one when
// tlsMode is "tls".
func defaultDial(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if strings.EqualFold(tlsMode, "tls") {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	c, err := smtp.NewClient(conn, tlsConfig.ServerName)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

const callTimeLayout = "Mon, 02 Jan 2006 3:04 PM"

// buildMessage renders the RFC 5322 message for a missed call notice.
func buildMessage(cfg SMTPConfig, notif MissedCallNotification) []byte {
	headers := [][2]string{
		{"From", cfg.From},
		{"To", notif.To},
		{"Subject", "Missed call from " + notif.CallerNum},
		{"Date", time.Now().Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/plain; charset=utf-8"},
	}

	var buf bytes.Buffer
	for _, h := range headers {
		buf.WriteString(h[0] + ": " + h[1] + "\r\n")
	}
	buf.WriteString("\r\n")
	buf.WriteString("A call was not answered.\n\n")
	fmt.Fprintf(&buf, "From: %s\nStatus: %s\nDate: %s\n\n",
		notif.CallerNum, notif.CallStatus, notif.Timestamp.Format(callTimeLayout))
	buf.WriteString("The caller has been sent a text message. Reply CALL to the SMS notification to return the call.\n")
	return buf.Bytes()
}
