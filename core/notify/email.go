package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"saker-scm/config"
)

type EmailMessage struct {
	To      []string
	Subject string
	Body    string
}

type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// SMTPEmailSender sends plain-text mail through a single configured relay.
type SMTPEmailSender struct {
	host     string
	port     int
	username string
	password string
	from     string
}

func NewSMTPEmailSender(cfg config.NotifyConfig) *SMTPEmailSender {
	port := cfg.SMTPPort
	if port <= 0 {
		port = 587
	}
	return &SMTPEmailSender{
		host:     strings.TrimSpace(cfg.SMTPHost),
		port:     port,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		from:     strings.TrimSpace(cfg.SMTPFrom),
	}
}

func (s *SMTPEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	if s.host == "" {
		return errors.New("smtp host missing")
	}
	if len(msg.To) == 0 {
		return errors.New("no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", s.from))
	b.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}
	if err := smtp.SendMail(addr, auth, s.from, msg.To, []byte(b.String())); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}
