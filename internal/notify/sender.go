package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/iurnickita/coursepay/internal/notify/config"
)

// Sender delivers one rendered HTML email.
type Sender interface {
	Send(ctx context.Context, to string, subject string, body string) error
}

// NewSender выбирает транспорт по конфигурации
func NewSender(cfg config.Config, zaplog *zap.Logger) Sender {
	switch {
	case cfg.SendGridAPIKey != "":
		return NewSendGridSender(sendgrid.NewSendClient(cfg.SendGridAPIKey), cfg.From, cfg.FromName)
	case cfg.SMTPHost != "":
		return NewSMTPSender(cfg)
	default:
		zaplog.Warn("no mail transport configured, emails will only be logged")
		return NewLogSender(zaplog)
	}
}

// SMTP

type smtpSender struct {
	addr     string
	host     string
	user     string
	password string
	from     string
	fromName string
	send     func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg config.Config) Sender {
	port := cfg.SMTPPort
	if port == "" {
		port = "587"
	}
	return &smtpSender{
		addr:     cfg.SMTPHost + ":" + port,
		host:     cfg.SMTPHost,
		user:     cfg.SMTPUser,
		password: cfg.SMTPPassword,
		from:     cfg.From,
		fromName: cfg.FromName,
		send:     smtp.SendMail,
	}
}

func (s *smtpSender) Send(ctx context.Context, to string, subject string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if s.user != "" {
		auth = smtp.PlainAuth("", s.user, s.password, s.host)
	}
	return s.send(s.addr, auth, s.from, []string{to}, buildMessage(s.from, s.fromName, to, subject, body))
}

func buildMessage(from string, fromName string, to string, subject string, body string) []byte {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	if fromName != "" {
		fmt.Fprintf(&msg, "From: %s <%s>\r\n", fromName, from)
	} else {
		fmt.Fprintf(&msg, "From: %s\r\n", from)
	}
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n\r\n", subject)
	msg.WriteString(body)
	return []byte(msg.String())
}

// SendGrid

type sendGridClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type sendGridSender struct {
	client sendGridClient
	from   *mail.Email
}

func NewSendGridSender(client sendGridClient, from string, fromName string) Sender {
	return &sendGridSender{client: client, from: mail.NewEmail(fromName, from)}
}

func (s *sendGridSender) Send(ctx context.Context, to string, subject string, body string) error {
	msg := mail.NewSingleEmail(s.from, subject, mail.NewEmail("", to), "", body)
	resp, err := s.client.SendWithContext(ctx, msg)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// Только лог - для локального запуска

type logSender struct {
	zaplog *zap.Logger
}

func NewLogSender(zaplog *zap.Logger) Sender {
	return logSender{zaplog: zaplog}
}

func (s logSender) Send(_ context.Context, to string, subject string, _ string) error {
	s.zaplog.Info("email not sent, no transport",
		zap.String("to", to),
		zap.String("subject", subject),
	)
	return nil
}
