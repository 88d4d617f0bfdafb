// Package email отправляет письмо с материалами оплаченного заказа
// и гарантирует, что оно уходит ровно один раз.
package email

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/design-market/pkg/config"
	"example.com/design-market/pkg/logger"
	"example.com/design-market/services/market/internal/domain"
)

// Message — письмо для отправки.
type Message struct {
	To       string
	Subject  string
	HTML     string
	Text     string
	Template string
}

// Sender — почтовый транспорт. Возвращает идентификатор сообщения.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// NewSender создаёт транспорт по MAIL_MODE.
func NewSender(cfg config.MailConfig) (Sender, error) {
	switch cfg.Mode {
	case config.MailModeLog, "":
		return LogSender{}, nil
	case config.MailModeSMTP:
		return NewSMTPSender(cfg)
	default:
		return nil, fmt.Errorf("неизвестный MAIL_MODE %q", cfg.Mode)
	}
}

// LogSender пишет письмо в лог вместо отправки (локальная разработка).
type LogSender struct{}

// Send реализует Sender.
func (LogSender) Send(ctx context.Context, msg Message) (string, error) {
	id := "log-" + uuid.NewString()
	logger.Ctx(ctx).Info().
		Str("message_id", id).
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("template", msg.Template).
		Msg("Письмо записано в лог")
	return id, nil
}

// SMTPSender отправляет письма через SMTP сервер.
type SMTPSender struct {
	addr   string
	host   string
	from   *mail.Address
	auth   smtp.Auth
	sendFn func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender создаёт SMTP транспорт.
func NewSMTPSender(cfg config.MailConfig) (*SMTPSender, error) {
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("некорректный MAIL_FROM %q: %w", cfg.From, err)
	}

	s := &SMTPSender{
		addr:   cfg.SMTPAddr(),
		host:   cfg.SMTPHost,
		from:   from,
		sendFn: smtp.SendMail,
	}
	if cfg.SMTPUser != "" {
		s.auth = smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPHost)
	}
	return s, nil
}

// Send реализует Sender. Ошибки оборачивают domain.ErrEmailTransport.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (string, error) {
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return "", fmt.Errorf("%w: некорректный адрес %q", domain.ErrEmailTransport, msg.To)
	}

	domainPart := s.host
	if at := strings.LastIndex(s.from.Address, "@"); at >= 0 {
		domainPart = s.from.Address[at+1:]
	}
	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainPart)

	raw, err := buildMIME(s.from, to, id, msg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEmailTransport, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.sendFn(s.addr, s.auth, s.from.Address, []string{to.Address}, raw)
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", domain.ErrEmailTransport, ctx.Err())
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrEmailTransport, err)
		}
	}
	return id, nil
}

// buildMIME собирает multipart/alternative письмо с текстовой и HTML частями.
func buildMIME(from, to *mail.Address, messageID string, msg Message) ([]byte, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	parts := []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.HTML},
	}
	for _, p := range parts {
		if p.content == "" {
			continue
		}
		pw, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.contentType},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write([]byte(p.content)); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	headers := []string{
		"From: " + from.String(),
		"To: " + to.String(),
		"Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject),
		"Message-ID: " + messageID,
		"Date: " + time.Now().UTC().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=" + w.Boundary(),
	}
	out.WriteString(strings.Join(headers, "\r\n"))
	out.WriteString("\r\n\r\n")
	out.Write(body.Bytes())
	return out.Bytes(), nil
}
