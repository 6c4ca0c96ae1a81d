package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/domain/notification"
)

// EmailSettings configures the SMTP relay.
type EmailSettings struct {
	// Address is the relay host:port.
	Address string
	// From is the envelope and header sender.
	From string
	// Username enables PLAIN auth when set.
	Username string
	// Password is the PLAIN auth password.
	Password string
}

// sendMailFunc matches smtp.SendMail.
type sendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers notifications through an SMTP relay.
type EmailSender struct {
	// settings configures the relay.
	settings EmailSettings
	// sendMail performs the SMTP conversation.
	sendMail sendMailFunc
}

// NewEmailSender creates an email sender.
func NewEmailSender(settings EmailSettings) *EmailSender {
	return &EmailSender{
		settings: settings,
		sendMail: smtp.SendMail,
	}
}

// Send implements Sender. The context is not observed by net/smtp; the relay
// connection is bounded by the server's own timeouts.
func (s *EmailSender) Send(_ context.Context, a *notification.Attempt) error {
	if !strings.Contains(a.Target, "@") {
		return errs.NewDeliveryError(string(notification.ChannelEmail), false, errNoDestination)
	}

	var auth smtp.Auth

	if s.settings.Username != "" {
		host, _, err := net.SplitHostPort(s.settings.Address)
		if err != nil {
			return errs.NewDeliveryError(string(notification.ChannelEmail), false,
				fmt.Errorf("parse smtp address: %w", err))
		}

		auth = smtp.PlainAuth("", s.settings.Username, s.settings.Password, host)
	}

	err := s.sendMail(s.settings.Address, auth, s.settings.From, []string{a.Target}, s.message(a))
	if err == nil {
		return nil
	}

	// 5xx replies are permanent rejections.
	var reply *textproto.Error
	retryable := !errors.As(err, &reply) || reply.Code < 500

	return errs.NewDeliveryError(string(notification.ChannelEmail), retryable, err)
}

func (s *EmailSender) message(a *notification.Attempt) []byte {
	var b strings.Builder

	subject := a.Payload.Subject
	if subject == "" {
		subject = "Overwatch notification"
	}

	fmt.Fprintf(&b, "From: %s\r\n", s.settings.From)
	fmt.Fprintf(&b, "To: %s\r\n", a.Target)
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.ReplaceAll(subject, "\n", " "))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@overwatch>\r\n", a.ID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(a.Payload.Message, "\n", "\r\n"))
	b.WriteString("\r\n")

	return []byte(b.String())
}
