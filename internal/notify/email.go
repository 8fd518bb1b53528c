package notify

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/wneessen/go-mail"
)

// EmailTransport sends plain-text mail through an SMTP relay. All recipients
// share one message.
type EmailTransport struct{}

// NewEmailTransport returns an SMTP transport.
func NewEmailTransport() *EmailTransport {
	return &EmailTransport{}
}

// Send implements Transport.
func (t *EmailTransport) Send(ctx context.Context, cfg ChannelConfig, msg Message) error {
	if cfg.SMTP == nil {
		return configurationf("email: smtp settings missing")
	}
	m := mail.NewMsg()
	if err := m.From(cfg.SMTP.From); err != nil {
		return errors.Mark(errors.Wrap(err, "email: sender"), ErrConfiguration)
	}
	if err := m.To(cfg.Recipients...); err != nil {
		return errors.Mark(errors.Wrap(err, "email: recipients"), ErrConfiguration)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	client, err := mail.NewClient(cfg.SMTP.Host, smtpOptions(*cfg.SMTP)...)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "email: client"), ErrConfiguration)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return errors.Wrapf(err, "email: send via %s", cfg.SMTP.Host)
	}
	return nil
}

func smtpOptions(s SMTPSettings) []mail.Option {
	port := s.Port
	if port == 0 {
		port = 587
	}
	opts := []mail.Option{mail.WithPort(port)}
	switch strings.ToLower(s.TLS) {
	case "mandatory":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case "implicit":
		opts = append(opts, mail.WithSSL())
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if s.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.Username),
			mail.WithPassword(s.Password),
		)
	}
	return opts
}
