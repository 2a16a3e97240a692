package connectors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"flow-runner/shared"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

const TypeEmail = "email"

// SMTPSettings configures mail submission
type SMTPSettings struct {
	Host     string
	Port     int
	Secure   bool
	User     string
	Password string
	From     string
}

// Mailer submits a composed message
type Mailer interface {
	Send(ctx context.Context, msg *mail.Msg) error
}

// SMTPMailer submits messages through an SMTP relay
type SMTPMailer struct {
	settings SMTPSettings
}

func NewSMTPMailer(settings SMTPSettings) *SMTPMailer {
	if settings.Port == 0 {
		settings.Port = 587
	}
	return &SMTPMailer{settings: settings}
}

func (m *SMTPMailer) Send(ctx context.Context, msg *mail.Msg) error {
	opts := []mail.Option{mail.WithPort(m.settings.Port)}
	if m.settings.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.settings.User),
			mail.WithPassword(m.settings.Password),
		)
	}
	if m.settings.Secure {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(m.settings.Host, opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

type emailConfig struct {
	To      string `mapstructure:"to"`
	Subject string `mapstructure:"subject"`
	Body    string `mapstructure:"body"`
	HTML    string `mapstructure:"html"`
}

// Email composes a message from templated fields and submits it
type Email struct {
	mailer Mailer
	from   string
	logger *zap.Logger
}

func NewEmail(mailer Mailer, from string, logger *zap.Logger) *Email {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Email{mailer: mailer, from: from, logger: logger}
}

func (e *Email) Execute(ctx context.Context, config map[string]interface{}, ec *shared.ExecutionContext) (interface{}, error) {
	if e.mailer == nil {
		return nil, errors.New("email: no mailer configured")
	}

	var cfg emailConfig
	if err := decodeConfig(TypeEmail, config, &cfg); err != nil {
		return nil, err
	}

	fields := map[string]string{"to": cfg.To, "subject": cfg.Subject, "body": cfg.Body, "html": cfg.HTML}
	resolved, err := resolveStrings(fields, ec)
	if err != nil {
		return nil, err
	}

	recipients := splitAddresses(resolved["to"])
	if len(recipients) == 0 {
		return nil, errors.New("email: no recipients")
	}

	msg := mail.NewMsg()
	if err := msg.From(e.from); err != nil {
		return nil, fmt.Errorf("email: invalid sender: %w", err)
	}
	if err := msg.To(recipients...); err != nil {
		return nil, fmt.Errorf("email: invalid recipient: %w", err)
	}
	msg.Subject(resolved["subject"])
	msg.SetBodyString(mail.TypeTextPlain, resolved["body"])
	if resolved["html"] != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, resolved["html"])
	}
	msg.SetMessageID()

	e.logger.Info("Sending email", zap.Strings("to", recipients))

	if err := e.mailer.Send(ctx, msg); err != nil {
		return nil, err
	}

	var messageID string
	if ids := msg.GetGenHeader(mail.HeaderMessageID); len(ids) > 0 {
		messageID = ids[0]
	}
	accepted := make([]interface{}, len(recipients))
	for i, r := range recipients {
		accepted[i] = r
	}
	return map[string]interface{}{"messageId": messageID, "accepted": accepted}, nil
}

func splitAddresses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
