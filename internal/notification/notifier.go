package notification

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"EchoTrace/internal/config"
	"EchoTrace/internal/model"

	"github.com/google/uuid"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier mails alert reports of one agent node.
type EmailNotifier struct {
	cfg        config.SMTPConfig
	node       string
	recipients []string
	auth       smtp.Auth
	send       sendFunc
	now        func() time.Time
}

// NewEmailNotifier creates a notifier whose subjects are tagged with node.
func NewEmailNotifier(cfg config.SMTPConfig, node string) model.Notifier {
	var recipients []string
	for _, r := range strings.Split(cfg.To, ",") {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		// PlainAuth refuses to send credentials over an unencrypted connection to a remote host.
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &EmailNotifier{
		cfg:        cfg,
		node:       node,
		recipients: recipients,
		auth:       auth,
		send:       smtp.SendMail,
		now:        time.Now,
	}
}

// Send mails an HTML body to the configured recipients.
func (n *EmailNotifier) Send(subject, body string) error {
	if len(n.recipients) == 0 {
		return fmt.Errorf("no email recipients configured")
	}
	if n.node != "" {
		subject = fmt.Sprintf("[EchoTrace %s] %s", n.node, subject)
	}
	// Header values must stay on one line.
	subject = strings.NewReplacer("\r", " ", "\n", " ").Replace(subject)

	var sb strings.Builder
	header := func(k, v string) { sb.WriteString(k + ": " + v + "\r\n") }
	header("From", n.cfg.From)
	header("To", strings.Join(n.recipients, ", "))
	header("Subject", subject)
	header("Date", n.now().Format(time.RFC1123Z))
	header("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), n.cfg.Host))
	header("MIME-Version", "1.0")
	header("Content-Type", "text/html; charset=UTF-8")
	sb.WriteString("\r\n")
	sb.WriteString(body)

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	if err := n.send(addr, n.auth, n.cfg.From, n.recipients, []byte(sb.String())); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", addr, err)
	}
	return nil
}
