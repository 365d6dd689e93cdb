// ABOUTME: SMTP delivery for alert notifications.
// ABOUTME: Renders the Markdown alert body to HTML before sending.

package alert

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"

	"github.com/yuin/goldmark"
)

// SMTPNotifier sends alert email through a plain SMTP endpoint.
type SMTPNotifier struct {
	addr     string
	username string
	password string
	from     string
	logger   *slog.Logger

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPNotifier creates a notifier. addr is host:port; username may be
// empty for unauthenticated relays.
func NewSMTPNotifier(addr, username, password, from string, logger *slog.Logger) *SMTPNotifier {
	return &SMTPNotifier{
		addr:     addr,
		username: username,
		password: password,
		from:     from,
		logger:   logger.With("component", "mailer"),
		send:     smtp.SendMail,
	}
}

// SendAlert renders the Markdown body to HTML and delivers it as a single
// text/html message.
func (n *SMTPNotifier) SendAlert(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	html, err := renderHTML(body)
	if err != nil {
		return fmt.Errorf("rendering alert body: %w", err)
	}

	msg := buildMessage(n.from, to, subject, html)

	var auth smtp.Auth
	if n.username != "" {
		host, _, err := net.SplitHostPort(n.addr)
		if err != nil {
			return fmt.Errorf("parsing smtp address %q: %w", n.addr, err)
		}
		auth = smtp.PlainAuth("", n.username, n.password, host)
	}

	if err := n.send(n.addr, auth, n.from, []string{to}, msg); err != nil {
		return fmt.Errorf("sending alert mail: %w", err)
	}

	n.logger.Info("alert mail sent", "to", to, "subject", subject)
	return nil
}

func renderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildMessage(from, to, subject, htmlBody string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)
	return []byte(b.String())
}
