package notify

import (
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPBackend sends alerts as plaintext email via an authenticated SMTP
// relay. Stdlib net/smtp: no pack repo wires a third-party mail client into
// a teacher-reachable component, so this backend is stdlib by necessity
// (see DESIGN.md).
type SMTPBackend struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// Send delivers one alert over SMTP. smtp.SendMail upgrades the connection
// with STARTTLS when the relay offers it and then authenticates with
// PlainAuth; implicit TLS (SMTPS) is not used.
func (b *SMTPBackend) Send(alert Alert) error {
	addr := fmt.Sprintf("%s:%d", b.Host, b.Port)
	auth := smtp.PlainAuth("", b.Username, b.Password, b.Host)

	subject := fmt.Sprintf("[%s] %s", alert.Severity, alert.Title)
	body := fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		strings.Join(b.To, ", "), subject, alert.Message)

	if err := smtp.SendMail(addr, auth, b.From, b.To, []byte(body)); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}
	return nil
}
