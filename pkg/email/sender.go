package email

import (
	"fmt"
	"net"
	"net/smtp"
	"strings"
)

// Message is a self-contained SMTP envelope. Transport settings travel with
// the message so any worker replica can deliver it without shared state.
type Message struct {
	Server      string `json:"mailServer"`
	User        string `json:"mailUser"`
	Password    string `json:"mailPassword"`
	From        string `json:"mailFrom"`
	FromName    string `json:"mailFromName"`
	To          string `json:"mailTo"`
	ToName      string `json:"mailToName"`
	Text        string `json:"mailText"`
	ContentType string `json:"contentType,omitempty"` // plain or html, html by default
}

// Complete reports whether every field needed for delivery is present.
func (m *Message) Complete() bool {
	return m.Server != "" && m.User != "" && m.Password != "" &&
		m.From != "" && m.FromName != "" && m.To != "" && m.ToName != "" && m.Text != ""
}

// Render builds the full MIME text. The rendered template carries its own
// Subject header line at the top of Text, so the header block runs straight
// into the body.
func (m *Message) Render() string {
	contentType := "Content-type: text/html; charset=utf-8"
	if m.ContentType == "plain" {
		contentType = "Content-type: text/plain; charset=utf-8"
	}

	headers := []string{
		fmt.Sprintf("From: %q <%s>", sanitizeHeader(m.FromName), m.From),
		fmt.Sprintf("To: %q <%s>", sanitizeHeader(m.ToName), m.To),
		"MIME-Version: 1.0",
		contentType,
		m.Text,
	}
	return strings.Join(headers, "\r\n")
}

// Send delivers the message over SMTP with STARTTLS and plain auth.
func Send(m *Message) error {
	if !m.Complete() {
		return fmt.Errorf("mail server not configured or parameters missing")
	}

	addr := m.Server
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "587")
	}
	host, _, _ := net.SplitHostPort(addr)

	auth := smtp.PlainAuth("", m.User, m.Password, host)
	if err := smtp.SendMail(addr, auth, m.From, []string{m.To}, []byte(m.Render())); err != nil {
		return fmt.Errorf("send mail to %s: %w", m.To, err)
	}
	return nil
}

// sanitizeHeader strips CR/LF to prevent header injection
func sanitizeHeader(value string) string {
	value = strings.ReplaceAll(value, "\r", "")
	value = strings.ReplaceAll(value, "\n", "")
	return strings.TrimSpace(value)
}
