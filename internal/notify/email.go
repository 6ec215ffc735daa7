// Package notify delivers pipeline failure notifications over SMTP.
package notify

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"
)

const defaultTimeout = 20 * time.Second

// Mailer sends (subject, body) notifications. A mailer missing its host,
// sender, or recipient is a silent no-op, not an error.
type Mailer struct {
	Host    string
	Port    int
	User    string
	Pass    string
	From    string
	To      string
	Timeout time.Duration
}

func (m *Mailer) configured() bool {
	return m.Host != "" && m.From != "" && m.To != ""
}

func (m *Mailer) timeout() time.Duration {
	if m.Timeout > 0 {
		return m.Timeout
	}
	return defaultTimeout
}

// Send reports success or failure; it never returns an error to the caller
// because notification is best-effort on an already-failed run. The whole
// exchange is bounded by the timeout so a black-holed SMTP host cannot hang
// the failure path.
func (m *Mailer) Send(subject, body string) bool {
	if !m.configured() {
		return false
	}

	addr := net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
	conn, err := net.DialTimeout("tcp", addr, m.timeout())
	if err != nil {
		return false
	}
	conn.SetDeadline(time.Now().Add(m.timeout()))

	c, err := smtp.NewClient(conn, m.Host)
	if err != nil {
		conn.Close()
		return false
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.Host}); err != nil {
			return false
		}
	}
	if m.User != "" && m.Pass != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", m.User, m.Pass, m.Host)); err != nil {
				return false
			}
		}
	}

	if err := c.Mail(m.From); err != nil {
		return false
	}
	if err := c.Rcpt(m.To); err != nil {
		return false
	}
	w, err := c.Data()
	if err != nil {
		return false
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		m.From, m.To, subject, body)
	if _, err := w.Write([]byte(msg)); err != nil {
		return false
	}
	if err := w.Close(); err != nil {
		return false
	}
	return c.Quit() == nil
}
