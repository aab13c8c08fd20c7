package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"

	"gopkg.in/gomail.v2"
)

//go:embed templates/*.html
var templateFS embed.FS

// Attachment is an optional file carried with a message, used for the
// calendar invite on confirmation emails.
type Attachment struct {
	Filename string
	MIMEType string
	Content  []byte
}

// Message names a template plus its render context; the sender renders and
// delivers it. A delivery failure propagates as an error so the enqueueing
// job's retry logic can act on it.
type Message struct {
	To         []string
	Subject    string
	Template   string
	Context    map[string]any
	Attachment *Attachment
}

type Sender interface {
	Send(m Message) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SMTPSender struct {
	cfg       SMTPConfig
	templates *template.Template
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}
	return &SMTPSender{cfg: cfg, templates: tmpl}, nil
}

func (s *SMTPSender) Send(m Message) error {
	var body bytes.Buffer
	if err := s.templates.ExecuteTemplate(&body, m.Template, m.Context); err != nil {
		return fmt.Errorf("render template %s: %w", m.Template, err)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", s.cfg.From)
	msg.SetHeader("To", m.To...)
	msg.SetHeader("Subject", m.Subject)
	msg.SetBody("text/html", body.String())

	if m.Attachment != nil {
		content := m.Attachment.Content
		msg.Attach(m.Attachment.Filename,
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
			gomail.SetHeader(map[string][]string{
				"Content-Type": {m.Attachment.MIMEType},
			}),
		)
	}

	dialer := gomail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)
	if err := dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send email %q: %w", m.Subject, err)
	}
	return nil
}
