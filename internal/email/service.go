// Package email sends signing invitations, reminders and completion notices
// over SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strings"
	"time"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain-text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.config.FromName), s.config.From)
	}
	boundary := fmt.Sprintf("countersign-%d", time.Now().UnixNano())

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type SigningData struct {
	AppName       string
	SignerName    string
	DocumentTitle string
	Message       string
	SigningURL    string
	ExpiresAt     time.Time
	Reminder      bool
}

type CompletedData struct {
	AppName         string
	RecipientName   string
	DocumentTitle   string
	VerificationURL string
	DownloadURL     string
}

// SendSigningInvitation asks a signer to sign; with data.Reminder it is worded
// as a reminder.
func (s *Service) SendSigningInvitation(to string, data SigningData) error {
	data.AppName = "Countersign"
	subject := fmt.Sprintf("Signature requested: %s", data.DocumentTitle)
	if data.Reminder {
		subject = fmt.Sprintf("Reminder: %s is waiting for your signature", data.DocumentTitle)
	}
	html, err := renderTemplate(signingEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render signing template: %w", err)
	}
	text := fmt.Sprintf("Please review and sign %q:\n%s", data.DocumentTitle, data.SigningURL)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

func (s *Service) SendCompletedNotice(to string, data CompletedData) error {
	data.AppName = "Countersign"
	subject := fmt.Sprintf("Completed: %s has been signed by everyone", data.DocumentTitle)
	html, err := renderTemplate(completedEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render completed template: %w", err)
	}
	text := fmt.Sprintf("All parties signed %q. Verify at %s", data.DocumentTitle, data.VerificationURL)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

var templateFuncs = template.FuncMap{
	"date": func(t time.Time) string { return t.UTC().Format("Jan 2, 2006 15:04 MST") },
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const emailStyle = `
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .note { background: #f5f7fa; padding: 12px; border-left: 3px solid #0066cc; margin: 16px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }`

const signingEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.DocumentTitle}}</title>
    <style>` + emailStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>

    <p>Hi {{if .SignerName}}{{.SignerName}}{{else}}there{{end}},</p>
    {{if .Reminder}}
    <p>This is a reminder that <strong>{{.DocumentTitle}}</strong> is still waiting for your signature.</p>
    {{else}}
    <p>You have been asked to sign <strong>{{.DocumentTitle}}</strong>.</p>
    {{end}}
    {{if .Message}}<div class="note">{{.Message}}</div>{{end}}

    <p><a href="{{.SigningURL}}" class="button">Review and sign</a></p>
    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.SigningURL}}</p>
    <p>This link can be used once and expires on {{date .ExpiresAt}}.</p>

    <div class="footer">
        <p>If you were not expecting this request, you can ignore this email or decline from the signing page.</p>
    </div>
</body>
</html>`

const completedEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.DocumentTitle}} completed</title>
    <style>` + emailStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>

    <p>Hi {{if .RecipientName}}{{.RecipientName}}{{else}}there{{end}},</p>
    <p>Every party has signed <strong>{{.DocumentTitle}}</strong>.</p>
    {{if .DownloadURL}}<p><a href="{{.DownloadURL}}" class="button">Download signed copy</a></p>{{end}}
    <p>Anyone can confirm the signatures at:</p>
    <p class="link">{{.VerificationURL}}</p>

    <div class="footer"><p>Keep this email for your records.</p></div>
</body>
</html>`
