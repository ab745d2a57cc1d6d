package artifact

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"

	"countersign/api/internal/store"
)

//go:embed templates/signed.html
var templateFS embed.FS

var signedTemplate = template.Must(template.New("signed.html").Funcs(template.FuncMap{
	"formatTime": formatTime,
}).ParseFS(templateFS, "templates/signed.html"))

type templateData struct {
	Title           string
	DocumentID      string
	RequestID       string
	Message         string
	Watermark       string
	CreatedAt       time.Time
	CompletedAt     *time.Time
	VerificationURL string
	QRCode          template.URL
	Signers         []signerRow
	Signatures      []signatureMark
	AuditTrail      []store.AuditEntry
}

type signerRow struct {
	Name      string
	Email     string
	Status    store.SignerStatus
	SignedAt  *time.Time
	IPAddress string
}

type signatureMark struct {
	X, Y, Width, Height float64
	Image               template.URL
	Typed               string
	Name                string
	SignedAt            *time.Time
}

func renderHTML(data templateData) (string, error) {
	var buf bytes.Buffer
	if err := signedTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render signed template: %w", err)
	}
	return buf.String(), nil
}

func formatTime(value any) string {
	switch t := value.(type) {
	case time.Time:
		return t.UTC().Format("Jan 2, 2006 15:04 MST")
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.UTC().Format("Jan 2, 2006 15:04 MST")
	default:
		return ""
	}
}
