package artifact

import (
	"context"
	"encoding/base64"
	"fmt"
	"html/template"
	"strings"

	"countersign/api/internal/store"
	"github.com/jonboulle/clockwork"
	qrcode "github.com/skip2/go-qrcode"
)

type Generator struct {
	baseURL  string
	renderer Renderer
	clock    clockwork.Clock
}

func NewGenerator(baseURL string, renderer Renderer, clock clockwork.Clock) *Generator {
	if renderer == nil {
		renderer = HTMLRenderer{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Generator{baseURL: strings.TrimRight(baseURL, "/"), renderer: renderer, clock: clock}
}

func (g *Generator) VerificationURL(requestID string) string {
	return g.baseURL + "/verify/signature/" + requestID
}

func (g *Generator) DownloadURL(requestID string) string {
	return g.baseURL + "/api/signatures/" + requestID + "/download"
}

// Filename is the download name for req's artifact.
func (g *Generator) Filename(req store.SignatureRequest) string {
	return sanitizeFilename(firstNonBlank(req.Document.Title, req.Document.ID)) + "-signed" + g.renderer.Extension()
}

func (g *Generator) Extension() string { return g.renderer.Extension() }

func (g *Generator) MimeType() string { return g.renderer.MimeType() }

// Generate renders the signed record of req. It fails with ErrNotCompleted
// unless every signer has signed.
func (g *Generator) Generate(ctx context.Context, req store.SignatureRequest, auditLog []store.AuditEntry, opts Options) (*Artifact, error) {
	if req.Status != store.StatusCompleted {
		return nil, ErrNotCompleted
	}

	a := &Artifact{
		RequestID:       req.ID,
		DownloadURL:     g.DownloadURL(req.ID),
		VerificationURL: g.VerificationURL(req.ID),
		GeneratedAt:     g.clock.Now().UTC(),
	}
	data := templateData{
		Title:           firstNonBlank(req.Document.Title, req.Document.ID),
		DocumentID:      req.Document.ID,
		RequestID:       req.ID,
		Message:         req.Message,
		Watermark:       strings.TrimSpace(opts.Watermark),
		CreatedAt:       req.CreatedAt,
		CompletedAt:     req.CompletedAt,
		VerificationURL: a.VerificationURL,
	}

	for i, signer := range req.Signers {
		data.Signers = append(data.Signers, signerRow{
			Name:      signer.Name,
			Email:     signer.Email,
			Status:    signer.Status,
			SignedAt:  signer.SignedAt,
			IPAddress: signer.IPAddress,
		})

		pos := CalculateSignaturePosition(0, i, len(req.Signers))
		mark := signatureMark{
			X: pos.X, Y: pos.Y, Width: pos.Width, Height: pos.Height,
			Name:     firstNonBlank(signer.Name, signer.Email),
			SignedAt: signer.SignedAt,
		}
		if signer.SignatureType != store.SignatureTyped && EmbedSignatureImage(a, signer.SignatureData, pos) == nil {
			mark.Image = template.URL(signer.SignatureData)
		} else {
			mark.Typed = firstNonBlank(signer.SignatureData, mark.Name)
		}
		data.Signatures = append(data.Signatures, mark)
	}

	if opts.IncludeAuditTrail {
		data.AuditTrail = auditLog
	}
	if opts.IncludeVerificationQR {
		png, err := qrcode.Encode(a.VerificationURL, qrcode.Medium, 256)
		if err != nil {
			return nil, fmt.Errorf("encode verification qr: %w", err)
		}
		data.QRCode = template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(png))
	}

	html, err := renderHTML(data)
	if err != nil {
		return nil, err
	}
	rendered, err := g.renderer.Render(ctx, html)
	if err != nil {
		return nil, err
	}
	a.Data = rendered
	a.MimeType = g.renderer.MimeType()
	a.Filename = g.Filename(req)
	return a, nil
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
