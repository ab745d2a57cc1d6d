// Package artifact renders the signed record of a completed request: document
// header, signer results, optional audit trail, verification QR code and the
// captured signature images placed on a signing page.
package artifact

import (
	"errors"
	"time"
)

type Options struct {
	IncludeAuditTrail     bool
	IncludeVerificationQR bool
	Watermark             string
}

// Position is a rectangle on a page, in points from the top-left corner.
type Position struct {
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Placement is a signature image pinned to a position.
type Placement struct {
	ImageData string   `json:"-"`
	Position  Position `json:"position"`
}

type Artifact struct {
	RequestID       string
	Filename        string
	MimeType        string
	Data            []byte
	Placements      []Placement
	DownloadURL     string
	VerificationURL string
	GeneratedAt     time.Time
}

var (
	// ErrNotCompleted is returned for any request that is not COMPLETED.
	ErrNotCompleted = errors.New("artifact: request is not completed")
	// ErrPDFDependencyMissing indicates headless Chrome is not installed.
	ErrPDFDependencyMissing = errors.New("artifact: pdf dependency missing")
	ErrInvalidImage         = errors.New("artifact: signature image must be a base64 png, jpeg, gif or webp data uri")
	ErrInvalidPosition      = errors.New("artifact: position must have a positive size on a non-negative page")
)
