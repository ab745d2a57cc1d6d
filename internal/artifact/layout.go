package artifact

import (
	"encoding/base64"
	"strings"
)

// Signature row layout, in points.
const (
	signatureOriginX = 50
	signatureRowY    = 650
	signatureWidth   = 200
	signatureHeight  = 60
	signatureGap     = 20
)

// CalculateSignaturePosition places signers left to right along one row of
// the given page. totalSigners does not change the layout.
func CalculateSignaturePosition(pageIndex, signerIndex, totalSigners int) Position {
	return Position{
		Page:   pageIndex,
		X:      float64(signatureOriginX + signerIndex*(signatureWidth+signatureGap)),
		Y:      signatureRowY,
		Width:  signatureWidth,
		Height: signatureHeight,
	}
}

var allowedImageTypes = []string{"image/png", "image/jpeg", "image/gif", "image/webp"}

// EmbedSignatureImage pins imageData, a base64 image data URI, to pos on the
// artifact.
func EmbedSignatureImage(a *Artifact, imageData string, pos Position) error {
	if pos.Page < 0 || pos.Width <= 0 || pos.Height <= 0 {
		return ErrInvalidPosition
	}
	if !validImageDataURI(imageData) {
		return ErrInvalidImage
	}
	a.Placements = append(a.Placements, Placement{ImageData: imageData, Position: pos})
	return nil
}

func validImageDataURI(value string) bool {
	rest, ok := strings.CutPrefix(value, "data:")
	if !ok {
		return false
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok || payload == "" {
		return false
	}
	mediaType, ok := strings.CutSuffix(header, ";base64")
	if !ok {
		return false
	}
	allowed := false
	for _, t := range allowedImageTypes {
		if strings.EqualFold(mediaType, t) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(payload)
	return err == nil
}
