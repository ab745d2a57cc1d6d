package workflow

import (
	"time"

	"countersign/api/internal/store"
)

// DeriveStatus computes a request's status from its signers, its expiry and the
// status it currently holds. Terminal statuses never change; expiry dominates
// everything else; a single decline ends the request.
func DeriveStatus(signers []store.Signer, expiresAt, now time.Time, current store.RequestStatus) store.RequestStatus {
	if current.Terminal() {
		return current
	}
	if now.After(expiresAt) {
		return store.StatusExpired
	}
	if current == store.StatusDraft {
		return store.StatusDraft
	}

	signed, pending := 0, 0
	for _, signer := range signers {
		switch signer.Status {
		case store.SignerDeclined:
			return store.StatusDeclined
		case store.SignerSigned:
			signed++
		case store.SignerPending:
			pending++
		}
	}
	switch {
	case len(signers) > 0 && signed == len(signers):
		return store.StatusCompleted
	case signed > 0 && pending > 0:
		return store.StatusPartiallySigned
	default:
		return store.StatusPending
	}
}

// nextInTurn returns the lowest-order signer still pending. Signers are kept
// sorted by order.
func nextInTurn(req *store.SignatureRequest) *store.Signer {
	for i := range req.Signers {
		if req.Signers[i].Status == store.SignerPending {
			return &req.Signers[i]
		}
	}
	return nil
}

func mayAct(req *store.SignatureRequest, signerID string) bool {
	if !req.Sequential {
		return true
	}
	next := nextInTurn(req)
	return next != nil && next.ID == signerID
}
