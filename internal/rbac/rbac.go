package rbac

import "countersign/api/internal/store"

type Role string
type Action string

const (
	RoleNone   Role = "none"
	RoleSigner Role = "signer"
	RoleOwner  Role = "owner"
)

const (
	ActionView     Action = "view"
	ActionDownload Action = "download"
	ActionManage   Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleSigner:
		return action == ActionView || action == ActionDownload
	default:
		return false
	}
}

// RoleFor resolves the caller's role on one request. Ownership wins over
// being listed as a signer.
func RoleFor(req *store.SignatureRequest, userID string) Role {
	if userID == "" {
		return RoleNone
	}
	if req.CreatedBy == userID {
		return RoleOwner
	}
	for _, signer := range req.Signers {
		if signer.UserID == userID {
			return RoleSigner
		}
	}
	return RoleNone
}
