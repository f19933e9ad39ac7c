package usecase

import (
	"marketchat/internal/domain/entity"
	"marketchat/pkg/errors"
)

// Role is the requester's standing in one chat group, resolved once per
// operation.
type Role int

const (
	RoleNone Role = iota
	RoleSeller
	RoleParticipant
)

func (r Role) String() string {
	switch r {
	case RoleSeller:
		return "seller"
	case RoleParticipant:
		return "participant"
	default:
		return "none"
	}
}

func (r Role) IsMember() bool {
	return r == RoleSeller || r == RoleParticipant
}

func resolveRole(group *entity.ChatGroup, userID string) Role {
	switch {
	case userID == "":
		return RoleNone
	case group.SellerID == userID:
		return RoleSeller
	case group.HasParticipant(userID):
		return RoleParticipant
	default:
		return RoleNone
	}
}

func requireMember(group *entity.ChatGroup, userID string) (Role, error) {
	role := resolveRole(group, userID)
	if !role.IsMember() {
		return role, errors.Forbidden("You are not a member of this chat group", nil)
	}
	return role, nil
}

func requireSeller(group *entity.ChatGroup, userID string) error {
	if resolveRole(group, userID) != RoleSeller {
		return errors.Forbidden("Only the seller can perform this action", nil)
	}
	return nil
}

// unreadFor is the role-dependent unread figure shown to userID.
func unreadFor(group *entity.ChatGroup, role Role, userID string) int {
	switch role {
	case RoleSeller:
		return group.SellerUnread()
	case RoleParticipant:
		p, _ := group.Participant(userID)
		return p.UnreadCount
	default:
		return 0
	}
}
