package rbac

type Role string
type Action string

const (
	// RoleAnonymous is a session-scoped pseudo-identity, not a stored user.
	RoleAnonymous Role = "anonymous"
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionCreate   Action = "create"
	ActionReact    Action = "react"
	ActionReport   Action = "report"
	ActionClaim    Action = "claim"
	ActionModerate Action = "moderate"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin, RoleModerator:
		return true
	case RoleMember:
		return action == ActionCreate || action == ActionReact || action == ActionReport || action == ActionClaim
	case RoleAnonymous:
		return action == ActionCreate || action == ActionReact || action == ActionReport
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleAnonymous, RoleMember, RoleModerator, RoleAdmin:
		return Role(role)
	default:
		return RoleMember
	}
}
