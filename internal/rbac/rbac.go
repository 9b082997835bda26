package rbac

type Role string
type Action string

const (
	RoleViewer  Role = "viewer"
	RoleAgent   Role = "agent"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead Action = "read"
	// ActionWrite covers CRM records, campaigns, call evaluation and pulls.
	ActionWrite Action = "write"
	// ActionManageSources covers data source configuration and conflict resolution.
	ActionManageSources Action = "manage_sources"
	ActionAdmin         Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleManager:
		return action == ActionRead || action == ActionWrite || action == ActionManageSources
	case RoleAgent:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleAgent, RoleManager, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
