package rbac

// Role names. Keep these stable; they are carried in access tokens.
const (
	RoleAdmin = "admin"
	RoleAgent = "agent"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsValidRole(role string) bool { return role == RoleAdmin || role == RoleAgent }
