package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleUser    = "user"
	RoleAdmin   = "admin"
	RoleService = "service" // hidden role
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsHiddenRole(role string) bool { return role == RoleService }

// CanAccessOwned reports whether a caller may read or act on a record owned by ownerID.
// Admins see everything; the service role only reaches routes that opt it in.
func CanAccessOwned(role, callerID, ownerID string) bool {
	if IsAdmin(role) {
		return true
	}
	return callerID != "" && callerID == ownerID
}
