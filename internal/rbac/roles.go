package rbac

// Group names as issued by the backend. Keep these stable; views and API permissions reference them.
const (
	RoleViewer   = "VIEWER"
	RoleAnalista = "ANALISTA"
	RoleAdmin    = "ADMIN"
)

// Tiers lists roles from least to most privileged.
var Tiers = []string{RoleViewer, RoleAnalista, RoleAdmin}

// AtLeast returns the given role and every role above it.
// Unknown roles yield only themselves.
func AtLeast(role string) []string {
	for i, r := range Tiers {
		if r == role {
			out := make([]string, len(Tiers)-i)
			copy(out, Tiers[i:])
			return out
		}
	}
	return []string{role}
}

// HasAnyRole is the single role rule used across the repo:
//   - superusers pass unconditionally
//   - otherwise groups must intersect allowed
//
// An empty allowed list never matches here; callers that treat "no roles" as
// "any authenticated user" must check for it first.
func HasAnyRole(superuser bool, groups []string, allowed ...string) bool {
	if superuser {
		return true
	}
	if len(allowed) == 0 || len(groups) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		set[g] = struct{}{}
	}
	for _, r := range allowed {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}
