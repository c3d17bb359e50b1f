package rbac

// Role constants. Client and provider are per-contract party roles, arbiter
// is granted by configuration.
const (
	RoleClient   = "client"
	RoleProvider = "provider"
	RoleArbiter  = "arbiter"
	// RoleParty is any authenticated account without arbiter rights.
	RoleParty = "party"
)

// Permission constants
const (
	PermReleaseMilestone = "release_milestone"
	PermOpenDispute      = "open_dispute"
	PermWithdraw         = "withdraw"
	PermResolveDispute   = "resolve_dispute"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleClient: {
		PermReleaseMilestone, PermOpenDispute,
	},
	RoleProvider: {
		PermOpenDispute, PermWithdraw,
		// Provider CANNOT approve its own milestones
	},
	RoleArbiter: {
		PermResolveDispute,
	},
	RoleParty: {},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// IsFinancialOperation reports whether permission moves escrowed funds.
func IsFinancialOperation(permission string) bool {
	return permission == PermReleaseMilestone || permission == PermWithdraw
}
