package admin

// Permission represents an admin permission
type Permission string

const (
	// Withdrawals
	PermViewWithdrawals    Permission = "withdrawals.view"
	PermProcessWithdrawals Permission = "withdrawals.process"

	// Phases
	PermManagePhases Permission = "phases.manage"

	// Commissions
	PermManageCommissions Permission = "commissions.manage"
	PermReconcileCredits  Permission = "credits.reconcile"

	// System
	PermManageAdmins  Permission = "admins.manage"
	PermViewAuditLogs Permission = "audit.view"
)

// RolePermissions maps roles to their permissions
var RolePermissions = map[Role][]Permission{
	RoleSuperAdmin: {
		PermViewWithdrawals, PermProcessWithdrawals,
		PermManagePhases,
		PermManageCommissions, PermReconcileCredits,
		PermManageAdmins, PermViewAuditLogs,
	},
	RoleAdmin: {
		PermViewWithdrawals, PermProcessWithdrawals,
		PermManagePhases,
		PermManageCommissions, PermReconcileCredits,
		PermViewAuditLogs,
	},
	RoleOperator: {
		PermViewWithdrawals, PermProcessWithdrawals,
		PermReconcileCredits,
	},
	RoleSupport: {
		PermViewWithdrawals,
	},
}

// RoleHierarchy defines role levels (higher = more permissions)
var RoleHierarchy = map[Role]int{
	RoleSuperAdmin: 100,
	RoleAdmin:      80,
	RoleOperator:   60,
	RoleSupport:    40,
}

// CanManage checks if role1 can manage role2
func CanManage(role1, role2 Role) bool {
	return RoleHierarchy[role1] > RoleHierarchy[role2]
}

func roleHas(role Role, perm Permission) bool {
	for _, p := range RolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
