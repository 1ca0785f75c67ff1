package shared

// Core platform permissions.
const (
	PermUsersView = "users.view"
	PermUsersEdit = "users.edit"

	PermRolesView = "roles.view"
	PermRolesEdit = "roles.edit"

	PermPermissionsView = "permissions.view"

	PermAuditView = "audit.view"
)

// Approval permissions per approvable entity type.
const (
	PermAttendanceView    = "attendance.view"
	PermAttendanceApprove = "attendance.approve"
	PermAttendanceEdit    = "attendance.edit"

	PermExpensesView    = "expenses.view"
	PermExpensesApprove = "expenses.approve"
	PermExpensesReview  = "expenses.review"
	PermExpensesEdit    = "expenses.edit"

	PermContributionsView    = "contributions.view"
	PermContributionsApprove = "contributions.approve"
	PermContributionsEdit    = "contributions.edit"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermUsersView,
		PermUsersEdit,
		PermRolesView,
		PermRolesEdit,
		PermPermissionsView,
		PermAuditView,
	}
}

// ApprovalScopes lists permissions gating approvable entities.
func ApprovalScopes() []string {
	return []string{
		PermAttendanceView,
		PermAttendanceApprove,
		PermAttendanceEdit,
		PermExpensesView,
		PermExpensesApprove,
		PermExpensesReview,
		PermExpensesEdit,
		PermContributionsView,
		PermContributionsApprove,
		PermContributionsEdit,
	}
}
