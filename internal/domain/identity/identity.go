package identity

import (
	"fmt"
	"strings"

	"loan-workflow/internal/domain/bank"
	"loan-workflow/internal/pkg/apperrors"
)

type Role string

const (
	RoleApplicant      Role = "applicant"
	RoleLoanOfficer    Role = "loan_officer"
	RoleBranchManager  Role = "branch_manager"
	RoleGeneralManager Role = "general_manager"
	RoleAdmin          Role = "admin"
)

// legacyApplicant is the role string older accounts were stored with.
const legacyApplicant = "user"

func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == legacyApplicant {
		return RoleApplicant, nil
	}
	switch r := Role(s); r {
	case RoleApplicant, RoleLoanOfficer, RoleBranchManager, RoleGeneralManager, RoleAdmin:
		return r, nil
	}
	return "", apperrors.NewValidationError("role", fmt.Sprintf("unknown role %q", s))
}

// IsStaff reports whether the role belongs to bank personnel.
func (r Role) IsStaff() bool {
	switch r {
	case RoleLoanOfficer, RoleBranchManager, RoleGeneralManager, RoleAdmin:
		return true
	}
	return false
}

// Identity is the resolved principal behind a request. It is passed
// explicitly into every workflow operation.
type Identity struct {
	ID   string
	Name string
	Role Role
	// Bank is nil for applicants, admins and legacy staff accounts with no
	// affiliation; nil means unrestricted.
	Bank *bank.Code
}

func (id Identity) String() string {
	if id.Bank != nil {
		return fmt.Sprintf("%s(%s@%s)", id.ID, id.Role, *id.Bank)
	}
	return fmt.Sprintf("%s(%s)", id.ID, id.Role)
}

// Unrestricted reports whether the identity may act on loans of every bank.
func (id Identity) Unrestricted() bool {
	return id.Role == RoleAdmin || id.Bank == nil
}
