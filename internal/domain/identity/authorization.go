package identity

import (
	"fmt"

	"loan-workflow/internal/domain/bank"
	"loan-workflow/internal/pkg/apperrors"
)

type Action string

const (
	ActionSubmit        Action = "submit"
	ActionResubmit      Action = "resubmit"
	ActionOfficerReview Action = "officer_review"
	ActionManagerReview Action = "manager_review"
	ActionGMReview      Action = "gm_review"
	ActionDisburse      Action = "disburse"
	ActionAddNote       Action = "add_note"
	ActionViewQueue     Action = "view_queue"
	ActionDelete        Action = "delete"
)

var permissions = map[Action]map[Role]bool{
	ActionSubmit:        {RoleApplicant: true},
	ActionResubmit:      {RoleApplicant: true},
	ActionOfficerReview: {RoleLoanOfficer: true, RoleBranchManager: true, RoleGeneralManager: true, RoleAdmin: true},
	ActionManagerReview: {RoleBranchManager: true, RoleGeneralManager: true, RoleAdmin: true},
	ActionGMReview:      {RoleGeneralManager: true, RoleAdmin: true},
	ActionDisburse:      {RoleLoanOfficer: true, RoleBranchManager: true, RoleGeneralManager: true, RoleAdmin: true},
	ActionAddNote:       {RoleLoanOfficer: true, RoleBranchManager: true, RoleGeneralManager: true, RoleAdmin: true},
	ActionViewQueue:     {RoleLoanOfficer: true, RoleBranchManager: true, RoleGeneralManager: true, RoleAdmin: true},
	ActionDelete:        {RoleAdmin: true},
}

func Allowed(role Role, action Action) bool {
	return permissions[action][role]
}

// Authorize checks the role table for action.
func Authorize(id Identity, action Action) error {
	if !Allowed(id.Role, action) {
		return fmt.Errorf("%w: role %s may not %s", apperrors.ErrForbidden, id.Role, action)
	}
	return nil
}

// CheckBank enforces bank scoping for staff identities.
func CheckBank(id Identity, loanBank bank.Code) error {
	if id.Unrestricted() || *id.Bank == loanBank {
		return nil
	}
	return fmt.Errorf("%w: %s is affiliated with %s, loan is serviced by %s",
		apperrors.ErrBankMismatch, id.ID, *id.Bank, loanBank)
}

// AuthorizeOnBank runs the role check followed by the bank check, in that order.
func AuthorizeOnBank(id Identity, action Action, loanBank bank.Code) error {
	if err := Authorize(id, action); err != nil {
		return err
	}
	if id.Role.IsStaff() {
		return CheckBank(id, loanBank)
	}
	return nil
}
