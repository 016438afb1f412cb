package loan

import (
	"loan-workflow/internal/domain/bank"
	"loan-workflow/internal/domain/identity"
)

// Filter selects applications for the read side. Empty fields match everything.
type Filter struct {
	ApplicantID string
	Bank        *bank.Code
	Stages      []Stage
}

var pendingStages = []Stage{StageSubmitted, StageUnderReview, StageBranchReview, StageGMReview, StageReturned}

// DefaultStages is the queue a staff role sees without an explicit filter.
// A nil result means every stage.
func DefaultStages(role identity.Role) []Stage {
	switch role {
	case identity.RoleLoanOfficer:
		return []Stage{StageSubmitted, StageUnderReview, StageReturned}
	case identity.RoleBranchManager:
		return []Stage{StageBranchReview, StageSubmitted, StageUnderReview}
	case identity.RoleGeneralManager:
		return []Stage{StageGMReview}
	default:
		return nil
	}
}

// awaitingStages are the stages in which the role is the next actor.
func awaitingStages(role identity.Role) []Stage {
	switch role {
	case identity.RoleApplicant:
		return []Stage{StageReturned}
	case identity.RoleLoanOfficer:
		return []Stage{StageSubmitted, StageUnderReview, StageSanctioned}
	case identity.RoleBranchManager:
		return []Stage{StageBranchReview}
	case identity.RoleGeneralManager:
		return []Stage{StageGMReview}
	case identity.RoleAdmin:
		return []Stage{StageSubmitted, StageUnderReview, StageBranchReview, StageGMReview, StageSanctioned}
	}
	return nil
}

// ApplicantFilter scopes to one applicant's own loans.
func ApplicantFilter(applicantID string) Filter {
	return Filter{ApplicantID: applicantID}
}

// QueueFilter applies the same bank scoping the workflow uses for
// authorization, plus the role's default stages when none are given.
func QueueFilter(actor identity.Identity, stages []Stage) Filter {
	f := Filter{Stages: stages}
	if len(stages) == 0 {
		f.Stages = DefaultStages(actor.Role)
	}
	if !actor.Unrestricted() {
		b := *actor.Bank
		f.Bank = &b
	}
	return f
}

// Visible reports whether actor may read app.
func Visible(actor identity.Identity, app *Application) bool {
	if !actor.Role.IsStaff() {
		return app.ApplicantID == actor.ID
	}
	return identity.CheckBank(actor, app.Bank) == nil
}

type Stats struct {
	Total           int
	Pending         int
	Sanctioned      int
	Rejected        int
	Disbursed       int
	AwaitingAction  int
	PortfolioAmount Money
}

// Summarize aggregates an already-scoped collection for actor. The portfolio
// amount excludes rejected applications.
func Summarize(actor identity.Identity, apps []*Application) Stats {
	awaiting := awaitingStages(actor.Role)
	var s Stats
	for _, a := range apps {
		s.Total++
		switch {
		case stageIn(a.Stage, pendingStages):
			s.Pending++
		case a.Stage == StageSanctioned:
			s.Sanctioned++
		case a.Stage == StageRejected:
			s.Rejected++
		case a.Stage == StageDisbursed:
			s.Disbursed++
		}
		if stageIn(a.Stage, awaiting) {
			s.AwaitingAction++
		}
		if a.Stage != StageRejected {
			s.PortfolioAmount += a.Amount
		}
	}
	return s
}
