package loan

import (
	"fmt"
	"strings"
	"time"

	"loan-workflow/internal/domain/identity"
	"loan-workflow/internal/pkg/apperrors"

	"github.com/google/uuid"
)

const DefaultGMThreshold Money = 10_000_000

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionReturn  Decision = "return"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionApprove, DecisionReject, DecisionReturn:
		return d, nil
	}
	return "", apperrors.NewValidationError("action", fmt.Sprintf("action must be approve, reject or return, got %q", s))
}

// ResubmitFields are the applicant-editable parts of a returned application.
// Amount, term, type and bank are fixed at creation.
type ResubmitFields struct {
	Purpose    *string
	Details    *Details
	Collateral *Collateral
	Guarantor  *Guarantor
	Documents  *DocumentChecklist
}

type reviewStep struct {
	action   identity.Action
	from     []Stage
	approve  func(w *Workflow, amount Money) Stage
	returnTo Stage
}

var reviewSteps = map[identity.Action]reviewStep{
	identity.ActionOfficerReview: {
		action: identity.ActionOfficerReview,
		from:   []Stage{StageSubmitted, StageUnderReview},
		approve: func(w *Workflow, amount Money) Stage {
			if amount > w.threshold {
				return StageGMReview
			}
			return StageBranchReview
		},
		returnTo: StageReturned,
	},
	identity.ActionManagerReview: {
		action: identity.ActionManagerReview,
		from:   []Stage{StageBranchReview},
		approve: func(w *Workflow, amount Money) Stage {
			if amount > w.threshold {
				return StageGMReview
			}
			return StageSanctioned
		},
		returnTo: StageUnderReview,
	},
	identity.ActionGMReview: {
		action:   identity.ActionGMReview,
		from:     []Stage{StageGMReview},
		approve:  func(*Workflow, Money) Stage { return StageSanctioned },
		returnTo: StageBranchReview,
	},
}

// Workflow is the approval state machine. Every method checks all of its
// preconditions before touching the application, so a returned error always
// leaves the application unchanged.
type Workflow struct {
	threshold       Money
	remarksRequired bool
	newID           func() string
}

func NewWorkflow(threshold Money, remarksRequired bool) *Workflow {
	if threshold <= 0 {
		threshold = DefaultGMThreshold
	}
	return &Workflow{threshold: threshold, remarksRequired: remarksRequired, newID: uuid.NewString}
}

func (w *Workflow) Threshold() Money { return w.threshold }

// Review applies an officer, manager or general-manager decision.
func (w *Workflow) Review(app *Application, actor identity.Identity, action identity.Action, decision Decision, remarks string, now time.Time) error {
	step, ok := reviewSteps[action]
	if !ok {
		return fmt.Errorf("%w: %s is not a review action", apperrors.ErrInvalidArgument, action)
	}
	if err := identity.AuthorizeOnBank(actor, step.action, app.Bank); err != nil {
		return err
	}
	if !stageIn(app.Stage, step.from) {
		return illegal(app.Stage, action)
	}

	remarks = strings.TrimSpace(remarks)
	var to Stage
	var entry ChainAction
	switch decision {
	case DecisionApprove:
		to, entry = step.approve(w, app.Amount), ChainApproved
	case DecisionReject:
		if err := w.requireRemarks(remarks, decision); err != nil {
			return err
		}
		to, entry = StageRejected, ChainRejected
	case DecisionReturn:
		if err := w.requireRemarks(remarks, decision); err != nil {
			return err
		}
		to, entry = step.returnTo, ChainReturned
	default:
		return apperrors.NewValidationError("action", fmt.Sprintf("unsupported decision %q", decision))
	}

	from := app.Stage
	app.Stage = to
	switch to {
	case StageSanctioned:
		t := now
		app.SanctionedAt = &t
		app.Status = StatusApproved
	case StageRejected:
		app.RejectionReason = remarks
		app.Status = StatusRejected
	}
	w.appendEntry(app, actor, from, entry, remarks, now)
	return nil
}

// Disburse pays out a sanctioned loan and generates its EMI schedule once.
func (w *Workflow) Disburse(app *Application, actor identity.Identity, account *DisbursementAccount, now time.Time) error {
	if err := identity.AuthorizeOnBank(actor, identity.ActionDisburse, app.Bank); err != nil {
		return err
	}
	if app.Stage != StageSanctioned {
		return illegal(app.Stage, identity.ActionDisburse)
	}

	schedule := app.Schedule
	if len(schedule) == 0 {
		var err error
		schedule, err = GenerateSchedule(app.Amount, app.InterestRate, app.TermMonths, app.EMIAmount, now)
		if err != nil {
			return err
		}
	}

	from := app.Stage
	t := now
	app.Stage = StageDisbursed
	app.Status = StatusDisbursed
	app.DisbursedAt = &t
	app.Schedule = schedule
	if account != nil {
		acc := *account
		app.DisbursementAccount = &acc
	}
	w.appendEntry(app, actor, from, ChainDisbursed, "", now)
	return nil
}

// Resubmit sends a returned application back into the queue.
func (w *Workflow) Resubmit(app *Application, actor identity.Identity, fields ResubmitFields, remarks string, now time.Time) error {
	if err := identity.Authorize(actor, identity.ActionResubmit); err != nil {
		return err
	}
	if app.ApplicantID != actor.ID {
		return fmt.Errorf("%w: application %s belongs to another applicant", apperrors.ErrForbidden, app.ID)
	}
	if app.Stage != StageReturned {
		return illegal(app.Stage, identity.ActionResubmit)
	}
	if fields.Purpose != nil && strings.TrimSpace(*fields.Purpose) == "" {
		return apperrors.NewValidationError("purpose", "purpose cannot be blank")
	}
	if fields.Details != nil {
		if err := fields.Details.validateFor(app.Type); err != nil {
			return err
		}
	}

	from := app.Stage
	if fields.Purpose != nil {
		app.Purpose = strings.TrimSpace(*fields.Purpose)
	}
	if fields.Details != nil {
		app.Details = *fields.Details
	}
	if fields.Collateral != nil {
		c := *fields.Collateral
		app.Collateral = &c
	}
	if fields.Guarantor != nil {
		g := *fields.Guarantor
		app.Guarantor = &g
	}
	if fields.Documents != nil {
		app.Documents = *fields.Documents
	}
	app.Stage = StageSubmitted
	app.Status = StatusPending
	app.SubmittedAt = now
	w.appendEntry(app, actor, from, ChainResubmitted, strings.TrimSpace(remarks), now)
	return nil
}

// AddNote records a staff note without changing the stage.
func (w *Workflow) AddNote(app *Application, actor identity.Identity, note string, now time.Time) error {
	if err := identity.AuthorizeOnBank(actor, identity.ActionAddNote, app.Bank); err != nil {
		return err
	}
	note = strings.TrimSpace(note)
	if note == "" {
		return apperrors.NewValidationError("note", "note cannot be empty")
	}
	w.appendEntry(app, actor, app.Stage, ChainNote, note, now)
	return nil
}

func (w *Workflow) requireRemarks(remarks string, d Decision) error {
	if w.remarksRequired && remarks == "" {
		return apperrors.NewValidationError("remarks", fmt.Sprintf("remarks are required to %s an application", d))
	}
	return nil
}

func (w *Workflow) appendEntry(app *Application, actor identity.Identity, from Stage, action ChainAction, remarks string, now time.Time) {
	app.ApprovalChain = append(app.ApprovalChain, ChainEntry{
		ID:        w.newID(),
		Seq:       len(app.ApprovalChain) + 1,
		Stage:     from,
		ToStage:   app.Stage,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		ActorName: actor.Name,
		Action:    action,
		Remarks:   remarks,
		Timestamp: now,
	})
	app.UpdatedAt = now
}

func illegal(current Stage, action identity.Action) error {
	return fmt.Errorf("%w: %s is not allowed while the application is %s", apperrors.ErrIllegalTransition, action, current)
}

func stageIn(s Stage, set []Stage) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}
