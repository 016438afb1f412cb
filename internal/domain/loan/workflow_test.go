package loan

import (
	"fmt"
	"testing"
	"time"

	"loan-workflow/internal/domain/bank"
	"loan-workflow/internal/domain/identity"
	"loan-workflow/internal/pkg/apperrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)

func staff(id string, role identity.Role, b *bank.Code) identity.Identity {
	return identity.Identity{ID: id, Name: "Staff " + id, Role: role, Bank: b}
}

func bankPtr(c bank.Code) *bank.Code { return &c }

func applicant(id string) identity.Identity {
	return identity.Identity{ID: id, Name: "Applicant " + id, Role: identity.RoleApplicant}
}

func newTestWorkflow() *Workflow {
	w := NewWorkflow(DefaultGMThreshold, true)
	n := 0
	w.newID = func() string {
		n++
		return fmt.Sprintf("entry-%d", n)
	}
	return w
}

func appAt(stage Stage, amount Money) *Application {
	app, err := NewApplication(Draft{
		ApplicantID: "u1",
		Type:        TypePersonal,
		Bank:        bank.SBI,
		Amount:      amount,
		TermMonths:  24,
		Purpose:     "consolidation",
	}, testNow.Add(-48*time.Hour))
	if err != nil {
		panic(err)
	}
	app.ID = "loan-1"
	app.Stage = stage
	return app
}

func bigApp(stage Stage) *Application {
	app, err := NewApplication(Draft{
		ApplicantID: "u1",
		Type:        TypeHome,
		Bank:        bank.SBI,
		Amount:      12_000_000,
		TermMonths:  240,
		Purpose:     "apartment",
		Details:     Details{PropertyAddress: "12 MG Road"},
	}, testNow.Add(-48*time.Hour))
	if err != nil {
		panic(err)
	}
	app.ID = "loan-big"
	app.Stage = stage
	return app
}

var (
	officerSBI = staff("o1", identity.RoleLoanOfficer, bankPtr(bank.SBI))
	managerSBI = staff("m1", identity.RoleBranchManager, bankPtr(bank.SBI))
	gmSBI      = staff("g1", identity.RoleGeneralManager, bankPtr(bank.SBI))
	adminAny   = staff("a1", identity.RoleAdmin, nil)
)

func TestOfficerApproveRoutesByAmount(t *testing.T) {
	w := newTestWorkflow()

	small := appAt(StageSubmitted, 500_000)
	require.NoError(t, w.Review(small, officerSBI, identity.ActionOfficerReview, DecisionApprove, "", testNow))
	assert.Equal(t, StageBranchReview, small.Stage)

	for _, actor := range []identity.Identity{officerSBI, managerSBI, gmSBI, adminAny} {
		big := bigApp(StageSubmitted)
		require.NoError(t, w.Review(big, actor, identity.ActionOfficerReview, DecisionApprove, "", testNow), actor.String())
		assert.Equal(t, StageGMReview, big.Stage, "approver %s", actor)
	}
}

func TestThresholdIsExclusive(t *testing.T) {
	w := newTestWorkflow()
	app := appAt(StageUnderReview, 10_000_000)
	require.NoError(t, w.Review(app, officerSBI, identity.ActionOfficerReview, DecisionApprove, "", testNow))
	assert.Equal(t, StageBranchReview, app.Stage)
}

func TestManagerApproveSanctions(t *testing.T) {
	w := newTestWorkflow()
	app := appAt(StageBranchReview, 500_000)

	require.NoError(t, w.Review(app, managerSBI, identity.ActionManagerReview, DecisionApprove, "looks good", testNow))

	assert.Equal(t, StageSanctioned, app.Stage)
	assert.Equal(t, StatusApproved, app.Status)
	require.NotNil(t, app.SanctionedAt)
	assert.Equal(t, testNow, *app.SanctionedAt)
	require.Len(t, app.ApprovalChain, 1)
	entry := app.ApprovalChain[0]
	assert.Equal(t, ChainApproved, entry.Action)
	assert.Equal(t, StageBranchReview, entry.Stage)
	assert.Equal(t, StageSanctioned, entry.ToStage)
	assert.Equal(t, identity.RoleBranchManager, entry.ActorRole)
	assert.Equal(t, "looks good", entry.Remarks)
}

func TestManagerApproveLargeGoesToGM(t *testing.T) {
	w := newTestWorkflow()
	app := bigApp(StageBranchReview)
	require.NoError(t, w.Review(app, managerSBI, identity.ActionManagerReview, DecisionApprove, "", testNow))
	assert.Equal(t, StageGMReview, app.Stage)
	assert.Nil(t, app.SanctionedAt)
}

func TestGMDecisions(t *testing.T) {
	w := newTestWorkflow()

	app := bigApp(StageGMReview)
	require.NoError(t, w.Review(app, gmSBI, identity.ActionGMReview, DecisionApprove, "", testNow))
	assert.Equal(t, StageSanctioned, app.Stage)
	assert.Equal(t, StatusApproved, app.Status)

	app = bigApp(StageGMReview)
	require.NoError(t, w.Review(app, gmSBI, identity.ActionGMReview, DecisionReturn, "need valuation", testNow))
	assert.Equal(t, StageBranchReview, app.Stage)

	app = bigApp(StageGMReview)
	require.NoError(t, w.Review(app, adminAny, identity.ActionGMReview, DecisionReject, "exposure limit", testNow))
	assert.Equal(t, StageRejected, app.Stage)
	assert.Equal(t, StatusRejected, app.Status)
	assert.Equal(t, "exposure limit", app.RejectionReason)
}

func TestReturnTargets(t *testing.T) {
	w := newTestWorkflow()

	app := appAt(StageSubmitted, 500_000)
	require.NoError(t, w.Review(app, officerSBI, identity.ActionOfficerReview, DecisionReturn, "missing payslips", testNow))
	assert.Equal(t, StageReturned, app.Stage)
	assert.Equal(t, ChainReturned, app.ApprovalChain[0].Action)

	app = appAt(StageBranchReview, 500_000)
	require.NoError(t, w.Review(app, managerSBI, identity.ActionManagerReview, DecisionReturn, "recheck income", testNow))
	assert.Equal(t, StageUnderReview, app.Stage)
}

func TestRejectAndReturnRequireRemarks(t *testing.T) {
	w := newTestWorkflow()
	for _, d := range []Decision{DecisionReject, DecisionReturn} {
		app := appAt(StageSubmitted, 500_000)
		before := app.Clone()

		err := w.Review(app, officerSBI, identity.ActionOfficerReview, d, "   ", testNow)
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrValidation)
		assert.Equal(t, before, app)
	}

	lenient := NewWorkflow(DefaultGMThreshold, false)
	app := appAt(StageSubmitted, 500_000)
	require.NoError(t, lenient.Review(app, officerSBI, identity.ActionOfficerReview, DecisionReject, "", testNow))
	assert.Equal(t, StageRejected, app.Stage)
}

func TestRoleNotAllowed(t *testing.T) {
	w := newTestWorkflow()
	cases := []struct {
		actor  identity.Identity
		action identity.Action
		stage  Stage
	}{
		{officerSBI, identity.ActionManagerReview, StageBranchReview},
		{officerSBI, identity.ActionGMReview, StageGMReview},
		{managerSBI, identity.ActionGMReview, StageGMReview},
		{applicant("u1"), identity.ActionOfficerReview, StageSubmitted},
	}
	for _, tc := range cases {
		app := appAt(tc.stage, 500_000)
		before := app.Clone()
		err := w.Review(app, tc.actor, tc.action, DecisionApprove, "", testNow)
		assert.ErrorIs(t, err, apperrors.ErrForbidden, "%s %s", tc.actor, tc.action)
		assert.NotErrorIs(t, err, apperrors.ErrBankMismatch)
		assert.Equal(t, before, app)
	}
}

func TestBankMismatchForEveryStaffAction(t *testing.T) {
	w := newTestWorkflow()
	hdfc := bankPtr(bank.HDFC)
	roles := []identity.Role{identity.RoleLoanOfficer, identity.RoleBranchManager, identity.RoleGeneralManager}

	for _, role := range roles {
		actor := staff("x", role, hdfc)
		steps := []struct {
			stage Stage
			run   func(app *Application) error
		}{
			{StageSubmitted, func(app *Application) error {
				return w.Review(app, actor, identity.ActionOfficerReview, DecisionApprove, "", testNow)
			}},
			{StageBranchReview, func(app *Application) error {
				return w.Review(app, actor, identity.ActionManagerReview, DecisionApprove, "", testNow)
			}},
			{StageGMReview, func(app *Application) error {
				return w.Review(app, actor, identity.ActionGMReview, DecisionApprove, "", testNow)
			}},
			{StageSanctioned, func(app *Application) error {
				return w.Disburse(app, actor, nil, testNow)
			}},
			{StageUnderReview, func(app *Application) error {
				return w.AddNote(app, actor, "note", testNow)
			}},
		}
		for _, step := range steps {
			app := appAt(step.stage, 500_000)
			before := app.Clone()
			err := step.run(app)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrForbidden)
			if identity.Allowed(role, actionFor(step.stage)) {
				assert.ErrorIs(t, err, apperrors.ErrBankMismatch, "role %s stage %s", role, step.stage)
			}
			assert.Equal(t, before, app)
		}
	}
}

func actionFor(stage Stage) identity.Action {
	switch stage {
	case StageSubmitted:
		return identity.ActionOfficerReview
	case StageBranchReview:
		return identity.ActionManagerReview
	case StageGMReview:
		return identity.ActionGMReview
	case StageSanctioned:
		return identity.ActionDisburse
	default:
		return identity.ActionAddNote
	}
}

func TestUnaffiliatedStaffIsUnrestricted(t *testing.T) {
	w := newTestWorkflow()
	legacy := staff("legacy", identity.RoleLoanOfficer, nil)
	app := appAt(StageSubmitted, 500_000)
	app.Bank = bank.ICICI
	require.NoError(t, w.Review(app, legacy, identity.ActionOfficerReview, DecisionApprove, "", testNow))
}

func TestIllegalTransitionsLeaveLoanUnchanged(t *testing.T) {
	w := newTestWorkflow()
	allowed := map[identity.Action][]Stage{
		identity.ActionOfficerReview: {StageSubmitted, StageUnderReview},
		identity.ActionManagerReview: {StageBranchReview},
		identity.ActionGMReview:      {StageGMReview},
	}

	for action, legal := range allowed {
		for _, stage := range allStages {
			if stageIn(stage, legal) {
				continue
			}
			for _, d := range []Decision{DecisionApprove, DecisionReject, DecisionReturn} {
				app := appAt(stage, 500_000)
				before := app.Clone()
				err := w.Review(app, adminAny, action, d, "remarks", testNow)
				assert.ErrorIs(t, err, apperrors.ErrIllegalTransition, "%s from %s", action, stage)
				assert.Equal(t, before, app)
			}
		}
	}

	for _, stage := range allStages {
		if stage == StageSanctioned {
			continue
		}
		app := appAt(stage, 500_000)
		before := app.Clone()
		assert.ErrorIs(t, w.Disburse(app, adminAny, nil, testNow), apperrors.ErrIllegalTransition)
		assert.Equal(t, before, app)
	}
}

func TestStageCheckFollowsRoleAndBankChecks(t *testing.T) {
	w := newTestWorkflow()
	app := appAt(StageDisbursed, 500_000)

	err := w.Review(app, staff("x", identity.RoleLoanOfficer, bankPtr(bank.PNB)), identity.ActionOfficerReview, DecisionApprove, "", testNow)
	assert.ErrorIs(t, err, apperrors.ErrBankMismatch)

	err = w.Review(app, officerSBI, identity.ActionGMReview, DecisionApprove, "", testNow)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	assert.NotErrorIs(t, err, apperrors.ErrIllegalTransition)
}

func TestDisburseGeneratesScheduleOnce(t *testing.T) {
	w := newTestWorkflow()
	app, err := NewApplication(Draft{
		ApplicantID: "u1",
		Type:        TypeEducation,
		Bank:        bank.SBI,
		Amount:      800_000,
		TermMonths:  60,
		Purpose:     "engineering degree",
		Details:     Details{InstitutionName: "NIT Trichy", CourseName: "B.Tech"},
		Collateral:  &Collateral{Type: "property", Description: "flat", EstimatedValue: 2_000_000},
		Guarantor:   &Guarantor{Name: "Parent", Relationship: "father", AnnualIncome: 900_000},
	}, testNow.Add(-24*time.Hour))
	require.NoError(t, err)
	require.True(t, app.CollateralRequired)
	require.True(t, app.GuarantorRequired)
	app.ID = "edu-1"
	app.Stage = StageSanctioned

	account := &DisbursementAccount{AccountHolder: "Student", AccountNumber: "0001234", IFSC: "SBIN0000001"}
	require.NoError(t, w.Disburse(app, officerSBI, account, testNow))

	assert.Equal(t, StageDisbursed, app.Stage)
	assert.Equal(t, StatusDisbursed, app.Status)
	require.NotNil(t, app.DisbursedAt)
	assert.Equal(t, testNow, *app.DisbursedAt)
	assert.Len(t, app.Schedule, 60)
	assert.Equal(t, testNow.AddDate(0, 1, 0), app.Schedule[0].DueDate)
	assert.Equal(t, account, app.DisbursementAccount)
	assert.True(t, app.CollateralRequired)
	assert.True(t, app.GuarantorRequired)
	assert.Equal(t, ChainDisbursed, app.ApprovalChain[len(app.ApprovalChain)-1].Action)

	assert.ErrorIs(t, w.Disburse(app, officerSBI, account, testNow), apperrors.ErrIllegalTransition)
	assert.Len(t, app.Schedule, 60)
}

func TestResubmit(t *testing.T) {
	w := newTestWorkflow()
	app := appAt(StageSubmitted, 500_000)
	require.NoError(t, w.Review(app, officerSBI, identity.ActionOfficerReview, DecisionReturn, "add guarantor", testNow))
	prior := append([]ChainEntry(nil), app.ApprovalChain...)
	flagsBefore := [2]bool{app.CollateralRequired, app.GuarantorRequired}

	later := testNow.Add(3 * time.Hour)
	purpose := "debt consolidation"
	err := w.Resubmit(app, applicant("u1"), ResubmitFields{
		Purpose:   &purpose,
		Guarantor: &Guarantor{Name: "Sibling", Relationship: "brother"},
	}, "guarantor added", later)
	require.NoError(t, err)

	assert.Equal(t, StageSubmitted, app.Stage)
	assert.Equal(t, StatusPending, app.Status)
	assert.Equal(t, later, app.SubmittedAt)
	assert.Equal(t, purpose, app.Purpose)
	require.NotNil(t, app.Guarantor)
	assert.Equal(t, "Sibling", app.Guarantor.Name)
	require.Len(t, app.ApprovalChain, len(prior)+1)
	assert.Equal(t, prior, app.ApprovalChain[:len(prior)])
	last := app.ApprovalChain[len(prior)]
	assert.Equal(t, ChainResubmitted, last.Action)
	assert.Equal(t, StageReturned, last.Stage)
	assert.Equal(t, StageSubmitted, last.ToStage)
	assert.Equal(t, flagsBefore, [2]bool{app.CollateralRequired, app.GuarantorRequired})
}

func TestResubmitRejections(t *testing.T) {
	w := newTestWorkflow()

	app := appAt(StageReturned, 500_000)
	assert.ErrorIs(t, w.Resubmit(app, applicant("someone-else"), ResubmitFields{}, "", testNow), apperrors.ErrForbidden)
	assert.ErrorIs(t, w.Resubmit(app, officerSBI, ResubmitFields{}, "", testNow), apperrors.ErrForbidden)

	app = appAt(StageBranchReview, 500_000)
	assert.ErrorIs(t, w.Resubmit(app, applicant("u1"), ResubmitFields{}, "", testNow), apperrors.ErrIllegalTransition)

	app = appAt(StageReturned, 500_000)
	blank := " "
	assert.ErrorIs(t, w.Resubmit(app, applicant("u1"), ResubmitFields{Purpose: &blank}, "", testNow), apperrors.ErrValidation)
	assert.Empty(t, app.ApprovalChain)
}

func TestAddNoteKeepsStage(t *testing.T) {
	w := newTestWorkflow()
	for _, stage := range []Stage{StageSubmitted, StageGMReview, StageDisbursed, StageRejected} {
		app := appAt(stage, 500_000)
		require.NoError(t, w.AddNote(app, managerSBI, "called applicant", testNow))
		assert.Equal(t, stage, app.Stage)
		require.Len(t, app.ApprovalChain, 1)
		assert.Equal(t, ChainNote, app.ApprovalChain[0].Action)
		assert.Equal(t, stage, app.ApprovalChain[0].ToStage)
	}

	app := appAt(StageSubmitted, 500_000)
	assert.ErrorIs(t, w.AddNote(app, managerSBI, "  ", testNow), apperrors.ErrValidation)
	assert.ErrorIs(t, w.AddNote(app, applicant("u1"), "hello", testNow), apperrors.ErrForbidden)
}

func TestChainGrowsByOnePerAction(t *testing.T) {
	w := newTestWorkflow()
	app := bigApp(StageSubmitted)

	steps := []func() error{
		func() error { return w.AddNote(app, officerSBI, "docs received", testNow) },
		func() error {
			return w.Review(app, officerSBI, identity.ActionOfficerReview, DecisionReturn, "missing deed", testNow)
		},
		func() error { return w.Resubmit(app, applicant("u1"), ResubmitFields{}, "", testNow) },
		func() error {
			return w.Review(app, officerSBI, identity.ActionOfficerReview, DecisionApprove, "", testNow)
		},
		func() error { return w.AddNote(app, gmSBI, "site visit done", testNow) },
		func() error { return w.Review(app, gmSBI, identity.ActionGMReview, DecisionApprove, "", testNow) },
		func() error { return w.Disburse(app, officerSBI, nil, testNow) },
	}
	for k, step := range steps {
		require.NoError(t, step(), "step %d", k)
		require.Len(t, app.ApprovalChain, k+1)
		assert.Equal(t, k+1, app.ApprovalChain[k].Seq)
		assert.Equal(t, fmt.Sprintf("entry-%d", k+1), app.ApprovalChain[k].ID)
	}
	assert.Equal(t, StageDisbursed, app.Stage)
	assert.Len(t, app.Schedule, 240)
}

func TestReviewRejectsUnknownDecision(t *testing.T) {
	w := newTestWorkflow()
	app := appAt(StageSubmitted, 500_000)
	assert.ErrorIs(t, w.Review(app, officerSBI, identity.ActionOfficerReview, Decision("escalate"), "", testNow), apperrors.ErrValidation)
	assert.ErrorIs(t, w.Review(app, officerSBI, identity.ActionDisburse, DecisionApprove, "", testNow), apperrors.ErrInvalidArgument)
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision(" Approve ")
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, d)

	_, err = ParseDecision("maybe")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
