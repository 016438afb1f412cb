package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"loan-workflow/internal/api/handler/dto"
	"loan-workflow/internal/api/middleware"
	"loan-workflow/internal/domain/bank"
	"loan-workflow/internal/domain/identity"
	"loan-workflow/internal/domain/loan"
	"loan-workflow/internal/pkg/apperrors"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

const testLoanID = "4b0e7c9a-3d4f-4c61-9a57-2f8de1b0c7aa"

type MockLoanService struct {
	mock.Mock
}

func appResult(args mock.Arguments) (*loan.Application, error) {
	if app, ok := args.Get(0).(*loan.Application); ok {
		return app, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLoanService) Submit(ctx context.Context, actor identity.Identity, d loan.Draft) (*loan.Application, error) {
	return appResult(m.Called(ctx, actor, d))
}

func (m *MockLoanService) Resubmit(ctx context.Context, actor identity.Identity, loanID string, fields loan.ResubmitFields, remarks string) (*loan.Application, error) {
	return appResult(m.Called(ctx, actor, loanID, fields, remarks))
}

func (m *MockLoanService) OfficerReview(ctx context.Context, actor identity.Identity, loanID string, d loan.Decision, remarks string) (*loan.Application, error) {
	return appResult(m.Called(ctx, actor, loanID, d, remarks))
}

func (m *MockLoanService) ManagerReview(ctx context.Context, actor identity.Identity, loanID string, d loan.Decision, remarks string) (*loan.Application, error) {
	return appResult(m.Called(ctx, actor, loanID, d, remarks))
}

func (m *MockLoanService) GMReview(ctx context.Context, actor identity.Identity, loanID string, d loan.Decision, remarks string) (*loan.Application, error) {
	return appResult(m.Called(ctx, actor, loanID, d, remarks))
}

func (m *MockLoanService) Disburse(ctx context.Context, actor identity.Identity, loanID string, account *loan.DisbursementAccount) (*loan.Application, error) {
	return appResult(m.Called(ctx, actor, loanID, account))
}

func (m *MockLoanService) AddNote(ctx context.Context, actor identity.Identity, loanID string, note string) (*loan.Application, error) {
	return appResult(m.Called(ctx, actor, loanID, note))
}

func (m *MockLoanService) GetLoan(ctx context.Context, actor identity.Identity, loanID string) (*loan.Application, error) {
	return appResult(m.Called(ctx, actor, loanID))
}

func (m *MockLoanService) ListLoans(ctx context.Context, actor identity.Identity, stages []loan.Stage) ([]*loan.Application, error) {
	args := m.Called(ctx, actor, stages)
	if apps, ok := args.Get(0).([]*loan.Application); ok {
		return apps, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLoanService) Stats(ctx context.Context, actor identity.Identity) (loan.Stats, error) {
	args := m.Called(ctx, actor)
	return args.Get(0).(loan.Stats), args.Error(1)
}

func (m *MockLoanService) Delete(ctx context.Context, actor identity.Identity, loanID string) error {
	return m.Called(ctx, actor, loanID).Error(0)
}

var _ loan.Service = (*MockLoanService)(nil)

var (
	sbi         = bank.SBI
	testOfficer = identity.Identity{ID: "o1", Name: "Olga", Role: identity.RoleLoanOfficer, Bank: &sbi}
	testUser    = identity.Identity{ID: "u1", Name: "Uma", Role: identity.RoleApplicant}
)

func sampleApp(stage loan.Stage) *loan.Application {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &loan.Application{
		ID:                testLoanID,
		ApplicationNumber: "LMS2026000007",
		ApplicantID:       "u1",
		Type:              loan.TypePersonal,
		Bank:              bank.SBI,
		Amount:            500000,
		TermMonths:        24,
		InterestRate:      10.5,
		EMIAmount:         23188.02,
		Stage:             stage,
		Status:            loan.StatusPending,
		SubmittedAt:       now,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}
}

// newRequest builds a request carrying actor and, if set, the loanID route param.
func newRequest(method, target, body string, actor *identity.Identity, loanID string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	ctx := req.Context()
	if loanID != "" {
		ctx = context.WithValue(ctx, chi.RouteCtxKey, &chi.Context{
			URLParams: chi.RouteParams{Keys: []string{"loanID"}, Values: []string{loanID}},
		})
	}
	if actor != nil {
		ctx = middleware.WithIdentity(ctx, *actor)
	}
	return req.WithContext(ctx)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) dto.ErrorDetail {
	t.Helper()
	var resp dto.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Error
}

func TestLoanHandlerSubmitLoan(t *testing.T) {
	t.Run("creates application", func(t *testing.T) {
		svc := new(MockLoanService)
		h := NewLoanHandler(svc, logger)
		svc.On("Submit", mock.Anything, testUser, mock.MatchedBy(func(d loan.Draft) bool {
			return d.Type == loan.TypePersonal && d.Bank == bank.SBI && d.Amount == 500000
		})).Return(sampleApp(loan.StageSubmitted), nil).Once()

		body := `{"loanType":"personal","bankName":"SBI","amount":"500000.00","termMonths":24,"purpose":"Medical"}`
		rec := httptest.NewRecorder()
		h.SubmitLoan(rec, newRequest(http.MethodPost, "/loans", body, &testUser, ""))

		assert.Equal(t, http.StatusCreated, rec.Code)
		var resp dto.LoanResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "LMS2026000007", resp.ApplicationNumber)
		assert.Equal(t, "500000.00", resp.Amount)
		assert.Equal(t, "submitted", resp.Stage)
		svc.AssertExpectations(t)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		svc := new(MockLoanService)
		h := NewLoanHandler(svc, logger)
		rec := httptest.NewRecorder()
		h.SubmitLoan(rec, newRequest(http.MethodPost, "/loans", `{"loanType":"personal","stage":"sanctioned"}`, &testUser, ""))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)
		svc.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("reports the invalid field", func(t *testing.T) {
		svc := new(MockLoanService)
		h := NewLoanHandler(svc, logger)
		rec := httptest.NewRecorder()
		h.SubmitLoan(rec, newRequest(http.MethodPost, "/loans", `{"loanType":"personal","bankName":"Gringotts","amount":"1"}`, &testUser, ""))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		detail := decodeError(t, rec)
		assert.Equal(t, "VALIDATION_ERROR", detail.Code)
		assert.Equal(t, "bankName", detail.Field)
	})

	t.Run("requires a principal", func(t *testing.T) {
		h := NewLoanHandler(new(MockLoanService), logger)
		rec := httptest.NewRecorder()
		h.SubmitLoan(rec, newRequest(http.MethodPost, "/loans", `{}`, nil, ""))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "UNAUTHENTICATED", decodeError(t, rec).Code)
	})

	t.Run("maps forbidden", func(t *testing.T) {
		svc := new(MockLoanService)
		h := NewLoanHandler(svc, logger)
		svc.On("Submit", mock.Anything, testOfficer, mock.Anything).Return(nil, apperrors.ErrForbidden).Once()

		body := `{"loanType":"personal","bankName":"SBI","amount":"1000"}`
		rec := httptest.NewRecorder()
		h.SubmitLoan(rec, newRequest(http.MethodPost, "/loans", body, &testOfficer, ""))

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "FORBIDDEN", decodeError(t, rec).Code)
	})
}

func TestLoanHandlerGetLoan(t *testing.T) {
	t.Run("returns application with schedule", func(t *testing.T) {
		svc := new(MockLoanService)
		h := NewLoanHandler(svc, logger)
		app := sampleApp(loan.StageDisbursed)
		app.Schedule = []loan.Installment{{
			InstallmentNo: 1,
			DueDate:       time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
			Principal:     18813.02,
			Interest:      4375,
			Total:         23188.02,
			Balance:       481186.98,
			Status:        loan.InstallmentPending,
		}}
		svc.On("GetLoan", mock.Anything, testOfficer, testLoanID).Return(app, nil).Once()

		rec := httptest.NewRecorder()
		h.GetLoan(rec, newRequest(http.MethodGet, "/loans/"+testLoanID+"?include=schedule", "", &testOfficer, testLoanID))

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp dto.LoanResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		require.Len(t, resp.Schedule, 1)
		assert.Equal(t, "2026-04-01", resp.Schedule[0].DueDate)
		assert.Equal(t, "23188.02", resp.Schedule[0].Total)
		svc.AssertExpectations(t)
	})

	t.Run("omits schedule by default", func(t *testing.T) {
		svc := new(MockLoanService)
		h := NewLoanHandler(svc, logger)
		app := sampleApp(loan.StageDisbursed)
		app.Schedule = []loan.Installment{{InstallmentNo: 1}}
		svc.On("GetLoan", mock.Anything, testOfficer, testLoanID).Return(app, nil).Once()

		rec := httptest.NewRecorder()
		h.GetLoan(rec, newRequest(http.MethodGet, "/loans/"+testLoanID, "", &testOfficer, testLoanID))

		var resp dto.LoanResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Empty(t, resp.Schedule)
	})

	t.Run("rejects malformed id", func(t *testing.T) {
		svc := new(MockLoanService)
		h := NewLoanHandler(svc, logger)
		rec := httptest.NewRecorder()
		h.GetLoan(rec, newRequest(http.MethodGet, "/loans/abc", "", &testOfficer, "abc"))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeError(t, rec).Message, "invalid loanID format")
		svc.AssertNotCalled(t, "GetLoan", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("maps not found and bank mismatch", func(t *testing.T) {
		svc := new(MockLoanService)
		h := NewLoanHandler(svc, logger)
		svc.On("GetLoan", mock.Anything, testOfficer, testLoanID).Return(nil, apperrors.ErrNotFound).Once()
		rec := httptest.NewRecorder()
		h.GetLoan(rec, newRequest(http.MethodGet, "/loans/"+testLoanID, "", &testOfficer, testLoanID))
		assert.Equal(t, http.StatusNotFound, rec.Code)

		svc.On("GetLoan", mock.Anything, testOfficer, testLoanID).Return(nil, apperrors.ErrBankMismatch).Once()
		rec = httptest.NewRecorder()
		h.GetLoan(rec, newRequest(http.MethodGet, "/loans/"+testLoanID, "", &testOfficer, testLoanID))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "BANK_MISMATCH", decodeError(t, rec).Code)
	})
}

func TestLoanHandlerListLoans(t *testing.T) {
	t.Run("passes parsed stage filter", func(t *testing.T) {
		svc := new(MockLoanService)
		h := NewLoanHandler(svc, logger)
		stages := []loan.Stage{loan.StageSubmitted, loan.StageUnderReview}
		svc.On("ListLoans", mock.Anything, testOfficer, stages).
			Return([]*loan.Application{sampleApp(loan.StageSubmitted)}, nil).Once()

		rec := httptest.NewRecorder()
		h.ListLoans(rec, newRequest(http.MethodGet, "/loans?stage=submitted,under_review", "", &testOfficer, ""))

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp []dto.LoanResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Len(t, resp, 1)
		svc.AssertExpectations(t)
	})

	t.Run("empty result is an empty array", func(t *testing.T) {
		svc := new(MockLoanService)
		h := NewLoanHandler(svc, logger)
		svc.On("ListLoans", mock.Anything, testUser, []loan.Stage(nil)).Return([]*loan.Application{}, nil).Once()

		rec := httptest.NewRecorder()
		h.ListLoans(rec, newRequest(http.MethodGet, "/loans", "", &testUser, ""))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("unknown stage", func(t *testing.T) {
		svc := new(MockLoanService)
		h := NewLoanHandler(svc, logger)
		rec := httptest.NewRecorder()
		h.ListLoans(rec, newRequest(http.MethodGet, "/loans?stage=limbo", "", &testOfficer, ""))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestLoanHandlerGetStats(t *testing.T) {
	svc := new(MockLoanService)
	h := NewLoanHandler(svc, logger)
	svc.On("Stats", mock.Anything, testOfficer).Return(loan.Stats{Total: 3, Pending: 2, AwaitingAction: 1, PortfolioAmount: 1250000.5}, nil).Once()

	rec := httptest.NewRecorder()
	h.GetStats(rec, newRequest(http.MethodGet, "/loans/stats", "", &testOfficer, ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp dto.StatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, "1250000.50", resp.PortfolioAmount)
}

func TestLoanHandlerReviews(t *testing.T) {
	type call func(h *LoanHandler, w http.ResponseWriter, r *http.Request)
	endpoints := map[string]call{
		"OfficerReview": (*LoanHandler).OfficerReview,
		"ManagerReview": (*LoanHandler).ManagerReview,
		"GMReview":      (*LoanHandler).GMReview,
	}

	for method, invoke := range endpoints {
		t.Run(method+" approve", func(t *testing.T) {
			svc := new(MockLoanService)
			h := NewLoanHandler(svc, logger)
			svc.On(method, mock.Anything, testOfficer, testLoanID, loan.DecisionApprove, "looks good").
				Return(sampleApp(loan.StageBranchReview), nil).Once()

			rec := httptest.NewRecorder()
			invoke(h, rec, newRequest(http.MethodPost, "/", `{"action":"approve","remarks":"looks good"}`, &testOfficer, testLoanID))

			assert.Equal(t, http.StatusOK, rec.Code)
			svc.AssertExpectations(t)
		})

		t.Run(method+" unknown action", func(t *testing.T) {
			svc := new(MockLoanService)
			h := NewLoanHandler(svc, logger)
			rec := httptest.NewRecorder()
			invoke(h, rec, newRequest(http.MethodPost, "/", `{"action":"escalate"}`, &testOfficer, testLoanID))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			svc.AssertNotCalled(t, method, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}

	t.Run("illegal transition is a bad request", func(t *testing.T) {
		svc := new(MockLoanService)
		h := NewLoanHandler(svc, logger)
		svc.On("ManagerReview", mock.Anything, testOfficer, testLoanID, loan.DecisionReject, "no").
			Return(nil, apperrors.ErrIllegalTransition).Once()

		rec := httptest.NewRecorder()
		h.ManagerReview(rec, newRequest(http.MethodPost, "/", `{"action":"reject","remarks":"no"}`, &testOfficer, testLoanID))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ILLEGAL_TRANSITION", decodeError(t, rec).Code)
	})

	t.Run("stale write is a conflict", func(t *testing.T) {
		svc := new(MockLoanService)
		h := NewLoanHandler(svc, logger)
		svc.On("OfficerReview", mock.Anything, testOfficer, testLoanID, loan.DecisionApprove, "").
			Return(nil, apperrors.ErrConflict).Once()

		rec := httptest.NewRecorder()
		h.OfficerReview(rec, newRequest(http.MethodPost, "/", `{"action":"approve"}`, &testOfficer, testLoanID))

		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestLoanHandlerResubmit(t *testing.T) {
	svc := new(MockLoanService)
	h := NewLoanHandler(svc, logger)
	svc.On("Resubmit", mock.Anything, testUser, testLoanID, mock.MatchedBy(func(f loan.ResubmitFields) bool {
		return f.Purpose != nil && *f.Purpose == "Wedding" && f.Details == nil
	}), "fixed").Return(sampleApp(loan.StageSubmitted), nil).Once()

	rec := httptest.NewRecorder()
	h.Resubmit(rec, newRequest(http.MethodPost, "/", `{"purpose":"Wedding","remarks":"fixed"}`, &testUser, testLoanID))

	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}

func TestLoanHandlerDisburse(t *testing.T) {
	t.Run("without body", func(t *testing.T) {
		svc := new(MockLoanService)
		h := NewLoanHandler(svc, logger)
		svc.On("Disburse", mock.Anything, testOfficer, testLoanID, (*loan.DisbursementAccount)(nil)).
			Return(sampleApp(loan.StageDisbursed), nil).Once()

		rec := httptest.NewRecorder()
		h.Disburse(rec, newRequest(http.MethodPost, "/", "", &testOfficer, testLoanID))

		assert.Equal(t, http.StatusOK, rec.Code)
		svc.AssertExpectations(t)
	})

	t.Run("with account", func(t *testing.T) {
		svc := new(MockLoanService)
		h := NewLoanHandler(svc, logger)
		want := &loan.DisbursementAccount{AccountHolder: "Uma", AccountNumber: "123456789", IFSC: "SBIN0000001"}
		svc.On("Disburse", mock.Anything, testOfficer, testLoanID, want).
			Return(sampleApp(loan.StageDisbursed), nil).Once()

		body, _ := json.Marshal(dto.DisburseRequest{Account: want})
		rec := httptest.NewRecorder()
		h.Disburse(rec, newRequest(http.MethodPost, "/", string(body), &testOfficer, testLoanID))

		assert.Equal(t, http.StatusOK, rec.Code)
		svc.AssertExpectations(t)
	})
}

func TestLoanHandlerAddNoteAndDelete(t *testing.T) {
	svc := new(MockLoanService)
	h := NewLoanHandler(svc, logger)
	svc.On("AddNote", mock.Anything, testOfficer, testLoanID, "called applicant").
		Return(sampleApp(loan.StageUnderReview), nil).Once()
	svc.On("Delete", mock.Anything, testOfficer, testLoanID).Return(nil).Once()

	rec := httptest.NewRecorder()
	h.AddNote(rec, newRequest(http.MethodPost, "/", `{"note":"called applicant"}`, &testOfficer, testLoanID))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.DeleteLoan(rec, newRequest(http.MethodDelete, "/", "", &testOfficer, testLoanID))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	svc.AssertExpectations(t)
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	respondError(rec, apperrors.WrapDatabaseError(bytes.ErrTooLarge, "pool exhausted"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "INTERNAL", detail.Code)
	assert.NotContains(t, detail.Message, "pool exhausted")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperrors.NewValidationError("amount", "bad"), http.StatusBadRequest},
		{apperrors.ErrInvalidArgument, http.StatusBadRequest},
		{apperrors.ErrIllegalTransition, http.StatusBadRequest},
		{apperrors.ErrUnauthenticated, http.StatusUnauthorized},
		{apperrors.ErrPrincipalNotFound, http.StatusUnauthorized},
		{apperrors.ErrForbidden, http.StatusForbidden},
		{apperrors.ErrBankMismatch, http.StatusForbidden},
		{apperrors.ErrNotFound, http.StatusNotFound},
		{apperrors.ErrConflict, http.StatusConflict},
		{apperrors.ErrAlreadyExists, http.StatusConflict},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
