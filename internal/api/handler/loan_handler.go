package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"loan-workflow/internal/api/handler/dto"
	"loan-workflow/internal/api/middleware"
	"loan-workflow/internal/domain/identity"
	"loan-workflow/internal/domain/loan"
	"loan-workflow/internal/pkg/apperrors"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type LoanHandler struct {
	service loan.Service
	logger  *slog.Logger
}

func NewLoanHandler(s loan.Service, l *slog.Logger) *LoanHandler {
	if s == nil {
		panic("loan service cannot be nil")
	}
	if l == nil {
		panic("logger cannot be nil")
	}
	return &LoanHandler{
		service: s,
		logger:  l.With("component", "LoanHandler"),
	}
}

func getLoanIDFromURL(r *http.Request) (string, error) {
	idStr := chi.URLParam(r, "loanID")
	if idStr == "" {
		return "", fmt.Errorf("%w: loanID not found in URL path", apperrors.ErrInvalidArgument)
	}
	if _, err := uuid.Parse(idStr); err != nil {
		return "", fmt.Errorf("%w: invalid loanID format in URL path: %s", apperrors.ErrInvalidArgument, idStr)
	}
	return idStr, nil
}

func actorFrom(r *http.Request) (identity.Identity, error) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		return identity.Identity{}, fmt.Errorf("%w: no principal on request", apperrors.ErrUnauthenticated)
	}
	return id, nil
}

// fail logs err at a level matching its status and writes the error body.
func (h *LoanHandler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	level := slog.LevelWarn
	if statusFor(err) >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, msg, slog.Any("error", err))
	respondError(w, err)
}

// SubmitLoan handles POST /loans
// @Summary Submit a loan application
// @Description Creates an application in the submitted stage. Interest rate, EMI, processing fee and collateral/guarantor requirements are derived from the loan type and amount.
// @Tags Loans
// @Accept json
// @Produce json
// @Param request body dto.SubmitLoanRequest true "Loan application"
// @Success 201 {object} dto.LoanResponse "Application submitted"
// @Failure 400 {object} dto.ErrorResponse "Validation error"
// @Failure 401 {object} dto.ErrorResponse "Unauthenticated"
// @Failure 403 {object} dto.ErrorResponse "Only applicants may submit"
// @Failure 500 {object} dto.ErrorResponse "Internal server error"
// @Router /loans [post]
// @Security BearerAuth
func (h *LoanHandler) SubmitLoan(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var req dto.SubmitLoanRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, "Failed to decode request body", fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}
	draft, err := req.ToDraft()
	if err != nil {
		h.fail(w, r, "Invalid loan application", err)
		return
	}

	app, err := h.service.Submit(r.Context(), actor, draft)
	if err != nil {
		h.fail(w, r, "Service failed to submit loan", err)
		return
	}

	h.logger.InfoContext(r.Context(), "Loan submitted", slog.String("loanID", app.ID), slog.String("applicationNumber", app.ApplicationNumber))
	respondJSON(w, http.StatusCreated, dto.NewLoanResponse(app, false))
}

// ListLoans handles GET /loans
// @Summary List loan applications
// @Description Applicants see their own applications. Staff see their bank's queue, by default the stages awaiting their role.
// @Tags Loans
// @Produce json
// @Param stage query string false "Comma-separated stage filter" Example(submitted,under_review)
// @Success 200 {array} dto.LoanResponse "Applications, newest first"
// @Failure 400 {object} dto.ErrorResponse "Unknown stage"
// @Failure 401 {object} dto.ErrorResponse "Unauthenticated"
// @Failure 403 {object} dto.ErrorResponse "Role may not view queues"
// @Failure 500 {object} dto.ErrorResponse "Internal server error"
// @Router /loans [get]
// @Security BearerAuth
func (h *LoanHandler) ListLoans(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		respondError(w, err)
		return
	}
	stages, err := dto.ParseStages(r.URL.Query().Get("stage"))
	if err != nil {
		h.fail(w, r, "Invalid stage filter", err)
		return
	}

	apps, err := h.service.ListLoans(r.Context(), actor, stages)
	if err != nil {
		h.fail(w, r, "Service failed to list loans", err)
		return
	}
	respondJSON(w, http.StatusOK, dto.NewLoanListResponse(apps))
}

// GetStats handles GET /loans/stats
// @Summary Dashboard statistics
// @Description Counts and portfolio amount over the applications visible to the caller.
// @Tags Loans
// @Produce json
// @Success 200 {object} dto.StatsResponse "Statistics"
// @Failure 401 {object} dto.ErrorResponse "Unauthenticated"
// @Failure 500 {object} dto.ErrorResponse "Internal server error"
// @Router /loans/stats [get]
// @Security BearerAuth
func (h *LoanHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		respondError(w, err)
		return
	}
	stats, err := h.service.Stats(r.Context(), actor)
	if err != nil {
		h.fail(w, r, "Service failed to compute stats", err)
		return
	}
	respondJSON(w, http.StatusOK, dto.NewStatsResponse(stats))
}

// GetLoan handles GET /loans/{loanID}
// @Summary Retrieve a loan application
// @Description Returns the application with its approval chain. Add `include=schedule` for the EMI schedule.
// @Tags Loans
// @Produce json
// @Param loanID path string true "Loan ID" Format(uuid)
// @Param include query string false "Use 'schedule' to include the EMI schedule"
// @Success 200 {object} dto.LoanResponse "Application"
// @Failure 400 {object} dto.ErrorResponse "Invalid loan ID"
// @Failure 403 {object} dto.ErrorResponse "Not visible to the caller"
// @Failure 404 {object} dto.ErrorResponse "Loan not found"
// @Failure 500 {object} dto.ErrorResponse "Internal server error"
// @Router /loans/{loanID} [get]
// @Security BearerAuth
func (h *LoanHandler) GetLoan(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		respondError(w, err)
		return
	}
	loanID, err := getLoanIDFromURL(r)
	if err != nil {
		respondError(w, err)
		return
	}

	app, err := h.service.GetLoan(r.Context(), actor, loanID)
	if err != nil {
		h.fail(w, r, "Service failed to get loan", err)
		return
	}
	includeSchedule := strings.EqualFold(r.URL.Query().Get("include"), "schedule")
	respondJSON(w, http.StatusOK, dto.NewLoanResponse(app, includeSchedule))
}

// DeleteLoan handles DELETE /loans/{loanID}
// @Summary Delete a loan application
// @Description Administrative removal of an application and its history.
// @Tags Loans
// @Param loanID path string true "Loan ID" Format(uuid)
// @Success 204 "Deleted"
// @Failure 403 {object} dto.ErrorResponse "Admins only"
// @Failure 404 {object} dto.ErrorResponse "Loan not found"
// @Router /loans/{loanID} [delete]
// @Security BearerAuth
func (h *LoanHandler) DeleteLoan(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		respondError(w, err)
		return
	}
	loanID, err := getLoanIDFromURL(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := h.service.Delete(r.Context(), actor, loanID); err != nil {
		h.fail(w, r, "Service failed to delete loan", err)
		return
	}
	h.logger.InfoContext(r.Context(), "Loan deleted", slog.String("loanID", loanID), slog.String("actor", actor.ID))
	w.WriteHeader(http.StatusNoContent)
}

// Resubmit handles POST /loans/{loanID}/resubmit
// @Summary Resubmit a returned application
// @Description The owning applicant corrects the fields they were asked to and sends the application back to the officer queue.
// @Tags Workflow
// @Accept json
// @Produce json
// @Param loanID path string true "Loan ID" Format(uuid)
// @Param request body dto.ResubmitRequest true "Corrected fields"
// @Success 200 {object} dto.LoanResponse "Application resubmitted"
// @Failure 400 {object} dto.ErrorResponse "Validation error or application not returned"
// @Failure 403 {object} dto.ErrorResponse "Not the owner"
// @Failure 404 {object} dto.ErrorResponse "Loan not found"
// @Failure 409 {object} dto.ErrorResponse "Concurrent modification"
// @Router /loans/{loanID}/resubmit [post]
// @Security BearerAuth
func (h *LoanHandler) Resubmit(w http.ResponseWriter, r *http.Request) {
	actor, loanID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req dto.ResubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, "Failed to decode request body", fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}
	app, err := h.service.Resubmit(r.Context(), actor, loanID, req.Fields(), req.Remarks)
	h.respondTransition(w, r, "resubmit", app, err)
}

// OfficerReview handles POST /loans/{loanID}/officer-review
// @Summary Loan officer decision
// @Description Approve, reject or return an application in the submitted or under_review stage. Remarks are required to reject or return.
// @Tags Workflow
// @Accept json
// @Produce json
// @Param loanID path string true "Loan ID" Format(uuid)
// @Param request body dto.ReviewRequest true "Decision"
// @Success 200 {object} dto.LoanResponse "Decision recorded"
// @Failure 400 {object} dto.ErrorResponse "Validation error or illegal transition"
// @Failure 403 {object} dto.ErrorResponse "Role not allowed or bank mismatch"
// @Failure 404 {object} dto.ErrorResponse "Loan not found"
// @Failure 409 {object} dto.ErrorResponse "Concurrent modification"
// @Router /loans/{loanID}/officer-review [post]
// @Security BearerAuth
func (h *LoanHandler) OfficerReview(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, "officer_review", h.service.OfficerReview)
}

// ManagerReview handles POST /loans/{loanID}/manager-review
// @Summary Branch manager decision
// @Description Approve, reject or return an application in branch_review. Approval sanctions the loan unless the amount exceeds the general manager threshold.
// @Tags Workflow
// @Accept json
// @Produce json
// @Param loanID path string true "Loan ID" Format(uuid)
// @Param request body dto.ReviewRequest true "Decision"
// @Success 200 {object} dto.LoanResponse "Decision recorded"
// @Failure 400 {object} dto.ErrorResponse "Validation error or illegal transition"
// @Failure 403 {object} dto.ErrorResponse "Role not allowed or bank mismatch"
// @Failure 404 {object} dto.ErrorResponse "Loan not found"
// @Failure 409 {object} dto.ErrorResponse "Concurrent modification"
// @Router /loans/{loanID}/manager-review [post]
// @Security BearerAuth
func (h *LoanHandler) ManagerReview(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, "manager_review", h.service.ManagerReview)
}

// GMReview handles POST /loans/{loanID}/gm-review
// @Summary General manager decision
// @Description Approve, reject or return an application in gm_review.
// @Tags Workflow
// @Accept json
// @Produce json
// @Param loanID path string true "Loan ID" Format(uuid)
// @Param request body dto.ReviewRequest true "Decision"
// @Success 200 {object} dto.LoanResponse "Decision recorded"
// @Failure 400 {object} dto.ErrorResponse "Validation error or illegal transition"
// @Failure 403 {object} dto.ErrorResponse "Role not allowed or bank mismatch"
// @Failure 404 {object} dto.ErrorResponse "Loan not found"
// @Failure 409 {object} dto.ErrorResponse "Concurrent modification"
// @Router /loans/{loanID}/gm-review [post]
// @Security BearerAuth
func (h *LoanHandler) GMReview(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, "gm_review", h.service.GMReview)
}

type reviewFunc func(ctx context.Context, actor identity.Identity, loanID string, d loan.Decision, remarks string) (*loan.Application, error)

func (h *LoanHandler) review(w http.ResponseWriter, r *http.Request, op string, fn reviewFunc) {
	actor, loanID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req dto.ReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, "Failed to decode request body", fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}
	decision, err := req.Decision()
	if err != nil {
		h.fail(w, r, "Invalid review decision", err)
		return
	}
	app, err := fn(r.Context(), actor, loanID, decision, req.Remarks)
	h.respondTransition(w, r, op, app, err)
}

// Disburse handles POST /loans/{loanID}/disburse
// @Summary Disburse a sanctioned loan
// @Description Releases funds for a sanctioned application and generates its EMI schedule. The body may carry the account to credit.
// @Tags Workflow
// @Accept json
// @Produce json
// @Param loanID path string true "Loan ID" Format(uuid)
// @Param request body dto.DisburseRequest false "Disbursement account"
// @Success 200 {object} dto.LoanResponse "Loan disbursed"
// @Failure 400 {object} dto.ErrorResponse "Loan not sanctioned"
// @Failure 403 {object} dto.ErrorResponse "Role not allowed or bank mismatch"
// @Failure 404 {object} dto.ErrorResponse "Loan not found"
// @Failure 409 {object} dto.ErrorResponse "Concurrent modification"
// @Router /loans/{loanID}/disburse [post]
// @Security BearerAuth
func (h *LoanHandler) Disburse(w http.ResponseWriter, r *http.Request) {
	actor, loanID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req dto.DisburseRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		h.fail(w, r, "Failed to decode request body", fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}
	app, err := h.service.Disburse(r.Context(), actor, loanID, req.Account)
	h.respondTransition(w, r, "disburse", app, err)
}

// AddNote handles POST /loans/{loanID}/notes
// @Summary Add a review note
// @Description Appends a remark to the approval chain without changing the stage.
// @Tags Workflow
// @Accept json
// @Produce json
// @Param loanID path string true "Loan ID" Format(uuid)
// @Param request body dto.NoteRequest true "Note"
// @Success 200 {object} dto.LoanResponse "Note added"
// @Failure 400 {object} dto.ErrorResponse "Empty note"
// @Failure 403 {object} dto.ErrorResponse "Role not allowed or bank mismatch"
// @Failure 404 {object} dto.ErrorResponse "Loan not found"
// @Router /loans/{loanID}/notes [post]
// @Security BearerAuth
func (h *LoanHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	actor, loanID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req dto.NoteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, "Failed to decode request body", fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}
	app, err := h.service.AddNote(r.Context(), actor, loanID, req.Note)
	h.respondTransition(w, r, "add_note", app, err)
}

// target extracts the actor and loan id, writing the error response itself.
func (h *LoanHandler) target(w http.ResponseWriter, r *http.Request) (identity.Identity, string, bool) {
	actor, err := actorFrom(r)
	if err != nil {
		respondError(w, err)
		return identity.Identity{}, "", false
	}
	loanID, err := getLoanIDFromURL(r)
	if err != nil {
		respondError(w, err)
		return identity.Identity{}, "", false
	}
	return actor, loanID, true
}

func (h *LoanHandler) respondTransition(w http.ResponseWriter, r *http.Request, op string, app *loan.Application, err error) {
	if err != nil {
		h.fail(w, r, "Workflow operation failed", fmt.Errorf("%s: %w", op, err))
		return
	}
	h.logger.InfoContext(r.Context(), "Workflow operation applied",
		slog.String("operation", op),
		slog.String("loanID", app.ID),
		slog.String("stage", string(app.Stage)),
	)
	respondJSON(w, http.StatusOK, dto.NewLoanResponse(app, false))
}
