package loan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"loan-workflow/internal/domain/identity"
	"loan-workflow/internal/infrastructure/monitoring"
	"loan-workflow/internal/pkg/apperrors"

	"github.com/google/uuid"
)

type Service interface {
	Submit(ctx context.Context, actor identity.Identity, d Draft) (*Application, error)
	Resubmit(ctx context.Context, actor identity.Identity, loanID string, fields ResubmitFields, remarks string) (*Application, error)
	OfficerReview(ctx context.Context, actor identity.Identity, loanID string, d Decision, remarks string) (*Application, error)
	ManagerReview(ctx context.Context, actor identity.Identity, loanID string, d Decision, remarks string) (*Application, error)
	GMReview(ctx context.Context, actor identity.Identity, loanID string, d Decision, remarks string) (*Application, error)
	Disburse(ctx context.Context, actor identity.Identity, loanID string, account *DisbursementAccount) (*Application, error)
	AddNote(ctx context.Context, actor identity.Identity, loanID string, note string) (*Application, error)
	GetLoan(ctx context.Context, actor identity.Identity, loanID string) (*Application, error)
	ListLoans(ctx context.Context, actor identity.Identity, stages []Stage) ([]*Application, error)
	Stats(ctx context.Context, actor identity.Identity) (Stats, error)
	Delete(ctx context.Context, actor identity.Identity, loanID string) error
}

type service struct {
	repo     Repository
	seq      Sequence
	notifier Notifier
	workflow *Workflow
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*service)

// WithClock overrides the time source used for every timestamp the service sets.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

func NewService(repo Repository, seq Sequence, notifier Notifier, wf *Workflow, logger *slog.Logger, opts ...Option) Service {
	if repo == nil || seq == nil || notifier == nil || wf == nil || logger == nil {
		panic("loan service dependencies cannot be nil")
	}
	s := &service{
		repo:     repo,
		seq:      seq,
		notifier: notifier,
		workflow: wf,
		now:      time.Now,
		logger:   logger.With("component", "LoanService"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) Submit(ctx context.Context, actor identity.Identity, d Draft) (*Application, error) {
	if err := identity.Authorize(actor, identity.ActionSubmit); err != nil {
		s.record(identity.ActionSubmit, err)
		return nil, err
	}
	d.ApplicantID = actor.ID
	now := s.now().UTC()

	app, err := NewApplication(d, now)
	if err != nil {
		s.record(identity.ActionSubmit, err)
		return nil, err
	}

	n, err := s.seq.Next(ctx, now.Year())
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to allocate application number", slog.Any("error", err))
		s.record(identity.ActionSubmit, err)
		return nil, fmt.Errorf("allocating application number: %w", err)
	}
	app.ID = uuid.NewString()
	app.ApplicationNumber = FormatApplicationNumber(now.Year(), n)
	app.Version = 1

	if err := s.repo.Create(ctx, app); err != nil {
		s.logger.ErrorContext(ctx, "Failed to persist new application", slog.String("applicationNumber", app.ApplicationNumber), slog.Any("error", err))
		s.record(identity.ActionSubmit, err)
		return nil, err
	}

	s.logger.InfoContext(ctx, "Loan application submitted",
		slog.String("loanID", app.ID),
		slog.String("applicationNumber", app.ApplicationNumber),
		slog.String("actor", actor.String()))
	s.record(identity.ActionSubmit, nil)
	s.notify(ctx, NewEvent(EventSubmitted, app, "", now))
	return app, nil
}

func (s *service) Resubmit(ctx context.Context, actor identity.Identity, loanID string, fields ResubmitFields, remarks string) (*Application, error) {
	return s.mutate(ctx, actor, identity.ActionResubmit, loanID, func(app *Application, now time.Time) error {
		return s.workflow.Resubmit(app, actor, fields, remarks, now)
	})
}

func (s *service) OfficerReview(ctx context.Context, actor identity.Identity, loanID string, d Decision, remarks string) (*Application, error) {
	return s.review(ctx, actor, identity.ActionOfficerReview, loanID, d, remarks)
}

func (s *service) ManagerReview(ctx context.Context, actor identity.Identity, loanID string, d Decision, remarks string) (*Application, error) {
	return s.review(ctx, actor, identity.ActionManagerReview, loanID, d, remarks)
}

func (s *service) GMReview(ctx context.Context, actor identity.Identity, loanID string, d Decision, remarks string) (*Application, error) {
	return s.review(ctx, actor, identity.ActionGMReview, loanID, d, remarks)
}

func (s *service) review(ctx context.Context, actor identity.Identity, action identity.Action, loanID string, d Decision, remarks string) (*Application, error) {
	return s.mutate(ctx, actor, action, loanID, func(app *Application, now time.Time) error {
		return s.workflow.Review(app, actor, action, d, remarks, now)
	})
}

func (s *service) Disburse(ctx context.Context, actor identity.Identity, loanID string, account *DisbursementAccount) (*Application, error) {
	return s.mutate(ctx, actor, identity.ActionDisburse, loanID, func(app *Application, now time.Time) error {
		return s.workflow.Disburse(app, actor, account, now)
	})
}

func (s *service) AddNote(ctx context.Context, actor identity.Identity, loanID string, note string) (*Application, error) {
	return s.mutate(ctx, actor, identity.ActionAddNote, loanID, func(app *Application, now time.Time) error {
		return s.workflow.AddNote(app, actor, note, now)
	})
}

// mutate runs one load-check-save cycle against the stored version. A stale
// write surfaces as apperrors.ErrConflict and is not retried.
func (s *service) mutate(ctx context.Context, actor identity.Identity, action identity.Action, loanID string, fn func(*Application, time.Time) error) (*Application, error) {
	logger := s.logger.With(slog.String("loanID", loanID), slog.String("action", string(action)), slog.String("actor", actor.String()))

	stored, err := s.repo.GetByID(ctx, loanID)
	if err != nil {
		s.record(action, err)
		return nil, err
	}

	app := stored.Clone()
	expected := app.Version
	from := app.Stage
	now := s.now()

	if err := fn(app, now); err != nil {
		logger.WarnContext(ctx, "Workflow operation rejected", slog.String("stage", string(from)), slog.Any("error", err))
		s.record(action, err)
		return nil, err
	}

	if err := s.repo.Save(ctx, app, expected); err != nil {
		level := slog.LevelError
		if errors.Is(err, apperrors.ErrConflict) {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "Failed to save workflow change", slog.Int64("expectedVersion", expected), slog.Any("error", err))
		s.record(action, err)
		return nil, err
	}
	app.Version = expected + 1

	logger.InfoContext(ctx, "Workflow operation applied",
		slog.String("from", string(from)),
		slog.String("to", string(app.Stage)),
		slog.Int64("version", app.Version))
	s.record(action, nil)

	evt := EventStageChanged
	if app.Stage == from {
		evt = EventNoteAdded
	}
	s.notify(ctx, NewEvent(evt, app, from, now))
	return app, nil
}

func (s *service) GetLoan(ctx context.Context, actor identity.Identity, loanID string) (*Application, error) {
	app, err := s.repo.GetByID(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if actor.Role.IsStaff() {
		if err := identity.CheckBank(actor, app.Bank); err != nil {
			return nil, err
		}
		return app, nil
	}
	if !Visible(actor, app) {
		return nil, fmt.Errorf("%w: application %s belongs to another applicant", apperrors.ErrForbidden, loanID)
	}
	return app, nil
}

func (s *service) ListLoans(ctx context.Context, actor identity.Identity, stages []Stage) ([]*Application, error) {
	if !actor.Role.IsStaff() {
		f := ApplicantFilter(actor.ID)
		f.Stages = stages
		return s.repo.List(ctx, f)
	}
	if err := identity.Authorize(actor, identity.ActionViewQueue); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, QueueFilter(actor, stages))
}

func (s *service) Stats(ctx context.Context, actor identity.Identity) (Stats, error) {
	var f Filter
	if actor.Role.IsStaff() {
		if err := identity.Authorize(actor, identity.ActionViewQueue); err != nil {
			return Stats{}, err
		}
		// Same bank scope as the queue, across every stage.
		f = QueueFilter(actor, nil)
		f.Stages = nil
	} else {
		f = ApplicantFilter(actor.ID)
	}

	apps, err := s.repo.List(ctx, f)
	if err != nil {
		return Stats{}, err
	}
	return Summarize(actor, apps), nil
}

func (s *service) Delete(ctx context.Context, actor identity.Identity, loanID string) error {
	if err := identity.Authorize(actor, identity.ActionDelete); err != nil {
		s.record(identity.ActionDelete, err)
		return err
	}
	if err := s.repo.Delete(ctx, loanID); err != nil {
		s.record(identity.ActionDelete, err)
		return err
	}
	s.logger.WarnContext(ctx, "Loan application deleted administratively", slog.String("loanID", loanID), slog.String("actor", actor.String()))
	s.record(identity.ActionDelete, nil)
	return nil
}

// notify never fails the caller; the change is already committed.
func (s *service) notify(ctx context.Context, e Event) {
	if err := s.notifier.Notify(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish workflow event",
			slog.String("event", string(e.Type)),
			slog.String("loanID", e.LoanID),
			slog.Any("error", err))
		monitoring.RecordNotification(string(e.Type), "failed")
		return
	}
	monitoring.RecordNotification(string(e.Type), "published")
}

func (s *service) record(action identity.Action, err error) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(apperrors.Kind(err))
	}
	monitoring.RecordTransition(string(action), outcome)
}
