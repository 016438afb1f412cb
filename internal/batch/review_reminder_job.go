package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"loan-workflow/internal/domain/loan"
	"loan-workflow/internal/infrastructure/monitoring"
)

// reviewStages are the stages in which a loan waits on a reviewer.
var reviewStages = []loan.Stage{
	loan.StageSubmitted,
	loan.StageUnderReview,
	loan.StageBranchReview,
	loan.StageGMReview,
}

// ReviewReminderJob emits an overdue event for every loan that has sat in a
// review stage longer than staleAfter. It never modifies loans.
type ReviewReminderJob struct {
	loanRepo   loan.Repository
	notifier   loan.Notifier
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewReviewReminderJob(loanRepo loan.Repository, notifier loan.Notifier, staleAfter time.Duration, logger *slog.Logger) *ReviewReminderJob {
	if loanRepo == nil || notifier == nil || logger == nil {
		panic("ReviewReminderJob dependencies cannot be nil")
	}
	if staleAfter <= 0 {
		staleAfter = 72 * time.Hour
	}
	return &ReviewReminderJob{
		loanRepo:   loanRepo,
		notifier:   notifier,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.With("job", "ReviewReminder"),
	}
}

func (j *ReviewReminderJob) Run(ctx context.Context) error {
	startTime := time.Now()
	now := j.now().UTC()
	cutoff := now.Add(-j.staleAfter)
	j.logger.InfoContext(ctx, "Starting review reminder job.", slog.Time("cutoff", cutoff))

	stalled, err := j.loanRepo.ListStalled(ctx, reviewStages, cutoff)
	if err != nil {
		j.logger.ErrorContext(ctx, "Failed to list stalled loans, aborting job.", slog.Any("error", err))
		return fmt.Errorf("cannot run job, failed to list stalled loans: %w", err)
	}

	var sent, errorCount int
	for _, app := range stalled {
		if ctx.Err() != nil {
			j.logger.WarnContext(ctx, "Review reminder job cancelled.", slog.Int("remaining", len(stalled)-sent-errorCount))
			return ctx.Err()
		}
		logCtx := j.logger.With(slog.String("loanID", app.ID), slog.String("stage", string(app.Stage)))

		e := loan.NewEvent(loan.EventReviewOverdue, app, app.Stage, now)
		if err := j.notifier.Notify(ctx, e); err != nil {
			logCtx.ErrorContext(ctx, "Failed to send review reminder", slog.Any("error", err))
			monitoring.RecordNotification(string(e.Type), "failed")
			errorCount++
			continue
		}
		monitoring.RecordNotification(string(e.Type), "published")
		monitoring.RecordReminder()
		logCtx.DebugContext(ctx, "Review reminder sent.", slog.Duration("waiting", now.Sub(app.UpdatedAt)))
		sent++
	}

	summaryLog := j.logger.With(
		slog.Duration("duration", time.Since(startTime)),
		slog.Int("stalled_loans", len(stalled)),
		slog.Int("reminders_sent", sent),
		slog.Int("errors_encountered", errorCount),
	)
	if errorCount > 0 {
		summaryLog.WarnContext(ctx, "Review reminder job finished with errors.")
		return fmt.Errorf("job completed with %d errors", errorCount)
	}
	summaryLog.InfoContext(ctx, "Review reminder job finished successfully.")
	return nil
}
