package loan

import (
	"context"
	"time"
)

// Repository persists applications with their approval chain and schedule.
type Repository interface {
	Create(ctx context.Context, app *Application) error
	GetByID(ctx context.Context, id string) (*Application, error)
	// Save writes app only if the stored version still equals expectedVersion,
	// returning apperrors.ErrConflict otherwise. On success the stored version
	// is expectedVersion+1.
	Save(ctx context.Context, app *Application, expectedVersion int64) error
	// List returns matching applications, newest first.
	List(ctx context.Context, f Filter) ([]*Application, error)
	CountCreatedInYear(ctx context.Context, year int) (int64, error)
	// ListStalled returns applications in stages whose last update is older than updatedBefore.
	ListStalled(ctx context.Context, stages []Stage, updatedBefore time.Time) ([]*Application, error)
	Delete(ctx context.Context, id string) error
}

// Sequence hands out per-year application number counters.
type Sequence interface {
	Next(ctx context.Context, year int) (int64, error)
}

type EventType string

const (
	EventSubmitted     EventType = "loan.submitted"
	EventStageChanged  EventType = "loan.stage_changed"
	EventNoteAdded     EventType = "loan.note_added"
	EventReviewOverdue EventType = "loan.review_overdue"
)

// Event describes a committed workflow change.
type Event struct {
	Type              EventType `json:"type"`
	LoanID            string    `json:"loanId"`
	ApplicationNumber string    `json:"applicationNumber"`
	ApplicantID       string    `json:"applicantId"`
	Bank              string    `json:"bank"`
	FromStage         Stage     `json:"fromStage,omitempty"`
	Stage             Stage     `json:"stage"`
	ActorID           string    `json:"actorId,omitempty"`
	Remarks           string    `json:"remarks,omitempty"`
	OccurredAt        time.Time `json:"occurredAt"`
}

// Notifier delivers workflow events to an external channel.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NewEvent builds an event for app, taking actor and remarks from the latest
// chain entry when there is one.
func NewEvent(t EventType, app *Application, from Stage, at time.Time) Event {
	e := Event{
		Type:              t,
		LoanID:            app.ID,
		ApplicationNumber: app.ApplicationNumber,
		ApplicantID:       app.ApplicantID,
		Bank:              string(app.Bank),
		FromStage:         from,
		Stage:             app.Stage,
		OccurredAt:        at,
	}
	if n := len(app.ApprovalChain); n > 0 && t != EventReviewOverdue {
		last := app.ApprovalChain[n-1]
		e.ActorID = last.ActorID
		e.Remarks = last.Remarks
	}
	return e
}
