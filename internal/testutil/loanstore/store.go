// Package loanstore provides in-memory implementations of the loan ports
// with the same versioning semantics as the postgres repository.
package loanstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"loan-workflow/internal/domain/loan"
	"loan-workflow/internal/pkg/apperrors"
)

type Store struct {
	mu    sync.Mutex
	loans map[string]*loan.Application
	seq   map[int]int64
}

func New() *Store {
	return &Store{
		loans: make(map[string]*loan.Application),
		seq:   make(map[int]int64),
	}
}

func (s *Store) Create(_ context.Context, app *loan.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loans[app.ID]; ok {
		return fmt.Errorf("%w: loan %s", apperrors.ErrAlreadyExists, app.ID)
	}
	for _, existing := range s.loans {
		if existing.ApplicationNumber == app.ApplicationNumber {
			return fmt.Errorf("%w: application number %s", apperrors.ErrAlreadyExists, app.ApplicationNumber)
		}
	}
	s.loans[app.ID] = app.Clone()
	return nil
}

func (s *Store) GetByID(_ context.Context, id string) (*loan.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.loans[id]
	if !ok {
		return nil, fmt.Errorf("%w: loan %s", apperrors.ErrNotFound, id)
	}
	return app.Clone(), nil
}

func (s *Store) Save(_ context.Context, app *loan.Application, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.loans[app.ID]
	if !ok {
		return fmt.Errorf("%w: loan %s", apperrors.ErrNotFound, app.ID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: loan %s is at version %d, expected %d",
			apperrors.ErrConflict, app.ID, current.Version, expectedVersion)
	}
	stored := app.Clone()
	stored.Version = expectedVersion + 1
	s.loans[app.ID] = stored
	return nil
}

func (s *Store) List(_ context.Context, f loan.Filter) ([]*loan.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*loan.Application
	for _, app := range s.loans {
		if matches(app, f) {
			out = append(out, app.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) CountCreatedInYear(_ context.Context, year int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, app := range s.loans {
		if app.CreatedAt.Year() == year {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListStalled(_ context.Context, stages []loan.Stage, updatedBefore time.Time) ([]*loan.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*loan.Application
	for _, app := range s.loans {
		if inStages(app.Stage, stages) && app.UpdatedAt.Before(updatedBefore) {
			out = append(out, app.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loans[id]; !ok {
		return fmt.Errorf("%w: loan %s", apperrors.ErrNotFound, id)
	}
	delete(s.loans, id)
	return nil
}

// Next implements loan.Sequence with a plain per-year counter.
func (s *Store) Next(_ context.Context, year int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[year]++
	return s.seq[year], nil
}

// Put stores app as-is, bypassing version checks. Test setup only.
func (s *Store) Put(app *loan.Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loans[app.ID] = app.Clone()
}

func matches(app *loan.Application, f loan.Filter) bool {
	if f.ApplicantID != "" && app.ApplicantID != f.ApplicantID {
		return false
	}
	if f.Bank != nil && app.Bank != *f.Bank {
		return false
	}
	return len(f.Stages) == 0 || inStages(app.Stage, f.Stages)
}

func inStages(s loan.Stage, set []loan.Stage) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

func sortNewestFirst(apps []*loan.Application) {
	sort.SliceStable(apps, func(i, j int) bool {
		if apps[i].CreatedAt.Equal(apps[j].CreatedAt) {
			return apps[i].ApplicationNumber > apps[j].ApplicationNumber
		}
		return apps[i].CreatedAt.After(apps[j].CreatedAt)
	})
}

// Notifier records every event it receives and can be told to fail.
type Notifier struct {
	mu     sync.Mutex
	events []loan.Event
	Err    error
}

func (n *Notifier) Notify(_ context.Context, e loan.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return n.Err
}

func (n *Notifier) Events() []loan.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]loan.Event(nil), n.events...)
}
