package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"rotation-service/internal/cache"
	"rotation-service/internal/db"
	"rotation-service/internal/models"
	"rotation-service/internal/rotation"
)

// Storage is the slice of the database layer the store needs. *db.DB
// satisfies it; tests substitute an in-memory fake.
type Storage interface {
	ListSprints(ctx context.Context) ([]models.Sprint, error)
	RotationLists(ctx context.Context) ([]rotation.List, error)
	ApprovedOverrides(ctx context.Context, sprintIndex int) ([]models.Override, error)
	WithRotationLock(ctx context.Context, fn func(pgx.Tx) error) error
	GetCurrentState(ctx context.Context) (models.CurrentState, error)
	GetCurrentStateTx(ctx context.Context, tx pgx.Tx) (models.CurrentState, error)
	ReplaceCurrentStateTx(ctx context.Context, tx pgx.Tx, s models.CurrentState) (models.CurrentState, error)
}

// Result describes one reconcile pass.
type Result struct {
	// NoSprint is set when no sprint window contains now; nothing was
	// computed or written and the previous persisted state stands.
	NoSprint    bool
	SprintIndex int
	Assignments rotation.Assignments
	// Previous is the persisted state found under the lock, zero when the
	// state had never been initialized.
	Previous models.CurrentState
	// Changed lists the disciplines whose assignee differs from Previous,
	// sorted. Added and removed disciplines count as changed.
	Changed []string
	// Wrote reports whether the persisted record was replaced.
	Wrote bool
}

// Store owns the persisted belief of who is on call right now. It is the
// only writer of that record; every write runs inside the rotation advisory
// lock so concurrent reconciles from the in-process scheduler and the webhook
// pipeline serialize instead of double-writing.
type Store struct {
	storage     Storage
	cache       *cache.Cache
	logger      *logrus.Logger
	loc         *time.Location
	cutoverHour int
	now         func() time.Time
}

func NewStore(storage Storage, c *cache.Cache, logger *logrus.Logger, loc *time.Location, cutoverHour int, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		storage:     storage,
		cache:       c,
		logger:      logger,
		loc:         loc,
		cutoverHour: cutoverHour,
		now:         now,
	}
}

// Read returns the persisted state, going through the cache. db.ErrNotFound
// surfaces when no reconcile has ever written.
func (s *Store) Read(ctx context.Context) (models.CurrentState, error) {
	cached, err := s.cache.GetState(ctx)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.logger.WithError(err).Warn("state cache read failed")
	}

	current, err := s.storage.GetCurrentState(ctx)
	if err != nil {
		return models.CurrentState{}, err
	}
	if err := s.cache.SetState(ctx, current); err != nil {
		s.logger.WithError(err).Warn("state cache write failed")
	}
	return current, nil
}

// Lists returns the rotation lists for read paths, going through the cache.
// Reconcile never reads through here; healing always sees fresh lists.
func (s *Store) Lists(ctx context.Context) ([]rotation.List, error) {
	cached, err := s.cache.GetLists(ctx)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.logger.WithError(err).Warn("lists cache read failed")
	}

	lists, err := s.storage.RotationLists(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetLists(ctx, lists); err != nil {
		s.logger.WithError(err).Warn("lists cache write failed")
	}
	return lists, nil
}

// Reconcile recomputes who should be on call right now and heals the
// persisted record if it drifted. The comparison and the write happen under
// the rotation lock, so two concurrent calls cannot both see "no change yet"
// and both write. A second call with no underlying change performs zero
// writes.
func (s *Store) Reconcile(ctx context.Context) (Result, error) {
	now := s.now()

	sprints, err := s.storage.ListSprints(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load sprints: %w", err)
	}
	current := rotation.CurrentSprint(sprints, now, s.loc, s.cutoverHour)
	if current == nil {
		return Result{NoSprint: true}, nil
	}

	lists, err := s.storage.RotationLists(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load rotation lists: %w", err)
	}
	overrides, err := s.storage.ApprovedOverrides(ctx, current.Index)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load overrides for sprint %d: %w", current.Index, err)
	}
	assignments, err := rotation.Resolve(current.Index, lists, overrides)
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve assignments: %w", err)
	}

	for userID, disciplines := range rotation.DuplicateAssignees(assignments) {
		s.logger.WithFields(logrus.Fields{
			"user_id":     userID,
			"disciplines": disciplines,
		}).Warn("user assigned to multiple disciplines")
	}

	result := Result{SprintIndex: current.Index, Assignments: assignments}
	err = s.storage.WithRotationLock(ctx, func(tx pgx.Tx) error {
		previous, err := s.storage.GetCurrentStateTx(ctx, tx)
		missing := errors.Is(err, db.ErrNotFound)
		if err != nil && !missing {
			return err
		}
		result.Previous = previous
		result.Changed = diffAssignments(previous.Assignments, assignments)

		if !missing && previous.SprintIndex == current.Index && len(result.Changed) == 0 {
			return nil
		}
		next := models.CurrentState{SprintIndex: current.Index, Assignments: assignments}
		if _, err := s.storage.ReplaceCurrentStateTx(ctx, tx, next); err != nil {
			return err
		}
		result.Wrote = true
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to reconcile state: %w", err)
	}

	if result.Wrote {
		if err := s.cache.InvalidateState(ctx); err != nil {
			s.logger.WithError(err).Warn("state cache invalidation failed")
		}
		s.logger.WithFields(logrus.Fields{
			"sprint_index": result.SprintIndex,
			"changed":      result.Changed,
		}).Info("current state reconciled")
	}
	return result, nil
}

func diffAssignments(previous map[string]string, next rotation.Assignments) []string {
	changed := make(map[string]struct{})
	for discipline, user := range next {
		if previous[discipline] != user {
			changed[discipline] = struct{}{}
		}
	}
	for discipline := range previous {
		if _, ok := next[discipline]; !ok {
			changed[discipline] = struct{}{}
		}
	}
	if len(changed) == 0 {
		return nil
	}
	out := make([]string, 0, len(changed))
	for discipline := range changed {
		out = append(out, discipline)
	}
	sort.Strings(out)
	return out
}
