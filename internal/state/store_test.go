package state

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"rotation-service/internal/cache"
	"rotation-service/internal/db"
	"rotation-service/internal/models"
	"rotation-service/internal/rotation"
)

type fakeStorage struct {
	sprints   []models.Sprint
	lists     []rotation.List
	overrides map[int][]models.Override
	state     *models.CurrentState
	writes    int
	lockCalls int
}

func (f *fakeStorage) ListSprints(ctx context.Context) ([]models.Sprint, error) {
	return f.sprints, nil
}

func (f *fakeStorage) RotationLists(ctx context.Context) ([]rotation.List, error) {
	return f.lists, nil
}

func (f *fakeStorage) ApprovedOverrides(ctx context.Context, sprintIndex int) ([]models.Override, error) {
	return f.overrides[sprintIndex], nil
}

func (f *fakeStorage) WithRotationLock(ctx context.Context, fn func(pgx.Tx) error) error {
	f.lockCalls++
	return fn(nil)
}

func (f *fakeStorage) GetCurrentState(ctx context.Context) (models.CurrentState, error) {
	if f.state == nil {
		return models.CurrentState{}, db.ErrNotFound
	}
	return f.state.Clone(), nil
}

func (f *fakeStorage) GetCurrentStateTx(ctx context.Context, _ pgx.Tx) (models.CurrentState, error) {
	return f.GetCurrentState(ctx)
}

func (f *fakeStorage) ReplaceCurrentStateTx(ctx context.Context, _ pgx.Tx, s models.CurrentState) (models.CurrentState, error) {
	s.UpdatedAt = time.Now()
	clone := s.Clone()
	f.state = &clone
	f.writes++
	return s, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testStorage() *fakeStorage {
	return &fakeStorage{
		sprints: []models.Sprint{
			{Index: 4, Name: "Sprint 4", StartDate: date(2026, 3, 4), EndDate: date(2026, 3, 18)},
			{Index: 5, Name: "Sprint 5", StartDate: date(2026, 3, 18), EndDate: date(2026, 4, 1)},
		},
		lists: []rotation.List{
			{Discipline: "backend", Members: []models.RotationMember{
				{Discipline: "backend", UserID: "U_A", Position: 0, Active: true},
				{Discipline: "backend", UserID: "U_B", Position: 1, Active: true},
				{Discipline: "backend", UserID: "U_C", Position: 2, Active: true},
			}},
			{Discipline: "frontend", Members: []models.RotationMember{
				{Discipline: "frontend", UserID: "U_X", Position: 0, Active: true},
				{Discipline: "frontend", UserID: "U_Y", Position: 1, Active: true},
			}},
		},
		overrides: map[int][]models.Override{},
	}
}

func testStore(storage *fakeStorage) *Store {
	midSprint := func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return NewStore(storage, cache.New(nil, time.Minute), testLogger(), time.UTC, 8, midSprint)
}

func TestReconcileInitializesState(t *testing.T) {
	storage := testStorage()
	store := testStore(storage)

	res, err := store.Reconcile(context.Background())
	require.NoError(t, err)
	require.False(t, res.NoSprint)
	require.True(t, res.Wrote)
	require.Equal(t, 4, res.SprintIndex)
	// 4 mod 3 == 1, 4 mod 2 == 0
	require.Equal(t, rotation.Assignments{"backend": "U_B", "frontend": "U_X"}, res.Assignments)
	require.ElementsMatch(t, []string{"backend", "frontend"}, res.Changed)
	require.Equal(t, 1, storage.writes)
}

func TestReconcileIsIdempotent(t *testing.T) {
	storage := testStorage()
	store := testStore(storage)

	first, err := store.Reconcile(context.Background())
	require.NoError(t, err)
	require.True(t, first.Wrote)

	second, err := store.Reconcile(context.Background())
	require.NoError(t, err)
	require.False(t, second.Wrote)
	require.Empty(t, second.Changed)
	require.Equal(t, 1, storage.writes)
	require.Equal(t, 2, storage.lockCalls)
}

func TestReconcileHealsDrift(t *testing.T) {
	storage := testStorage()
	storage.state = &models.CurrentState{
		SprintIndex: 4,
		Assignments: map[string]string{"backend": "U_STALE", "frontend": "U_X"},
	}
	store := testStore(storage)

	res, err := store.Reconcile(context.Background())
	require.NoError(t, err)
	require.True(t, res.Wrote)
	require.Equal(t, []string{"backend"}, res.Changed)
	require.Equal(t, "U_STALE", res.Previous.Assignments["backend"])
	require.Equal(t, "U_B", storage.state.Assignments["backend"])
}

func TestReconcileWritesOnSprintChangeAlone(t *testing.T) {
	storage := testStorage()
	storage.state = &models.CurrentState{
		SprintIndex: 3,
		Assignments: map[string]string{"backend": "U_B", "frontend": "U_X"},
	}
	store := testStore(storage)

	res, err := store.Reconcile(context.Background())
	require.NoError(t, err)
	require.True(t, res.Wrote)
	require.Empty(t, res.Changed)
	require.Equal(t, 4, storage.state.SprintIndex)
}

func TestReconcileAppliesApprovedOverride(t *testing.T) {
	storage := testStorage()
	approvedAt := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	storage.overrides[4] = []models.Override{{
		ID:                "11111111-1111-1111-1111-111111111111",
		SprintIndex:       4,
		Discipline:        "backend",
		ReplacementUserID: "U_SWAP",
		Approved:          true,
		ApprovalTimestamp: &approvedAt,
	}}
	store := testStore(storage)

	res, err := store.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, "U_SWAP", res.Assignments["backend"])
	require.Equal(t, "U_SWAP", storage.state.Assignments["backend"])
}

func TestReconcileNoSprint(t *testing.T) {
	storage := testStorage()
	store := NewStore(storage, cache.New(nil, time.Minute), testLogger(), time.UTC, 8,
		func() time.Time { return time.Date(2027, 1, 1, 12, 0, 0, 0, time.UTC) })

	res, err := store.Reconcile(context.Background())
	require.NoError(t, err)
	require.True(t, res.NoSprint)
	require.Zero(t, storage.writes)
	require.Zero(t, storage.lockCalls)
}

func TestListsPassThrough(t *testing.T) {
	storage := testStorage()
	store := testStore(storage)

	lists, err := store.Lists(context.Background())
	require.NoError(t, err)
	require.Len(t, lists, 2)
	require.Equal(t, "backend", lists[0].Discipline)
	require.Len(t, lists[0].Members, 3)
}

func TestReadUninitialized(t *testing.T) {
	storage := testStorage()
	store := testStore(storage)

	_, err := store.Read(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, db.ErrNotFound))
}

func TestReadAfterReconcile(t *testing.T) {
	storage := testStorage()
	store := testStore(storage)

	_, err := store.Reconcile(context.Background())
	require.NoError(t, err)

	current, err := store.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, current.SprintIndex)
	require.Equal(t, "U_B", current.Assignments["backend"])
}
