package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"rotation-service/internal/models"
	"rotation-service/internal/rotation"
	"rotation-service/internal/state"
)

type fakeReconciler struct {
	result state.Result
	err    error
	calls  int
}

func (f *fakeReconciler) Reconcile(ctx context.Context) (state.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeCheckStorage struct {
	sprints   []models.Sprint
	lists     []rotation.List
	overrides map[int][]models.Override
	claims    map[string]bool
}

func (f *fakeCheckStorage) ListSprints(ctx context.Context) ([]models.Sprint, error) {
	return f.sprints, nil
}

func (f *fakeCheckStorage) RotationLists(ctx context.Context) ([]rotation.List, error) {
	return f.lists, nil
}

func (f *fakeCheckStorage) ApprovedOverrides(ctx context.Context, sprintIndex int) ([]models.Override, error) {
	return f.overrides[sprintIndex], nil
}

func (f *fakeCheckStorage) RecordHandoffNotice(ctx context.Context, sprintIndex int, noticeDate time.Time, discipline string) (bool, error) {
	if f.claims == nil {
		f.claims = map[string]bool{}
	}
	key := fmt.Sprintf("%d|%s|%s", sprintIndex, noticeDate.Format("2006-01-02"), discipline)
	if f.claims[key] {
		return false, nil
	}
	f.claims[key] = true
	return true, nil
}

type sentDM struct {
	userID string
	text   string
}

type fakeDispatcher struct {
	dms         []sentDM
	groupSyncs  [][]string
	topicSyncs  [][]string
	panicOnSync bool
}

func (f *fakeDispatcher) SendDirectMessage(ctx context.Context, userID, text string) error {
	f.dms = append(f.dms, sentDM{userID: userID, text: text})
	return nil
}

func (f *fakeDispatcher) SyncGroupMembership(ctx context.Context, userIDs []string) error {
	if f.panicOnSync {
		panic("usergroup exploded")
	}
	f.groupSyncs = append(f.groupSyncs, userIDs)
	return nil
}

func (f *fakeDispatcher) SyncChannelTopic(ctx context.Context, userIDs []string) error {
	f.topicSyncs = append(f.topicSyncs, userIDs)
	return nil
}

type fakeReporter struct {
	reports []string
}

func (f *fakeReporter) ReportError(ctx context.Context, message string) {
	f.reports = append(f.reports, message)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newChecks(rec Reconciler, storage Storage, disp *fakeDispatcher, rep *fakeReporter, now time.Time) *Checks {
	return NewChecks(rec, storage, disp, rep, nil, testLogger(), time.UTC, 8,
		func() time.Time { return now })
}

func TestStartOfDayAnnouncesChanges(t *testing.T) {
	rec := &fakeReconciler{result: state.Result{
		SprintIndex: 5,
		Assignments: rotation.Assignments{"backend": "U_C", "frontend": "U_Y"},
		Previous: models.CurrentState{
			SprintIndex: 4,
			Assignments: map[string]string{"backend": "U_B", "frontend": "U_Y"},
		},
		Changed: []string{"backend"},
		Wrote:   true,
	}}
	disp := &fakeDispatcher{}
	rep := &fakeReporter{}
	checks := newChecks(rec, &fakeCheckStorage{}, disp, rep, date(2026, 3, 18))

	checks.StartOfDay(context.Background())

	require.Len(t, disp.groupSyncs, 1)
	require.Equal(t, []string{"U_C", "U_Y"}, disp.groupSyncs[0])
	require.Len(t, disp.topicSyncs, 1)

	require.Len(t, disp.dms, 2)
	require.Equal(t, "U_B", disp.dms[0].userID)
	require.Contains(t, disp.dms[0].text, "ended")
	require.Equal(t, "U_C", disp.dms[1].userID)
	require.Contains(t, disp.dms[1].text, "on call for backend")
	require.Empty(t, rep.reports)
}

func TestStartOfDayNoChangeDispatchesNothing(t *testing.T) {
	rec := &fakeReconciler{result: state.Result{SprintIndex: 5, Wrote: false}}
	disp := &fakeDispatcher{}
	rep := &fakeReporter{}
	checks := newChecks(rec, &fakeCheckStorage{}, disp, rep, date(2026, 3, 18))

	checks.StartOfDay(context.Background())

	require.Empty(t, disp.dms)
	require.Empty(t, disp.groupSyncs)
	require.Empty(t, disp.topicSyncs)
}

func TestStartOfDayNoSprint(t *testing.T) {
	rec := &fakeReconciler{result: state.Result{NoSprint: true}}
	disp := &fakeDispatcher{}
	checks := newChecks(rec, &fakeCheckStorage{}, disp, &fakeReporter{}, date(2026, 3, 18))

	checks.StartOfDay(context.Background())
	require.Empty(t, disp.dms)
	require.Empty(t, disp.groupSyncs)
}

func TestStartOfDayReconcileFailureIsReported(t *testing.T) {
	rec := &fakeReconciler{err: errors.New("db down")}
	disp := &fakeDispatcher{}
	rep := &fakeReporter{}
	checks := newChecks(rec, &fakeCheckStorage{}, disp, rep, date(2026, 3, 18))

	checks.StartOfDay(context.Background())

	require.Len(t, rep.reports, 1)
	require.Contains(t, rep.reports[0], "db down")
	require.Empty(t, disp.dms)
}

func TestStartOfDayRecoversFromPanic(t *testing.T) {
	rec := &fakeReconciler{result: state.Result{
		SprintIndex: 5,
		Assignments: rotation.Assignments{"backend": "U_C"},
		Changed:     []string{"backend"},
		Wrote:       true,
	}}
	disp := &fakeDispatcher{panicOnSync: true}
	rep := &fakeReporter{}
	checks := newChecks(rec, &fakeCheckStorage{}, disp, rep, date(2026, 3, 18))

	require.NotPanics(t, func() { checks.StartOfDay(context.Background()) })
	require.Len(t, rep.reports, 1)
	require.Contains(t, rep.reports[0], "panicked")
}

func handoffStorage() *fakeCheckStorage {
	return &fakeCheckStorage{
		sprints: []models.Sprint{
			{Index: 4, Name: "Sprint 4", StartDate: date(2026, 3, 4), EndDate: date(2026, 3, 17)},
			{Index: 5, Name: "Sprint 5", StartDate: date(2026, 3, 18), EndDate: date(2026, 3, 31)},
		},
		lists: []rotation.List{
			{Discipline: "backend", Members: []models.RotationMember{
				{Discipline: "backend", UserID: "U_A", Position: 0, Active: true},
				{Discipline: "backend", UserID: "U_B", Position: 1, Active: true},
				{Discipline: "backend", UserID: "U_C", Position: 2, Active: true},
			}},
			{Discipline: "ops", Members: []models.RotationMember{
				{Discipline: "ops", UserID: "U_O", Position: 0, Active: true},
			}},
		},
		overrides: map[int][]models.Override{},
	}
}

func TestEndOfDayWarnsOnLastSprintDay(t *testing.T) {
	storage := handoffStorage()
	disp := &fakeDispatcher{}
	rep := &fakeReporter{}
	lastDayEvening := time.Date(2026, 3, 17, 17, 0, 0, 0, time.UTC)
	checks := newChecks(&fakeReconciler{}, storage, disp, rep, lastDayEvening)

	checks.EndOfDay(context.Background())

	// backend hands off U_B -> U_C; single-member ops stays with U_O.
	require.Len(t, disp.dms, 2)
	require.Equal(t, "U_B", disp.dms[0].userID)
	require.Contains(t, disp.dms[0].text, "ends tomorrow")
	require.Equal(t, "U_C", disp.dms[1].userID)
	require.Contains(t, disp.dms[1].text, "starts tomorrow")
	require.Empty(t, rep.reports)
}

func TestEndOfDayRerunStaysSilent(t *testing.T) {
	storage := handoffStorage()
	disp := &fakeDispatcher{}
	lastDayEvening := time.Date(2026, 3, 17, 17, 0, 0, 0, time.UTC)
	checks := newChecks(&fakeReconciler{}, storage, disp, &fakeReporter{}, lastDayEvening)

	checks.EndOfDay(context.Background())
	require.Len(t, disp.dms, 2)

	checks.EndOfDay(context.Background())
	require.Len(t, disp.dms, 2)
}

func TestEndOfDayMidSprintIsSilent(t *testing.T) {
	storage := handoffStorage()
	disp := &fakeDispatcher{}
	midSprint := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)
	checks := newChecks(&fakeReconciler{}, storage, disp, &fakeReporter{}, midSprint)

	checks.EndOfDay(context.Background())
	require.Empty(t, disp.dms)
}

func TestEndOfDayWithoutNextSprint(t *testing.T) {
	storage := handoffStorage()
	storage.sprints = storage.sprints[:1]
	disp := &fakeDispatcher{}
	lastDayEvening := time.Date(2026, 3, 17, 17, 0, 0, 0, time.UTC)
	checks := newChecks(&fakeReconciler{}, storage, disp, &fakeReporter{}, lastDayEvening)

	checks.EndOfDay(context.Background())
	require.Empty(t, disp.dms)
}

func TestEndOfDayHonorsNextSprintOverride(t *testing.T) {
	storage := handoffStorage()
	approvedAt := date(2026, 3, 15)
	storage.overrides[5] = []models.Override{{
		ID:                "22222222-2222-2222-2222-222222222222",
		SprintIndex:       5,
		Discipline:        "backend",
		ReplacementUserID: "U_SWAP",
		Approved:          true,
		ApprovalTimestamp: &approvedAt,
	}}
	disp := &fakeDispatcher{}
	lastDayEvening := time.Date(2026, 3, 17, 17, 0, 0, 0, time.UTC)
	checks := newChecks(&fakeReconciler{}, storage, disp, &fakeReporter{}, lastDayEvening)

	checks.EndOfDay(context.Background())

	require.Len(t, disp.dms, 2)
	require.Equal(t, "U_SWAP", disp.dms[1].userID)
}
