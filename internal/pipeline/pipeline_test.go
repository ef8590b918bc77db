package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"rotation-service/internal/db"
	"rotation-service/internal/models"
	"rotation-service/internal/state"
)

type fakeStorage struct {
	audits      map[string]models.CronTriggerAudit
	state       *models.CurrentState
	snapshots   []models.NotificationSnapshot
	failInserts bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{audits: map[string]models.CronTriggerAudit{}}
}

func (f *fakeStorage) WithRotationLock(ctx context.Context, fn func(pgx.Tx) error) error {
	return fn(nil)
}

func (f *fakeStorage) GetTriggerAudit(ctx context.Context, id string) (models.CronTriggerAudit, error) {
	if a, ok := f.audits[id]; ok {
		return a, nil
	}
	return models.CronTriggerAudit{}, db.ErrNotFound
}

func (f *fakeStorage) GetTriggerAuditTx(ctx context.Context, _ pgx.Tx, id string) (models.CronTriggerAudit, error) {
	return f.GetTriggerAudit(ctx, id)
}

func (f *fakeStorage) InsertTriggerAuditTx(ctx context.Context, _ pgx.Tx, a models.CronTriggerAudit) (models.CronTriggerAudit, error) {
	a.TriggeredAt = time.Now()
	f.audits[a.ID] = a
	return a, nil
}

func (f *fakeStorage) GetCurrentStateTx(ctx context.Context, _ pgx.Tx) (models.CurrentState, error) {
	if f.state == nil {
		return models.CurrentState{}, db.ErrNotFound
	}
	return f.state.Clone(), nil
}

func (f *fakeStorage) LatestSnapshotTx(ctx context.Context, _ pgx.Tx) (models.NotificationSnapshot, error) {
	if len(f.snapshots) == 0 {
		return models.NotificationSnapshot{}, db.ErrNotFound
	}
	return f.snapshots[len(f.snapshots)-1], nil
}

func (f *fakeStorage) InsertSnapshotTx(ctx context.Context, _ pgx.Tx, snap models.NotificationSnapshot) (models.NotificationSnapshot, error) {
	if f.failInserts {
		return models.NotificationSnapshot{}, errors.New("disk full")
	}
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	snap.CapturedAt = time.Now()
	f.snapshots = append(f.snapshots, snap)
	return snap, nil
}

type fakeReconciler struct {
	result state.Result
	err    error
	calls  int
}

func (f *fakeReconciler) Reconcile(ctx context.Context) (state.Result, error) {
	f.calls++
	return f.result, f.err
}

type sentDM struct {
	userID string
	text   string
}

type fakeDispatcher struct {
	dms        []sentDM
	groupSyncs [][]string
	topicSyncs [][]string
}

func (f *fakeDispatcher) SendDirectMessage(ctx context.Context, userID, text string) error {
	f.dms = append(f.dms, sentDM{userID: userID, text: text})
	return nil
}

func (f *fakeDispatcher) SyncGroupMembership(ctx context.Context, userIDs []string) error {
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

// 2026-03-17 is a Tuesday, 2026-03-21 a Saturday.
var (
	tuesdayMorning  = time.Date(2026, 3, 17, 8, 0, 0, 0, time.UTC)
	saturdayMorning = time.Date(2026, 3, 21, 8, 0, 0, 0, time.UTC)
)

func testPipeline(storage Storage, disp *fakeDispatcher, rep *fakeReporter, now time.Time, rec Reconciler) *Pipeline {
	return New(Options{
		Storage:        storage,
		Reconciler:     rec,
		Dispatcher:     disp,
		Reporter:       rep,
		Publisher:      nil,
		Logger:         testLogger(),
		Location:       time.UTC,
		DeliveryHour:   8,
		ReconcileFirst: rec != nil,
		Now:            func() time.Time { return now },
	})
}

func TestRunDeliversOnBusinessDay(t *testing.T) {
	storage := newFakeStorage()
	storage.state = &models.CurrentState{
		SprintIndex: 7,
		Assignments: map[string]string{"po": "U_B"},
	}
	disp := &fakeDispatcher{}
	p := testPipeline(storage, disp, &fakeReporter{}, tuesdayMorning, nil)

	out, err := p.Run(context.Background(), models.TriggerContext{TriggerID: "trig-1"})
	require.NoError(t, err)
	require.Equal(t, models.DeliveryDelivered, out.Status)
	require.Equal(t, 7, out.SprintIndex)
	require.False(t, out.Replayed)

	require.Len(t, disp.dms, 1)
	require.Equal(t, "U_B", disp.dms[0].userID)
	require.Contains(t, disp.dms[0].text, "on call for po")
	require.Len(t, disp.groupSyncs, 1)
	require.Len(t, disp.topicSyncs, 1)

	require.Len(t, storage.snapshots, 1)
	require.Equal(t, models.DeliveryDelivered, storage.snapshots[0].DeliveryStatus)
	require.Equal(t, "trig-1", storage.snapshots[0].TriggerRef)
	require.Equal(t, models.DeliveryDelivered, storage.audits["trig-1"].Result)
}

func TestRunSkipsUnchangedAssignments(t *testing.T) {
	storage := newFakeStorage()
	storage.state = &models.CurrentState{
		SprintIndex: 7,
		Assignments: map[string]string{"po": "U_B"},
	}
	disp := &fakeDispatcher{}
	p := testPipeline(storage, disp, &fakeReporter{}, tuesdayMorning, nil)

	first, err := p.Run(context.Background(), models.TriggerContext{TriggerID: "trig-1"})
	require.NoError(t, err)
	require.Equal(t, models.DeliveryDelivered, first.Status)

	second, err := p.Run(context.Background(), models.TriggerContext{TriggerID: "trig-2"})
	require.NoError(t, err)
	require.Equal(t, models.DeliverySkipped, second.Status)
	require.Equal(t, "assignments unchanged", second.Reason)

	// one delivery's worth of dispatch, two snapshots
	require.Len(t, disp.dms, 1)
	require.Len(t, storage.snapshots, 2)
	require.Equal(t, models.DeliverySkipped, storage.snapshots[1].DeliveryStatus)
}

func TestRunDefersOnSaturday(t *testing.T) {
	storage := newFakeStorage()
	storage.state = &models.CurrentState{
		SprintIndex: 7,
		Assignments: map[string]string{"po": "U_B"},
	}
	disp := &fakeDispatcher{}
	p := testPipeline(storage, disp, &fakeReporter{}, saturdayMorning, nil)

	out, err := p.Run(context.Background(), models.TriggerContext{TriggerID: "trig-sat"})
	require.NoError(t, err)
	require.Equal(t, models.DeliveryDeferred, out.Status)
	require.NotNil(t, out.NextDelivery)

	monday := time.Date(2026, 3, 23, 8, 0, 0, 0, time.UTC)
	require.True(t, out.NextDelivery.Equal(monday), "expected %s, got %s", monday, out.NextDelivery)

	require.Empty(t, disp.dms)
	require.Empty(t, disp.groupSyncs)
	require.Len(t, storage.snapshots, 1)
	require.Equal(t, models.DeliveryDeferred, storage.snapshots[0].DeliveryStatus)
	require.NotNil(t, storage.snapshots[0].NextDelivery)
}

func TestRunDeferredAfterFreshReconcileStillSyncs(t *testing.T) {
	storage := newFakeStorage()
	storage.state = &models.CurrentState{
		SprintIndex: 7,
		Assignments: map[string]string{"po": "U_B"},
	}
	rec := &fakeReconciler{result: state.Result{
		SprintIndex: 7,
		Assignments: map[string]string{"po": "U_B"},
		Wrote:       true,
	}}
	disp := &fakeDispatcher{}
	p := testPipeline(storage, disp, &fakeReporter{}, saturdayMorning, rec)

	out, err := p.Run(context.Background(), models.TriggerContext{TriggerID: "trig-sat"})
	require.NoError(t, err)
	require.Equal(t, models.DeliveryDeferred, out.Status)
	require.Equal(t, 1, rec.calls)

	// assignment is real even though the announcement waits
	require.Empty(t, disp.dms)
	require.Len(t, disp.groupSyncs, 1)
	require.Len(t, disp.topicSyncs, 1)
}

func TestRunReplaySkipsSideEffects(t *testing.T) {
	storage := newFakeStorage()
	storage.state = &models.CurrentState{
		SprintIndex: 7,
		Assignments: map[string]string{"po": "U_B"},
	}
	disp := &fakeDispatcher{}
	p := testPipeline(storage, disp, &fakeReporter{}, tuesdayMorning, nil)

	first, err := p.Run(context.Background(), models.TriggerContext{TriggerID: "trig-1"})
	require.NoError(t, err)
	require.Equal(t, models.DeliveryDelivered, first.Status)

	replay, err := p.Run(context.Background(), models.TriggerContext{TriggerID: "trig-1"})
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, models.DeliveryDelivered, replay.Status)

	require.Len(t, disp.dms, 1)
	require.Len(t, storage.snapshots, 1)
}

func TestRunWithoutPersistedState(t *testing.T) {
	storage := newFakeStorage()
	disp := &fakeDispatcher{}
	p := testPipeline(storage, disp, &fakeReporter{}, tuesdayMorning, nil)

	out, err := p.Run(context.Background(), models.TriggerContext{TriggerID: "trig-1"})
	require.NoError(t, err)
	require.Equal(t, models.DeliverySkipped, out.Status)
	require.Equal(t, "no persisted on-call state", out.Reason)
	require.Empty(t, storage.snapshots)
	require.Empty(t, disp.dms)
	require.Equal(t, models.DeliverySkipped, storage.audits["trig-1"].Result)
}

func TestRunSkipsWhenNoCurrentSprint(t *testing.T) {
	storage := newFakeStorage()
	// Stale state from a schedule that has run out.
	storage.state = &models.CurrentState{
		SprintIndex: 7,
		Assignments: map[string]string{"po": "U_B"},
	}
	rec := &fakeReconciler{result: state.Result{NoSprint: true}}
	disp := &fakeDispatcher{}
	p := testPipeline(storage, disp, &fakeReporter{}, tuesdayMorning, rec)

	out, err := p.Run(context.Background(), models.TriggerContext{TriggerID: "trig-late"})
	require.NoError(t, err)
	require.Equal(t, models.DeliverySkipped, out.Status)
	require.Equal(t, "no current sprint", out.Reason)
	require.Empty(t, disp.dms)
	require.Empty(t, storage.snapshots)
	require.Equal(t, models.DeliverySkipped, storage.audits["trig-late"].Result)
}

func TestRunGeneratesTriggerID(t *testing.T) {
	storage := newFakeStorage()
	storage.state = &models.CurrentState{
		SprintIndex: 7,
		Assignments: map[string]string{"po": "U_B"},
	}
	p := testPipeline(storage, &fakeDispatcher{}, &fakeReporter{}, tuesdayMorning, nil)

	out, err := p.Run(context.Background(), models.TriggerContext{})
	require.NoError(t, err)
	require.NotEmpty(t, out.TriggerID)
	require.Contains(t, storage.audits, out.TriggerID)
}

func TestRunRecordsErrorOutcome(t *testing.T) {
	storage := newFakeStorage()
	storage.state = &models.CurrentState{
		SprintIndex: 7,
		Assignments: map[string]string{"po": "U_B"},
	}
	storage.failInserts = true
	rep := &fakeReporter{}
	p := testPipeline(storage, &fakeDispatcher{}, rep, tuesdayMorning, nil)

	out, err := p.Run(context.Background(), models.TriggerContext{TriggerID: "trig-err"})
	require.Error(t, err)
	require.Equal(t, models.DeliveryError, out.Status)
	require.Len(t, rep.reports, 1)
	require.Equal(t, models.DeliveryError, storage.audits["trig-err"].Result)
}

func TestHashAssignmentsStability(t *testing.T) {
	a := map[string]string{"backend": "U_1", "frontend": "U_2", "po": "U_3"}
	b := map[string]string{"po": "U_3", "backend": "U_1", "frontend": "U_2"}
	require.Equal(t, HashAssignments(a), HashAssignments(b))

	c := map[string]string{"backend": "U_1", "frontend": "U_2", "po": "U_9"}
	require.NotEqual(t, HashAssignments(a), HashAssignments(c))

	require.Equal(t, HashAssignments(nil), HashAssignments(map[string]string{}))
	require.NotEqual(t, HashAssignments(nil), HashAssignments(map[string]string{"po": ""}))
}
