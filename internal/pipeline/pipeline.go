package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"rotation-service/internal/db"
	"rotation-service/internal/dispatch"
	"rotation-service/internal/events"
	"rotation-service/internal/models"
	"rotation-service/internal/state"
)

// Storage is the slice of the database layer the pipeline writes through.
// Everything it persists for one run lands in a single locked transaction.
type Storage interface {
	WithRotationLock(ctx context.Context, fn func(pgx.Tx) error) error
	GetTriggerAudit(ctx context.Context, id string) (models.CronTriggerAudit, error)
	GetTriggerAuditTx(ctx context.Context, tx pgx.Tx, id string) (models.CronTriggerAudit, error)
	InsertTriggerAuditTx(ctx context.Context, tx pgx.Tx, a models.CronTriggerAudit) (models.CronTriggerAudit, error)
	GetCurrentStateTx(ctx context.Context, tx pgx.Tx) (models.CurrentState, error)
	LatestSnapshotTx(ctx context.Context, tx pgx.Tx) (models.NotificationSnapshot, error)
	InsertSnapshotTx(ctx context.Context, tx pgx.Tx, snap models.NotificationSnapshot) (models.NotificationSnapshot, error)
}

// Reconciler is the optional pre-pass that heals the persisted state before
// the pipeline reads it.
type Reconciler interface {
	Reconcile(ctx context.Context) (state.Result, error)
}

// Outcome is the externally observable result of one run, echoed in the
// webhook response body.
type Outcome struct {
	Status       string     `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	TriggerID    string     `json:"trigger_id"`
	SprintIndex  int        `json:"sprint_index,omitempty"`
	NextDelivery *time.Time `json:"next_delivery,omitempty"`
	Replayed     bool       `json:"replayed,omitempty"`
}

// Pipeline is the webhook-invoked delivery path: snapshot the persisted
// assignment map, hash it against the last snapshot, and deliver, skip, or
// defer the announcement. Every run appends exactly one trigger audit row,
// plus one snapshot whenever there was state to examine; a replayed trigger
// id short-circuits to the recorded outcome without side effects.
type Pipeline struct {
	storage        Storage
	reconciler     Reconciler
	dispatcher     dispatch.Dispatcher
	reporter       dispatch.Reporter
	publisher      *events.Publisher
	logger         *logrus.Logger
	loc            *time.Location
	deliveryHour   int
	reconcileFirst bool
	now            func() time.Time
}

type Options struct {
	Storage        Storage
	Reconciler     Reconciler
	Dispatcher     dispatch.Dispatcher
	Reporter       dispatch.Reporter
	Publisher      *events.Publisher
	Logger         *logrus.Logger
	Location       *time.Location
	DeliveryHour   int
	ReconcileFirst bool
	Now            func() time.Time
}

func New(opts Options) *Pipeline {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DeliveryHour < 0 || opts.DeliveryHour > 23 {
		opts.DeliveryHour = 8
	}
	return &Pipeline{
		storage:        opts.Storage,
		reconciler:     opts.Reconciler,
		dispatcher:     opts.Dispatcher,
		reporter:       opts.Reporter,
		publisher:      opts.Publisher,
		logger:         opts.Logger,
		loc:            opts.Location,
		deliveryHour:   opts.DeliveryHour,
		reconcileFirst: opts.ReconcileFirst,
		now:            opts.Now,
	}
}

// Run executes one pipeline pass for the given trigger context. The returned
// error is non-nil only for unexpected failures; skipped and deferred are
// normal outcomes.
func (p *Pipeline) Run(ctx context.Context, trigger models.TriggerContext) (Outcome, error) {
	triggerID := trigger.TriggerID
	if triggerID == "" {
		triggerID = uuid.New().String()
	}
	log := p.logger.WithField("trigger_id", triggerID)

	// Replay fast path, before any computation.
	prior, err := p.storage.GetTriggerAudit(ctx, triggerID)
	if err == nil {
		log.WithField("result", prior.Result).Info("trigger replayed, returning recorded outcome")
		return replayOutcome(prior), nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return p.fail(ctx, triggerID, trigger, fmt.Errorf("failed to check trigger audit: %w", err))
	}

	var reconciled *state.Result
	var skipReason string
	if p.reconcileFirst && p.reconciler != nil {
		res, err := p.reconciler.Reconcile(ctx)
		if err != nil {
			return p.fail(ctx, triggerID, trigger, fmt.Errorf("reconcile pass failed: %w", err))
		}
		reconciled = &res
		if res.NoSprint {
			// The persisted state, if any, describes a sprint that is over;
			// announcing it would be noise.
			skipReason = "no current sprint"
		}
	}

	now := p.now()
	var out Outcome
	var delivered models.CurrentState

	err = p.storage.WithRotationLock(ctx, func(tx pgx.Tx) error {
		// The fast path races with a concurrent identical trigger; the lock
		// makes this re-check authoritative.
		if prior, err := p.storage.GetTriggerAuditTx(ctx, tx, triggerID); err == nil {
			out = replayOutcome(prior)
			return nil
		} else if !errors.Is(err, db.ErrNotFound) {
			return err
		}

		if skipReason != "" {
			out = Outcome{Status: models.DeliverySkipped, Reason: skipReason, TriggerID: triggerID}
			_, err := p.storage.InsertTriggerAuditTx(ctx, tx, models.CronTriggerAudit{
				ID:          triggerID,
				ScheduledAt: trigger.ScheduledAt,
				Result:      out.Status,
				Details:     out.Reason,
			})
			return err
		}

		current, err := p.storage.GetCurrentStateTx(ctx, tx)
		if errors.Is(err, db.ErrNotFound) {
			out = Outcome{Status: models.DeliverySkipped, Reason: "no persisted on-call state", TriggerID: triggerID}
			_, err := p.storage.InsertTriggerAuditTx(ctx, tx, models.CronTriggerAudit{
				ID:          triggerID,
				ScheduledAt: trigger.ScheduledAt,
				Result:      out.Status,
				Details:     out.Reason,
			})
			return err
		}
		if err != nil {
			return err
		}

		hash := HashAssignments(current.Assignments)
		latest, err := p.storage.LatestSnapshotTx(ctx, tx)
		hasPrior := err == nil
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}

		snap := models.NotificationSnapshot{
			Assignments: current.Assignments,
			Hash:        hash,
			TriggerRef:  triggerID,
		}
		switch {
		case hasPrior && latest.Hash == hash:
			snap.DeliveryStatus = models.DeliverySkipped
			snap.DeliveryReason = "assignments unchanged"
		case !isBusinessDay(now.In(p.loc)):
			next := p.nextBusinessDelivery(now)
			snap.DeliveryStatus = models.DeliveryDeferred
			snap.DeliveryReason = "non-business day"
			snap.NextDelivery = &next
		default:
			snap.DeliveryStatus = models.DeliveryDelivered
			delivered = current.Clone()
		}

		if _, err := p.storage.InsertSnapshotTx(ctx, tx, snap); err != nil {
			return err
		}
		if _, err := p.storage.InsertTriggerAuditTx(ctx, tx, models.CronTriggerAudit{
			ID:          triggerID,
			ScheduledAt: trigger.ScheduledAt,
			Result:      snap.DeliveryStatus,
			Details:     snap.DeliveryReason,
		}); err != nil {
			return err
		}

		out = Outcome{
			Status:       snap.DeliveryStatus,
			Reason:       snap.DeliveryReason,
			TriggerID:    triggerID,
			SprintIndex:  current.SprintIndex,
			NextDelivery: snap.NextDelivery,
		}
		return nil
	})
	if err != nil {
		return p.fail(ctx, triggerID, trigger, err)
	}
	if out.Replayed {
		return out, nil
	}

	// Dispatch happens after the transaction: the snapshot is the record of
	// intent, and chat calls must not hold the rotation lock.
	switch out.Status {
	case models.DeliveryDelivered:
		p.announce(ctx, delivered)
	case models.DeliveryDeferred:
		// The assignment itself is real even though the announcement waits,
		// so a run that just reconciled still syncs group and topic state.
		if reconciled != nil && reconciled.Wrote {
			p.syncExternal(ctx, reconciled.Assignments)
		}
	}

	log.WithField("result", out.Status).Info("notification pipeline run complete")
	return out, nil
}

func (p *Pipeline) announce(ctx context.Context, current models.CurrentState) {
	disciplines := make([]string, 0, len(current.Assignments))
	for discipline := range current.Assignments {
		disciplines = append(disciplines, discipline)
	}
	sort.Strings(disciplines)

	for _, discipline := range disciplines {
		user := current.Assignments[discipline]
		text := fmt.Sprintf("You are on call for %s this sprint (sprint %d).", discipline, current.SprintIndex)
		if err := p.dispatcher.SendDirectMessage(ctx, user, text); err != nil {
			p.report(ctx, fmt.Sprintf("failed to announce %s assignment to %s: %v", discipline, user, err))
		}
	}
	p.syncExternal(ctx, current.Assignments)
	p.publisher.Publish(ctx, events.Event{
		Type:        events.TypeAssignmentsChanged,
		SprintIndex: current.SprintIndex,
		Assignments: current.Assignments,
		Changed:     disciplines,
	})
}

func (p *Pipeline) syncExternal(ctx context.Context, assignments map[string]string) {
	users := uniqueUsers(assignments)
	if err := p.dispatcher.SyncGroupMembership(ctx, users); err != nil {
		p.report(ctx, fmt.Sprintf("group membership sync failed: %v", err))
	}
	if err := p.dispatcher.SyncChannelTopic(ctx, users); err != nil {
		p.report(ctx, fmt.Sprintf("channel topic sync failed: %v", err))
	}
}

// fail maps any unexpected error to an error outcome, reports it, and
// records it best-effort in the audit trail so even a crashed run leaves a
// replay marker.
func (p *Pipeline) fail(ctx context.Context, triggerID string, trigger models.TriggerContext, cause error) (Outcome, error) {
	p.logger.WithError(cause).WithField("trigger_id", triggerID).Error("notification pipeline run failed")
	p.report(ctx, fmt.Sprintf("notification pipeline failed: %v", cause))

	audit := models.CronTriggerAudit{
		ID:          triggerID,
		ScheduledAt: trigger.ScheduledAt,
		Result:      models.DeliveryError,
		Details:     cause.Error(),
	}
	err := p.storage.WithRotationLock(ctx, func(tx pgx.Tx) error {
		if _, err := p.storage.GetTriggerAuditTx(ctx, tx, triggerID); err == nil {
			return nil
		}
		_, err := p.storage.InsertTriggerAuditTx(ctx, tx, audit)
		return err
	})
	if err != nil {
		p.logger.WithError(err).Error("failed to record error in trigger audit")
	}
	return Outcome{Status: models.DeliveryError, Reason: cause.Error(), TriggerID: triggerID}, cause
}

func (p *Pipeline) report(ctx context.Context, message string) {
	if p.reporter != nil {
		p.reporter.ReportError(ctx, message)
	}
}

// nextBusinessDelivery returns the next weekday at the delivery hour in the
// canonical zone, strictly after t's calendar day.
func (p *Pipeline) nextBusinessDelivery(t time.Time) time.Time {
	local := t.In(p.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), p.deliveryHour, 0, 0, 0, p.loc)
	for {
		next = next.AddDate(0, 0, 1)
		if isBusinessDay(next) {
			return next
		}
	}
}

func isBusinessDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

func replayOutcome(a models.CronTriggerAudit) Outcome {
	return Outcome{
		Status:    a.Result,
		Reason:    a.Details,
		TriggerID: a.ID,
		Replayed:  true,
	}
}

func uniqueUsers(assignments map[string]string) []string {
	seen := make(map[string]struct{}, len(assignments))
	users := make([]string, 0, len(assignments))
	for _, user := range assignments {
		if _, ok := seen[user]; ok {
			continue
		}
		seen[user] = struct{}{}
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}
