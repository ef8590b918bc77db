package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"rotation-service/internal/dispatch"
	"rotation-service/internal/events"
	"rotation-service/internal/models"
	"rotation-service/internal/rotation"
	"rotation-service/internal/state"
)

// Reconciler is the slice of the state store the checks drive.
type Reconciler interface {
	Reconcile(ctx context.Context) (state.Result, error)
}

// Storage is what the end-of-day check reads beyond the reconciler.
type Storage interface {
	ListSprints(ctx context.Context) ([]models.Sprint, error)
	RotationLists(ctx context.Context) ([]rotation.List, error)
	ApprovedOverrides(ctx context.Context, sprintIndex int) ([]models.Override, error)
	RecordHandoffNotice(ctx context.Context, sprintIndex int, noticeDate time.Time, discipline string) (bool, error)
}

// Checks bundles the two daily rotation checks. Every failure, panics
// included, is reported to the operator channel and never crashes the host;
// both checks are safe to re-run.
type Checks struct {
	store       Reconciler
	storage     Storage
	dispatcher  dispatch.Dispatcher
	reporter    dispatch.Reporter
	publisher   *events.Publisher
	logger      *logrus.Logger
	loc         *time.Location
	cutoverHour int
	now         func() time.Time
}

func NewChecks(
	store Reconciler,
	storage Storage,
	dispatcher dispatch.Dispatcher,
	reporter dispatch.Reporter,
	publisher *events.Publisher,
	logger *logrus.Logger,
	loc *time.Location,
	cutoverHour int,
	now func() time.Time,
) *Checks {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Checks{
		store:       store,
		storage:     storage,
		dispatcher:  dispatcher,
		reporter:    reporter,
		publisher:   publisher,
		logger:      logger,
		loc:         loc,
		cutoverHour: cutoverHour,
		now:         now,
	}
}

// StartOfDay is the authoritative transition: reconcile the persisted state
// against the rotation math and, when anything changed, bring the chat
// platform and every affected user up to date. Dispatch failures are
// reported but never roll the state write back.
func (c *Checks) StartOfDay(ctx context.Context) {
	defer c.recoverPanic(ctx, "start-of-day")

	res, err := c.store.Reconcile(ctx)
	if err != nil {
		c.report(ctx, fmt.Sprintf("start-of-day check failed: %v", err))
		return
	}
	if res.NoSprint {
		c.logger.Info("start-of-day: no current sprint, nothing to do")
		return
	}
	if !res.Wrote {
		c.logger.WithField("sprint_index", res.SprintIndex).Info("start-of-day: state already current")
		return
	}

	c.AnnounceChanges(ctx, res)
}

// AnnounceChanges pushes one confirmed state write outward: group membership
// and channel topic sync, a handoff message to each affected user, and an
// assignment-change event. Both the start-of-day check and override approval
// end here; dispatch failures are reported and never unwind the write.
func (c *Checks) AnnounceChanges(ctx context.Context, res state.Result) {
	users := assigneeSet(res.Assignments)
	if err := c.dispatcher.SyncGroupMembership(ctx, users); err != nil {
		c.report(ctx, fmt.Sprintf("group membership sync failed: %v", err))
	}
	if err := c.dispatcher.SyncChannelTopic(ctx, users); err != nil {
		c.report(ctx, fmt.Sprintf("channel topic sync failed: %v", err))
	}

	for _, discipline := range res.Changed {
		outgoing := res.Previous.Assignments[discipline]
		incoming := res.Assignments[discipline]
		if outgoing != "" && outgoing != incoming {
			text := fmt.Sprintf("Your on-call shift for %s has ended. Thanks for covering!", discipline)
			if err := c.dispatcher.SendDirectMessage(ctx, outgoing, text); err != nil {
				c.report(ctx, fmt.Sprintf("failed to notify outgoing %s assignee %s: %v", discipline, outgoing, err))
			}
		}
		if incoming != "" {
			text := fmt.Sprintf("You are now on call for %s (sprint %d).", discipline, res.SprintIndex)
			if err := c.dispatcher.SendDirectMessage(ctx, incoming, text); err != nil {
				c.report(ctx, fmt.Sprintf("failed to notify incoming %s assignee %s: %v", discipline, incoming, err))
			}
		}
	}

	c.publisher.Publish(ctx, events.Event{
		Type:        events.TypeAssignmentsChanged,
		SprintIndex: res.SprintIndex,
		Assignments: res.Assignments,
		Changed:     res.Changed,
	})
}

// EndOfDay warns tomorrow's incoming and today's outgoing assignees on the
// last day of a sprint. It persists nothing except a per-day notice claim,
// so a re-run of the evening job stays silent instead of re-sending the same
// warnings.
func (c *Checks) EndOfDay(ctx context.Context) {
	defer c.recoverPanic(ctx, "end-of-day")

	now := c.now()
	sprints, err := c.storage.ListSprints(ctx)
	if err != nil {
		c.report(ctx, fmt.Sprintf("end-of-day check failed to load sprints: %v", err))
		return
	}
	current := rotation.CurrentSprint(sprints, now, c.loc, c.cutoverHour)
	if current == nil {
		c.logger.Info("end-of-day: no current sprint, nothing to do")
		return
	}

	local := now.In(c.loc)
	if !rotation.SameDate(local, current.EndDate) {
		return
	}
	next := rotation.NextSprint(sprints, current.Index)
	if next == nil {
		c.logger.WithField("sprint_index", current.Index).Info("end-of-day: no next sprint scheduled")
		return
	}

	lists, err := c.storage.RotationLists(ctx)
	if err != nil {
		c.report(ctx, fmt.Sprintf("end-of-day check failed to load rotation lists: %v", err))
		return
	}
	currentOverrides, err := c.storage.ApprovedOverrides(ctx, current.Index)
	if err != nil {
		c.report(ctx, fmt.Sprintf("end-of-day check failed to load overrides: %v", err))
		return
	}
	nextOverrides, err := c.storage.ApprovedOverrides(ctx, next.Index)
	if err != nil {
		c.report(ctx, fmt.Sprintf("end-of-day check failed to load overrides: %v", err))
		return
	}

	outgoing, err := rotation.Resolve(current.Index, lists, currentOverrides)
	if err != nil {
		c.report(ctx, fmt.Sprintf("end-of-day check failed to resolve sprint %d: %v", current.Index, err))
		return
	}
	incoming, err := rotation.Resolve(next.Index, lists, nextOverrides)
	if err != nil {
		c.report(ctx, fmt.Sprintf("end-of-day check failed to resolve sprint %d: %v", next.Index, err))
		return
	}

	noticeDate := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	warned := []string{}
	for _, discipline := range disciplineUnion(outgoing, incoming) {
		out := outgoing[discipline]
		in := incoming[discipline]
		if out == in {
			continue
		}
		claimed, err := c.storage.RecordHandoffNotice(ctx, current.Index, noticeDate, discipline)
		if err != nil {
			c.report(ctx, fmt.Sprintf("failed to claim handoff notice for %s: %v", discipline, err))
			continue
		}
		if !claimed {
			c.logger.WithField("discipline", discipline).Info("end-of-day: handoff notice already sent today")
			continue
		}
		if out != "" {
			text := fmt.Sprintf("Your on-call shift for %s ends tomorrow.", discipline)
			if err := c.dispatcher.SendDirectMessage(ctx, out, text); err != nil {
				c.report(ctx, fmt.Sprintf("failed to warn outgoing %s assignee %s: %v", discipline, out, err))
			}
		}
		if in != "" {
			text := fmt.Sprintf("Heads up: your on-call shift for %s starts tomorrow (sprint %d).", discipline, next.Index)
			if err := c.dispatcher.SendDirectMessage(ctx, in, text); err != nil {
				c.report(ctx, fmt.Sprintf("failed to warn incoming %s assignee %s: %v", discipline, in, err))
			}
		}
		warned = append(warned, discipline)
	}

	if len(warned) > 0 {
		c.publisher.Publish(ctx, events.Event{
			Type:        events.TypeHandoffWarning,
			SprintIndex: next.Index,
			Assignments: incoming,
			Changed:     warned,
		})
	}
}

func (c *Checks) recoverPanic(ctx context.Context, check string) {
	if r := recover(); r != nil {
		c.logger.WithField("check", check).Errorf("panic recovered: %v", r)
		c.report(ctx, fmt.Sprintf("%s check panicked: %v", check, r))
	}
}

func (c *Checks) report(ctx context.Context, message string) {
	c.logger.Error(message)
	if c.reporter != nil {
		c.reporter.ReportError(ctx, message)
	}
}

func assigneeSet(assignments rotation.Assignments) []string {
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

func disciplineUnion(a, b rotation.Assignments) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for d := range a {
		seen[d] = struct{}{}
	}
	for d := range b {
		seen[d] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
