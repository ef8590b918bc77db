package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"rotation-service/internal/db"
	"rotation-service/internal/models"
	"rotation-service/internal/pipeline"
	"rotation-service/internal/rotation"
	"rotation-service/internal/state"
)

// Store is the slice of the database layer the HTTP handlers use. *db.DB
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	ListSprints(ctx context.Context) ([]models.Sprint, error)
	GetSprintByIndex(ctx context.Context, index int) (models.Sprint, error)
	CreateSprint(ctx context.Context, in models.SprintCreate) (models.Sprint, error)
	UpdateSprint(ctx context.Context, index int, in models.SprintUpdate) (models.Sprint, error)
	ListSprintEdits(ctx context.Context, index int) ([]models.SprintEdit, error)
	CreateOverride(ctx context.Context, in models.OverrideCreate) (models.Override, error)
	GetOverride(ctx context.Context, id string) (models.Override, error)
	ListOverrides(ctx context.Context, sprintIndex int) ([]models.Override, error)
	ApprovedOverrides(ctx context.Context, sprintIndex int) ([]models.Override, error)
	ApproveOverride(ctx context.Context, id string, in models.OverrideApprove) (models.Override, error)
	ListSnapshots(ctx context.Context, limit int) ([]models.NotificationSnapshot, error)
}

// StateStore serves the persisted on-call record, the cached rotation lists,
// and heals the record on demand. *state.Store satisfies it.
type StateStore interface {
	Read(ctx context.Context) (models.CurrentState, error)
	Lists(ctx context.Context) ([]rotation.List, error)
	Reconcile(ctx context.Context) (state.Result, error)
}

// Runner executes one notification pipeline pass. *pipeline.Pipeline
// satisfies it.
type Runner interface {
	Run(ctx context.Context, trigger models.TriggerContext) (pipeline.Outcome, error)
}

// Announcer pushes a confirmed state change out to the chat platform.
// *scheduler.Checks satisfies it; nil disables the push.
type Announcer interface {
	AnnounceChanges(ctx context.Context, res state.Result)
}

type Handler struct {
	store     Store
	state     StateStore
	pipeline  Runner
	announcer Announcer
	stream    *Stream
	logger    *logrus.Logger
}

func NewHandler(store Store, st StateStore, p Runner, announcer Announcer, stream *Stream, logger *logrus.Logger) *Handler {
	return &Handler{
		store:     store,
		state:     st,
		pipeline:  p,
		announcer: announcer,
		stream:    stream,
		logger:    logger,
	}
}

// NotifyRotation is the signed webhook the external scheduler fires. An
// empty body is a valid trigger with no scheduling context. The pipeline
// decides delivered, skipped or deferred; all three answer 202 and the body
// says which.
func (h *Handler) NotifyRotation(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Errorf("Failed to read webhook body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	var trigger models.TriggerContext
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &trigger); err != nil {
			h.logger.Errorf("Malformed webhook payload: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	out, err := h.pipeline.Run(c.Request.Context(), trigger)
	if err != nil {
		reason := out.Reason
		if reason == "" {
			reason = "notification pipeline failed"
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": reason})
		return
	}

	if out.Status == models.DeliveryDelivered && !out.Replayed {
		h.broadcastSchedule(c.Request.Context())
	}
	c.JSON(http.StatusAccepted, out)
}

// GetCurrentSchedule returns the persisted on-call record, not a live
// recomputation. 404 until the first reconcile has written.
func (h *Handler) GetCurrentSchedule(c *gin.Context) {
	current, err := h.state.Read(c.Request.Context())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No on-call state recorded yet"})
			return
		}
		h.logger.Errorf("Failed to read current state: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read current schedule"})
		return
	}
	c.JSON(http.StatusOK, current)
}

// GetSprintAssignments resolves who would be on call for an arbitrary
// sprint, approved overrides included. Read-only; it never touches the
// persisted state.
func (h *Handler) GetSprintAssignments(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sprint index"})
		return
	}
	ctx := c.Request.Context()

	sprint, err := h.store.GetSprintByIndex(ctx, index)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Sprint not found"})
			return
		}
		h.logger.Errorf("Failed to get sprint %d: %v", index, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve sprint assignments"})
		return
	}
	lists, err := h.state.Lists(ctx)
	if err != nil {
		h.logger.Errorf("Failed to load rotation lists: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve sprint assignments"})
		return
	}
	overrides, err := h.store.ApprovedOverrides(ctx, index)
	if err != nil {
		h.logger.Errorf("Failed to load overrides for sprint %d: %v", index, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve sprint assignments"})
		return
	}
	assignments, err := rotation.Resolve(index, lists, overrides)
	if err != nil {
		h.logger.Errorf("Failed to resolve sprint %d: %v", index, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve sprint assignments"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sprint": sprint, "assignments": assignments})
}

func (h *Handler) ListSprints(c *gin.Context) {
	sprints, err := h.store.ListSprints(c.Request.Context())
	if err != nil {
		h.logger.Errorf("Failed to list sprints: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sprints"})
		return
	}
	c.JSON(http.StatusOK, sprints)
}

func (h *Handler) CreateSprint(c *gin.Context) {
	var in models.SprintCreate
	if err := c.ShouldBindJSON(&in); err != nil {
		h.logger.Errorf("Invalid request body for sprint: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	sprint, err := h.store.CreateSprint(c.Request.Context(), in)
	if err != nil {
		if errors.Is(err, db.ErrInvalid) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Errorf("Failed to create sprint: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create sprint"})
		return
	}

	h.logger.Infof("Created sprint %d (%s)", sprint.Index, sprint.Name)
	c.JSON(http.StatusCreated, sprint)
}

func (h *Handler) GetSprint(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sprint index"})
		return
	}
	sprint, err := h.store.GetSprintByIndex(c.Request.Context(), index)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Sprint not found"})
			return
		}
		h.logger.Errorf("Failed to get sprint %d: %v", index, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get sprint"})
		return
	}
	c.JSON(http.StatusOK, sprint)
}

// UpdateSprint edits a sprint window. Sprints are never deleted; every edit
// needs an author and a reason and lands in the audit log.
func (h *Handler) UpdateSprint(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sprint index"})
		return
	}
	var in models.SprintUpdate
	if err := c.ShouldBindJSON(&in); err != nil {
		h.logger.Errorf("Invalid request body for sprint update: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	sprint, err := h.store.UpdateSprint(c.Request.Context(), index, in)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Sprint not found"})
		case errors.Is(err, db.ErrInvalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Errorf("Failed to update sprint %d: %v", index, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update sprint"})
		}
		return
	}

	h.logger.Infof("Updated sprint %d (%s)", sprint.Index, in.Reason)
	c.JSON(http.StatusOK, sprint)
}

func (h *Handler) ListSprintEdits(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sprint index"})
		return
	}
	edits, err := h.store.ListSprintEdits(c.Request.Context(), index)
	if err != nil {
		h.logger.Errorf("Failed to list edits for sprint %d: %v", index, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sprint edits"})
		return
	}
	c.JSON(http.StatusOK, edits)
}

func (h *Handler) ListSprintOverrides(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sprint index"})
		return
	}
	overrides, err := h.store.ListOverrides(c.Request.Context(), index)
	if err != nil {
		h.logger.Errorf("Failed to list overrides for sprint %d: %v", index, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list overrides"})
		return
	}
	c.JSON(http.StatusOK, overrides)
}

// disciplineView is the read shape for one discipline's rotation list.
type disciplineView struct {
	Discipline string                  `json:"discipline"`
	Name       string                  `json:"name"`
	Fallback   string                  `json:"fallback_user_id,omitempty"`
	Members    []models.RotationMember `json:"members"`
}

func (h *Handler) ListDisciplines(c *gin.Context) {
	lists, err := h.state.Lists(c.Request.Context())
	if err != nil {
		h.logger.Errorf("Failed to load rotation lists: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list disciplines"})
		return
	}
	views := make([]disciplineView, 0, len(lists))
	for _, l := range lists {
		views = append(views, disciplineView{Discipline: l.Discipline, Name: l.Name, Fallback: l.Fallback, Members: l.Members})
	}
	c.JSON(http.StatusOK, views)
}

func (h *Handler) CreateOverride(c *gin.Context) {
	var in models.OverrideCreate
	if err := c.ShouldBindJSON(&in); err != nil {
		h.logger.Errorf("Invalid request body for override: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	o, err := h.store.CreateOverride(c.Request.Context(), in)
	if err != nil {
		h.logger.Errorf("Failed to create override: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create override"})
		return
	}

	h.logger.Infof("Created override %s for sprint %d/%s", o.ID, o.SprintIndex, o.Discipline)
	c.JSON(http.StatusCreated, o)
}

func (h *Handler) GetOverride(c *gin.Context) {
	id := c.Param("id")
	o, err := h.store.GetOverride(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Override not found"})
		case errors.Is(err, db.ErrInvalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Errorf("Failed to get override %s: %v", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get override"})
		}
		return
	}
	c.JSON(http.StatusOK, o)
}

// ApproveOverride approves a pending swap. A standing approved override for
// the same sprint and discipline answers 409 unless the request supersedes
// it. A current-sprint approval takes effect immediately through a reconcile
// rather than waiting for the next scheduled check.
func (h *Handler) ApproveOverride(c *gin.Context) {
	id := c.Param("id")
	var in models.OverrideApprove
	if err := c.ShouldBindJSON(&in); err != nil {
		h.logger.Errorf("Invalid request body for override approval: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	o, err := h.store.ApproveOverride(c.Request.Context(), id, in)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Override not found"})
		case errors.Is(err, db.ErrInvalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, db.ErrDuplicateApproval):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			h.logger.Errorf("Failed to approve override %s: %v", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to approve override"})
		}
		return
	}

	h.logger.Infof("Approved override %s for sprint %d/%s", o.ID, o.SprintIndex, o.Discipline)
	h.applyApprovedOverride(c.Request.Context(), o)
	c.JSON(http.StatusOK, o)
}

// applyApprovedOverride heals the persisted state right after an approval.
// The reconcile only writes when the override touches the current sprint, so
// future-sprint approvals fall through silently. Failures here never fail
// the approval itself.
func (h *Handler) applyApprovedOverride(ctx context.Context, o models.Override) {
	res, err := h.state.Reconcile(ctx)
	if err != nil {
		h.logger.Errorf("Reconcile after approving override %s failed: %v", o.ID, err)
		return
	}
	if res.NoSprint || !res.Wrote {
		return
	}
	if h.announcer != nil {
		h.announcer.AnnounceChanges(ctx, res)
	}
	h.broadcastSchedule(ctx)
}

func (h *Handler) ListSnapshots(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = parsed
	}
	snapshots, err := h.store.ListSnapshots(c.Request.Context(), limit)
	if err != nil {
		h.logger.Errorf("Failed to list snapshots: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list snapshots"})
		return
	}
	c.JSON(http.StatusOK, snapshots)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// broadcastSchedule pushes the freshest persisted state to live stream
// clients. Best effort; a read failure only costs the push.
func (h *Handler) broadcastSchedule(ctx context.Context) {
	if h.stream == nil {
		return
	}
	current, err := h.state.Read(ctx)
	if err != nil {
		h.logger.Errorf("Failed to read state for stream broadcast: %v", err)
		return
	}
	h.stream.Broadcast(current)
}
