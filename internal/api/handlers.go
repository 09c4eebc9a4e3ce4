package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pagesmith/internal/logging"
	"pagesmith/internal/pipeline"
	"pagesmith/internal/request"
	"pagesmith/internal/taskstore"
)

// Handlers carries the collaborators the HTTP layer needs.
type Handlers struct {
	validator *request.Validator
	decoder   *request.Decoder
	orch      *pipeline.Orchestrator
	store     *taskstore.Store
	version   string
}

// NewHandlers wires the handler set.
func NewHandlers(validator *request.Validator, decoder *request.Decoder, orch *pipeline.Orchestrator, store *taskstore.Store, version string) *Handlers {
	return &Handlers{
		validator: validator,
		decoder:   decoder,
		orch:      orch,
		store:     store,
		version:   version,
	}
}

// Root answers the liveness banner.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "pagesmith",
		"version": h.version,
		"status":  "ok",
	})
}

// Health is the readiness probe: it answers only if the task store does.
func (h *Handlers) Health(c *gin.Context) {
	if _, err := h.store.List(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "task store unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Build is the intake endpoint. It authenticates, validates, decodes
// attachments, and admits the run; the build itself proceeds asynchronously
// and reports through the evaluation callback.
func (h *Handlers) Build(c *gin.Context) {
	var req request.BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	log := logging.L().With(zap.String("task", req.Task), zap.Int("round", req.Round))

	if err := h.validator.Validate(c.Request.Context(), &req); err != nil {
		switch {
		case errors.Is(err, request.ErrAuth):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
		case errors.Is(err, request.ErrReplay):
			// A replayed nonce is acknowledged without re-running anything.
			log.Info("replayed request acknowledged", zap.String("nonce", req.Nonce))
			c.JSON(http.StatusOK, gin.H{
				"status": "replayed",
				"task":   req.Task,
				"round":  req.Round,
			})
		case errors.Is(err, request.ErrSchema):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			log.Error("request validation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	attachments, err := h.decoder.Decode(req.Attachments)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.orch.Submit(c.Request.Context(), &req, attachments); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrBusy):
			c.JSON(http.StatusConflict, gin.H{
				"status": "in_progress",
				"error":  "a round for this task is already running",
			})
		case errors.Is(err, pipeline.ErrOverloaded), errors.Is(err, pipeline.ErrShuttingDown):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service at capacity, retry later"})
		default:
			log.Error("run admission failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	log.Info("build accepted")
	c.JSON(http.StatusOK, gin.H{
		"status": "accepted",
		"task":   req.Task,
		"round":  req.Round,
	})
}

// taskView is the operator-facing projection of a task row.
type taskView struct {
	Task      string `json:"task"`
	RepoURL   string `json:"repo_url,omitempty"`
	PagesURL  string `json:"pages_url,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
	Round     int    `json:"latest_round"`
	State     string `json:"state,omitempty"`
	Error     string `json:"error,omitempty"`
}

func viewOf(t *taskstore.Task) taskView {
	return taskView{
		Task:      t.TaskID,
		RepoURL:   t.RepoURL,
		PagesURL:  t.PagesURL,
		CommitSHA: t.LatestCommitSHA,
		Round:     t.LatestRound,
		State:     t.LastState,
		Error:     t.LastError,
	}
}

// GetTask returns the stored state of one task.
func (h *Handlers) GetTask(c *gin.Context) {
	task, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, viewOf(task))
}

// ListTasks returns every known task, newest first.
func (h *Handlers) ListTasks(c *gin.Context) {
	tasks, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	views := make([]taskView, 0, len(tasks))
	for i := range tasks {
		views = append(views, viewOf(&tasks[i]))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": views, "count": len(views)})
}
