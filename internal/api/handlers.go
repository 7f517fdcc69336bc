package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/LeventeLantos/paired-messaging/internal/model"
	"github.com/LeventeLantos/paired-messaging/internal/queue"
	"github.com/LeventeLantos/paired-messaging/internal/repo"
	"github.com/LeventeLantos/paired-messaging/internal/scanner"
	"github.com/LeventeLantos/paired-messaging/internal/service"
)

// Switch is the start/stop surface of an interval scheduler.
type Switch interface {
	Start() bool
	Stop() bool
	IsRunning() bool
}

type ScheduledReader interface {
	Get(ctx context.Context, id string) (*model.ScheduledMessage, error)
	List(ctx context.Context, state model.State, limit, offset int) ([]model.ScheduledMessage, error)
	CountByState(ctx context.Context) (map[model.State]int64, error)
}

type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
	DeadLetters(ctx context.Context, limit int64) ([]queue.DeadLetter, error)
}

type PlannerRunner interface {
	Run(ctx context.Context) (int, error)
}

type RetentionRunner interface {
	Run(ctx context.Context) (int64, error)
}

type Deps struct {
	Scanner    Switch
	ScanStatus func() scanner.Status
	Store      ScheduledReader
	Queue      QueueInspector
	Planner    PlannerRunner
	Retention  RetentionRunner
	Consumer   func() service.Stats
	Log        *zap.Logger
}

type Handler struct {
	d Deps
}

func NewHandler(d Deps) *Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Handler{d: d}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) ScannerStatus(c *gin.Context) {
	body := gin.H{"running": h.d.Scanner.IsRunning()}
	if h.d.ScanStatus != nil {
		body["status"] = h.d.ScanStatus()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) ScannerStart(c *gin.Context) {
	h.d.Scanner.Start()
	c.JSON(http.StatusOK, gin.H{"running": h.d.Scanner.IsRunning()})
}

func (h *Handler) ScannerStop(c *gin.Context) {
	h.d.Scanner.Stop()
	c.JSON(http.StatusOK, gin.H{"running": h.d.Scanner.IsRunning()})
}

func (h *Handler) RunPlanner(c *gin.Context) {
	n, err := h.d.Planner.Run(c.Request.Context())
	if err != nil {
		h.internal(c, "planner run failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scheduled": n})
}

func (h *Handler) RunRetention(c *gin.Context) {
	n, err := h.d.Retention.Run(c.Request.Context())
	if err != nil {
		h.internal(c, "retention run failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *Handler) ListScheduled(c *gin.Context) {
	state := model.State(c.Query("state"))
	if state != "" && !state.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state " + strconv.Quote(string(state))})
		return
	}
	limit := parseInt(c.Query("limit"), 50)
	offset := parseInt(c.Query("offset"), 0)

	items, err := h.d.Store.List(c.Request.Context(), state, limit, offset)
	if err != nil {
		h.internal(c, "list scheduled failed", err)
		return
	}
	if items == nil {
		items = []model.ScheduledMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) GetScheduled(c *gin.Context) {
	m, err := h.d.Store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repo.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		h.internal(c, "get scheduled failed", err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) QueueStats(c *gin.Context) {
	st, err := h.d.Queue.Stats(c.Request.Context())
	if err != nil {
		h.internal(c, "queue stats failed", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) DeadLetters(c *gin.Context) {
	items, err := h.d.Queue.DeadLetters(c.Request.Context(), int64(parseInt(c.Query("limit"), 50)))
	if err != nil {
		h.internal(c, "dead letters failed", err)
		return
	}
	if items == nil {
		items = []queue.DeadLetter{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) Stats(c *gin.Context) {
	counts, err := h.d.Store.CountByState(c.Request.Context())
	if err != nil {
		h.internal(c, "count scheduled failed", err)
		return
	}
	body := gin.H{"scheduled": counts}
	if h.d.Consumer != nil {
		body["consumer"] = h.d.Consumer()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) internal(c *gin.Context, msg string, err error) {
	h.d.Log.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
