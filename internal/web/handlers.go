package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/calmirror/calmirror/internal/config"
	"github.com/calmirror/calmirror/internal/db"
	"github.com/calmirror/calmirror/internal/orchestrator"
)

// Triggerer is the scheduler surface the API needs.
type Triggerer interface {
	TriggerSync(opts orchestrator.Options) bool
	TriggerBackup() (string, error)
	LastBatch() *orchestrator.BatchResult
}

// Handlers holds the request handlers for the supervisory API.
type Handlers struct {
	cfg       *config.Config
	history   *db.DB
	trigger   Triggerer
	startedAt time.Time
}

func NewHandlers(cfg *config.Config, history *db.DB, trigger Triggerer) *Handlers {
	return &Handlers{
		cfg:       cfg,
		history:   history,
		trigger:   trigger,
		startedAt: time.Now(),
	}
}

// HealthCheck reports process liveness.
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// Status reports the configured mappings and the most recent batch.
func (h *Handlers) Status(c *gin.Context) {
	mappings := h.cfg.ResolveMappings()
	summaries := make([]gin.H, 0, len(mappings))
	for _, mapping := range mappings {
		summary := gin.H{
			"id":               mapping.ID,
			"source_calendars": mapping.SourceCalendars,
			"target_calendar":  mapping.TargetCalendar,
		}
		if last, err := h.history.LastCycle(mapping.ID); err == nil {
			summary["last_cycle"] = last
		} else if !errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read cycle history"})
			return
		}
		summaries = append(summaries, summary)
	}

	c.JSON(http.StatusOK, gin.H{
		"uptime":        time.Since(h.startedAt).Round(time.Second).String(),
		"sync_interval": h.cfg.SyncInterval().String(),
		"mappings":      summaries,
		"last_batch":    h.trigger.LastBatch(),
	})
}

// Cycles returns recent cycle history across all mappings.
func (h *Handlers) Cycles(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and 500"})
			return
		}
		limit = parsed
	}

	logs, err := h.history.ListRecentCycles(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read cycle history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": logs})
}

type syncRequest struct {
	Force     bool     `json:"force"`
	Calendars []string `json:"calendars"`
}

// TriggerSync starts a batch outside the schedule.
func (h *Handlers) TriggerSync(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	started := h.trigger.TriggerSync(orchestrator.Options{
		ForceResync: req.Force,
		Calendars:   req.Calendars,
	})
	if !started {
		c.JSON(http.StatusConflict, gin.H{"error": "a sync batch is already running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Sync triggered"})
}

// TriggerBackup writes a snapshot outside the schedule.
func (h *Handlers) TriggerBackup(c *gin.Context) {
	path, err := h.trigger.TriggerBackup()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": path})
}
