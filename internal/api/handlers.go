package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/middleware"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/monitoring"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Health check endpoint
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.store.Load(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// serveFeed returns the last rendered feed document
func (s *Server) serveFeed(c *gin.Context) {
	data, err := os.ReadFile(s.cfg.FeedPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Feed has not been generated yet"})
			return
		}
		s.logger.WarnWithErr("Failed to read feed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read feed"})
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", data)
}

// listEpisodes lists ledger records, optionally filtered by lifecycle status
func (s *Server) listEpisodes(c *gin.Context) {
	status := c.Query("status")
	switch status {
	case "", models.VideoStatusDiscovered, models.VideoStatusIngested, models.VideoStatusPublished:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown status " + status})
		return
	}

	limit, offset, ok := pagination(c)
	if !ok {
		return
	}

	st, err := s.store.Load(c.Request.Context())
	if err != nil {
		s.stateError(c, err)
		return
	}

	filtered := make([]models.VideoRecord, 0, len(st.Videos))
	for i := range st.Videos {
		if status == "" || st.Videos[i].Status() == status {
			filtered = append(filtered, st.Videos[i])
		}
	}

	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	c.JSON(http.StatusOK, gin.H{
		"episodes": filtered[offset:end],
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// getEpisode returns one record by ID
func (s *Server) getEpisode(c *gin.Context) {
	id := c.Param("id")

	st, err := s.store.Load(c.Request.Context())
	if err != nil {
		s.stateError(c, err)
		return
	}

	for i := range st.Videos {
		if st.Videos[i].ID == id {
			c.JSON(http.StatusOK, gin.H{
				"episode": st.Videos[i],
				"status":  st.Videos[i].Status(),
			})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "Episode not found"})
}

// listReleases returns per-batch totals rebuilt from published records
func (s *Server) listReleases(c *gin.Context) {
	st, err := s.store.Load(c.Request.Context())
	if err != nil {
		s.stateError(c, err)
		return
	}

	batches := models.BatchesFromRecords(st.Videos)
	if batches == nil {
		batches = []models.ReleaseBatch{}
	}
	c.JSON(http.StatusOK, gin.H{"releases": batches})
}

// getStatus summarizes the ledger
func (s *Server) getStatus(c *gin.Context) {
	st, err := s.store.Load(c.Request.Context())
	if err != nil {
		s.stateError(c, err)
		return
	}
	c.JSON(http.StatusOK, pipeline.NewStatusReport(st))
}

// getHealth reports the monitor's last snapshot. Critical maps to 503.
func (s *Server) getHealth(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Monitoring is not enabled"})
		return
	}
	health := s.monitor.Health()
	code := http.StatusOK
	if health == monitoring.HealthCritical {
		code = http.StatusServiceUnavailable
	}
	alerts := s.monitor.Alerts()
	if alerts == nil {
		alerts = []string{}
	}
	c.JSON(code, gin.H{
		"health":   health,
		"alerts":   alerts,
		"snapshot": s.monitor.Snapshot(),
	})
}

// getRuns reports the scheduler's recent activity
func (s *Server) getRuns(c *gin.Context) {
	if s.runner == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Runs are not enabled"})
		return
	}
	c.JSON(http.StatusOK, s.runner.Status())
}

// createRun starts a pipeline run in the background
func (s *Server) createRun(c *gin.Context) {
	if s.runner == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Runs are not enabled"})
		return
	}

	subject, _ := middleware.GetSubject(c)
	if !s.runner.TriggerAsync() {
		c.JSON(http.StatusConflict, gin.H{"error": "A run is already in progress"})
		return
	}

	s.logger.WithField("subject", subject).Info("Manual run requested")
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Run started",
		"status":  s.runner.Status(),
	})
}

func (s *Server) stateError(c *gin.Context, err error) {
	s.logger.ErrorWithErr("Failed to load state", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load state"})
}

// pagination parses limit and offset, writing a 400 on invalid values
func pagination(c *gin.Context) (int, int, bool) {
	limit := defaultPageSize
	offset := 0

	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return 0, 0, false
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}
