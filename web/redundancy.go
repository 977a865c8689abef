package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/deemkeen/fedtube/db"
	"github.com/deemkeen/fedtube/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type redundancyUpdate struct {
	RedundancyAllowed *bool `json:"redundancyAllowed" binding:"required"`
}

type RedundancyView struct {
	VideoURL  string    `json:"videoUrl"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) knownServer(c *gin.Context) (*domain.Server, bool) {
	server, err := s.deps.DB.ReadServerByHost(c.Request.Context(), c.Param("host"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Server " + c.Param("host") + " not found"})
		return nil, false
	}
	if err != nil {
		s.log.Error("Failed to read server", zap.String("host", c.Param("host")), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return nil, false
	}
	return server, true
}

// handleServerRedundancy shows whether a server may host our videos and the
// redundancy copies it announced.
func (s *Server) handleServerRedundancy(c *gin.Context) {
	server, ok := s.knownServer(c)
	if !ok {
		return
	}
	copies, err := s.deps.DB.ReadRedundanciesByServer(c.Request.Context(), server.Id)
	if err != nil {
		s.log.Error("Failed to read redundancies", zap.String("host", server.Host), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	views := make([]RedundancyView, 0, len(copies))
	for _, r := range copies {
		views = append(views, RedundancyView{VideoURL: r.VideoURL, State: r.State, CreatedAt: r.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{
		"host":              server.Host,
		"redundancyAllowed": server.RedundancyAllowed,
		"redundancies":      views,
	})
}

// handleUpdateServerRedundancy toggles redundancy for a server. Turning it
// off schedules removal of the copies the server holds.
func (s *Server) handleUpdateServerRedundancy(c *gin.Context) {
	var req redundancyUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "redundancyAllowed must be a boolean"})
		return
	}
	server, ok := s.knownServer(c)
	if !ok {
		return
	}

	allowed := *req.RedundancyAllowed
	if err := s.deps.DB.SetServerRedundancyAllowed(c.Request.Context(), server.Id, allowed); err != nil {
		s.log.Error("Failed to update redundancy", zap.String("host", server.Host), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	s.log.Info("Server redundancy updated", zap.String("host", server.Host), zap.Bool("allowed", allowed))
	if !allowed && s.deps.Cleanup != nil {
		s.deps.Cleanup.ScheduleRedundancyCleanup(server.Id)
	}
	c.Status(http.StatusNoContent)
}
