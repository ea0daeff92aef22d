package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/sift/internal/model"
)

func (s *Server) handleCreateSource(c *gin.Context) {
	var src model.StreamingSource
	if err := c.ShouldBindJSON(&src); err != nil {
		badRequest(c, "invalid source body: "+err.Error())
		return
	}
	id, err := s.ctrl.CreateSource(c.Request.Context(), src)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"source_id": id})
}

func (s *Server) handleListSources(c *gin.Context) {
	sources := s.ctrl.ListSources(c.Query("project_id"))
	if sources == nil {
		sources = []model.StreamingSource{}
	}
	c.JSON(http.StatusOK, gin.H{"sources": sources})
}

func (s *Server) handleSourceStats(c *gin.Context) {
	stats, err := s.ctrl.GetStats(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleStopSource(c *gin.Context) {
	if err := s.ctrl.StopSource(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRestartSource(c *gin.Context) {
	if err := s.ctrl.RestartSource(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"source_id": c.Param("id"), "restarted": true})
}

func (s *Server) handleDeleteProject(c *gin.Context) {
	if err := s.ctrl.DeleteProject(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
