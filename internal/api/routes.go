package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/circle-free/graffiti/internal/dag"
	"github.com/circle-free/graffiti/internal/wall"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type nameRequest struct {
	Name string `json:"name" binding:"required"`
}

type switchRequest struct {
	ID string `json:"id" binding:"required"`
}

type pathRequest struct {
	// Payload is opaque; JSON carries it base64 encoded.
	Payload []byte `json:"payload" binding:"required"`
}

type pathResponse struct {
	Path   dag.PathRecord `json:"path"`
	Synced bool           `json:"synced"`
	Error  string         `json:"error,omitempty"`
}

func (s *Server) registerRoutes() {
	r := s.router

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.appeared).String(),
			"peer":   s.b.ID(),
			"wall":   s.b.CurrentWall().ID,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/peer", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": s.b.ID(), "display_name": s.b.DisplayName()})
	})
	r.PUT("/peer/name", s.rename)
	r.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"peers": s.b.Peers()})
	})

	r.GET("/walls", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"current": s.b.CurrentWall().ID, "walls": s.b.ListWalls()})
	})
	r.POST("/walls", s.createWall)
	r.PUT("/walls/current", s.setWall)
	r.GET("/walls/:id/paths", s.paths)
	r.POST("/walls/:id/snapshot", s.snapshot)
	r.DELETE("/walls/:id", s.deleteWall)

	r.POST("/paths", s.addPath)
	r.GET("/events", s.events)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, wall.ErrWallNotFound):
		return http.StatusNotFound
	case errors.Is(err, wall.ErrCurrentWall):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

func (s *Server) rename(c *gin.Context) {
	var req nameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.b.Rename(c.Request.Context(), req.Name)
	resp := gin.H{"display_name": s.b.DisplayName(), "synced": err == nil}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) createWall(c *gin.Context) {
	var req nameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	info, err := s.b.CreateWall(c.Request.Context(), req.Name)
	resp := gin.H{"wall": info, "synced": err == nil}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) setWall(c *gin.Context) {
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	recs, err := s.b.SetWall(c.Request.Context(), req.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wall": s.b.CurrentWall(), "paths": nonNil(recs)})
}

func (s *Server) paths(c *gin.Context) {
	recs, err := s.b.Paths(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paths": nonNil(recs)})
}

func (s *Server) snapshot(c *gin.Context) {
	cid, err := s.b.SnapshotWall(c.Request.Context(), c.Param("id"))
	if cid == "" && err != nil {
		s.fail(c, err)
		return
	}
	resp := gin.H{"content_id": cid, "synced": err == nil}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) deleteWall(c *gin.Context) {
	if err := s.b.DeleteWall(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) addPath(c *gin.Context) {
	var req pathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.b.AddPath(c.Request.Context(), req.Payload)
	if rec.ID == "" && err != nil {
		s.fail(c, err)
		return
	}
	resp := pathResponse{Path: rec, Synced: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusCreated, resp)
}

// events streams bus events as server-sent events until the client leaves.
func (s *Server) events(c *gin.Context) {
	ch, cancel := s.b.Subscribe(64)
	defer cancel()
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Kind.String(), ev)
			return true
		}
	})
}

func nonNil(recs []dag.PathRecord) []dag.PathRecord {
	if recs == nil {
		return []dag.PathRecord{}
	}
	return recs
}
