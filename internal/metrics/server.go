package metrics

import (
	"errors"
	"net/http"
	"sort"

	"github.com/labstack/echo/v5"
)

// Server exposes the event files under a root directory read-only.
type Server struct {
	root string
}

func NewServer(root string) *Server {
	return &Server{root: root}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/runs", s.handleRuns)
	e.GET("/v1/scalars", s.handleTags)
	e.GET("/v1/scalars/series", s.handleSeries)
}

func writeError(c *echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]any{
		"error": map[string]string{"message": msg},
	})
}

func (s *Server) handleRuns(c *echo.Context) error {
	runs, err := Runs(s.root)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   runs,
	})
}

func (s *Server) loadRun(c *echo.Context) (map[string][]Point, error) {
	run := c.QueryParam("run")
	if run == "" {
		return nil, writeError(c, http.StatusBadRequest, "missing run parameter")
	}
	series, err := LoadRun(s.root, run)
	if errors.Is(err, ErrUnknownRun) {
		return nil, writeError(c, http.StatusNotFound, err.Error())
	}
	if err != nil {
		return nil, writeError(c, http.StatusInternalServerError, err.Error())
	}
	return series, nil
}

func (s *Server) handleTags(c *echo.Context) error {
	series, err := s.loadRun(c)
	if series == nil {
		return err
	}
	tags := make([]string, 0, len(series))
	for t := range series {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"run":    c.QueryParam("run"),
		"data":   tags,
	})
}

func (s *Server) handleSeries(c *echo.Context) error {
	tag := c.QueryParam("tag")
	if tag == "" {
		return writeError(c, http.StatusBadRequest, "missing tag parameter")
	}
	series, err := s.loadRun(c)
	if series == nil {
		return err
	}
	points, ok := series[tag]
	if !ok {
		return writeError(c, http.StatusNotFound, "unknown tag "+tag)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"object": "series",
		"run":    c.QueryParam("run"),
		"tag":    tag,
		"data":   points,
	})
}
