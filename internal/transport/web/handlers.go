package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"spidersched/internal/status"
	"spidersched/internal/storage"

	"github.com/gin-gonic/gin"
)

const timeLayout = "2006-01-02 15:04:05"

type spiderRow struct {
	Spider    string
	Status    string
	Timestamp string
	NextTime  string
	Job       string
}

func spiderRows(m map[string]status.SpiderStatus) []spiderRow {
	names := status.SortedNames(m)
	rows := make([]spiderRow, 0, len(names))
	for _, n := range names {
		st := m[n]
		job := st.JobID
		if job == "" {
			job = "-"
		}
		rows = append(rows, spiderRow{
			Spider:    n,
			Status:    st.Phase.String(),
			Timestamp: fmtTime(st.Timestamp),
			NextTime:  fmtTime(st.NextFireTime),
			Job:       job,
		})
	}
	return rows
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(timeLayout)
}

func joinStrings(s []string, sep string) string { return strings.Join(s, sep) }

func (s *Server) projectParam(c *gin.Context) string {
	if p := strings.TrimSpace(c.Query("project")); p != "" {
		return p
	}
	if p := strings.TrimSpace(c.PostForm("project")); p != "" {
		return p
	}
	return s.config().DefaultProject
}

func (s *Server) home(c *gin.Context) {
	projects, err := s.ctrl.Projects(c.Request.Context())
	data := gin.H{
		"Title":    s.config().title(),
		"Projects": projects,
		"Host":     c.Request.Host,
		"Example":  "default",
	}
	if len(projects) > 0 {
		data["Example"] = projects[0]
	}
	if err != nil {
		data["Error"] = err.Error()
		_ = c.Error(err)
	}
	c.HTML(http.StatusOK, "home", data)
}

func (s *Server) spidersPage(c *gin.Context) {
	project := s.projectParam(c)
	data := gin.H{"Title": s.config().title(), "Project": project}
	if project == "" {
		data["Error"] = "no project given; use ?project=NAME"
		c.HTML(http.StatusBadRequest, "spiders", data)
		return
	}
	data["Rows"] = spiderRows(s.ctrl.Query(c.Request.Context(), project))
	c.HTML(http.StatusOK, "spiders", data)
}

func (s *Server) installPage(c *gin.Context) {
	project := s.projectParam(c)
	if project == "" {
		c.HTML(http.StatusBadRequest, "spiders", gin.H{
			"Title":   s.config().title(),
			"Project": "",
			"Error":   "no project given; use ?project=NAME",
		})
		return
	}
	res := s.ctrl.Install(c.Request.Context(), project)
	code := http.StatusOK
	if res.Error != "" {
		code = http.StatusBadRequest
	}
	c.HTML(code, "installed", gin.H{"Title": s.config().title(), "Result": res})
}

func (s *Server) apiProjects(c *gin.Context) {
	projects, err := s.ctrl.Projects(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if projects == nil {
		projects = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) apiSpiders(c *gin.Context) {
	project := c.Param("project")
	c.JSON(http.StatusOK, gin.H{
		"project": project,
		"spiders": s.ctrl.Query(c.Request.Context(), project),
	})
}

func (s *Server) apiInstall(c *gin.Context) {
	res := s.ctrl.Install(c.Request.Context(), c.Param("project"))
	if res.Error != "" {
		c.JSON(http.StatusBadRequest, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) apiUninstall(c *gin.Context) {
	project := c.Param("project")
	c.JSON(http.StatusOK, gin.H{"project": project, "removed": s.ctrl.Uninstall(project)})
}

func (s *Server) apiRefresh(c *gin.Context) {
	project := c.Param("project")
	spiders, err := s.ctrl.Refresh(c.Request.Context(), project)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{"project": project, "error": err.Error()})
		return
	}
	if spiders == nil {
		spiders = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"project": project, "spiders": spiders})
}

func (s *Server) apiTimers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"timers": s.ctrl.Timers(c.Query("project"))})
}

func (s *Server) apiTriggers(c *gin.Context) {
	limit := defaultTriggersLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxTriggersLimit)
	}

	recs, err := s.ctrl.Triggers(c.Request.Context(), c.Query("project"), limit)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		c.JSON(http.StatusNotFound, gin.H{"error": "trigger history is disabled"})
		return
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []storage.TriggerRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"triggers": recs})
}

func (s *Server) healthz(c *gin.Context) {
	comps := make(gin.H, len(s.health))
	for name, fn := range s.health {
		comps[name] = fn()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"time":       time.Now().UTC(),
		"components": comps,
	})
}
