package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/instance"
	"github.com/zulandar/roundhouse/internal/jobs"
	"github.com/zulandar/roundhouse/internal/repository"
	"github.com/zulandar/roundhouse/internal/rights"
	"github.com/zulandar/roundhouse/internal/watchdog"
	"gopkg.in/yaml.v3"
)

type handlers struct {
	m              Manager
	schedules      Reloader
	log            zerolog.Logger
	streamInterval time.Duration
}

func registerRoutes(g *gin.RouterGroup, h *handlers) {
	g.GET("/instances", h.listInstances)
	g.POST("/instances", h.createInstance)
	g.GET("/instances/:id", h.getInstance)
	g.DELETE("/instances/:id", h.detachInstance)
	g.POST("/instances/:id/online", h.setOnline)

	g.POST("/instances/:id/start", h.start)
	g.POST("/instances/:id/stop", h.stop)
	g.POST("/instances/:id/restart", h.restart)
	g.POST("/instances/:id/dump", h.dump)
	g.GET("/instances/:id/watchdog", h.watchdog)

	g.POST("/instances/:id/deploy", h.deploy)
	g.POST("/instances/:id/testmerges", h.testMerges)

	g.GET("/instances/:id/jobs", h.listJobs)
	g.GET("/jobs/:id", h.getJob)
	g.DELETE("/jobs/:id", h.cancelJob)
	g.GET("/jobs/:id/events", h.jobEvents)
}

// fail writes err with the status it maps to.
func fail(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	status := http.StatusInternalServerError
	var conflict *jobs.ConflictError
	switch {
	case errors.Is(err, instance.ErrForbidden), errors.Is(err, jobs.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, instance.ErrNotFound), errors.Is(err, jobs.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &conflict):
		status = http.StatusConflict
		body["job_id"] = conflict.JobID
	case errors.Is(err, watchdog.ErrBusy), errors.Is(err, instance.ErrInUse), errors.Is(err, instance.ErrOffline),
		errors.Is(err, watchdog.ErrNotRunning), errors.Is(err, watchdog.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, instance.ErrClosed), errors.Is(err, jobs.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	c.AbortWithStatusJSON(status, body)
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid id " + strconv.Quote(c.Param("id"))})
		return 0, false
	}
	return uint(id), true
}

// accepted answers a command that started a job.
func accepted(c *gin.Context, hd *jobs.Handle, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	if hd == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.Header("Location", "/api/jobs/"+strconv.FormatUint(uint64(hd.Job.ID), 10))
	c.JSON(http.StatusAccepted, viewJob(hd.Job))
}

func (h *handlers) reload(ctx context.Context) {
	if h.schedules == nil {
		return
	}
	if err := h.schedules.Reload(ctx); err != nil {
		h.log.Warn().Err(err).Msg("reload schedules")
	}
}

func (h *handlers) listInstances(c *gin.Context) {
	insts, err := h.m.ListInstances(c.Request.Context(), callerOf(c))
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]instanceView, 0, len(insts))
	for _, i := range insts {
		out = append(out, viewInstance(i))
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) getInstance(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	inst, err := h.m.GetInstance(c.Request.Context(), id, callerOf(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewInstance(inst))
}

// createInstance takes an instance in its configuration file shape, as
// YAML or JSON.
func (h *handlers) createInstance(c *gin.Context) {
	var ic config.InstanceConfig
	dec := yaml.NewDecoder(c.Request.Body)
	dec.KnownFields(true)
	if err := dec.Decode(&ic); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "decode instance: " + err.Error()})
		return
	}
	ic.ApplyDefaults()
	if err := ic.Validate(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rows, err := db.RowsFromConfig(ic)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inst, err := h.m.CreateInstance(c.Request.Context(), rows, callerOf(c))
	if err != nil {
		fail(c, err)
		return
	}
	h.reload(c.Request.Context())
	c.JSON(http.StatusCreated, viewInstance(inst))
}

func (h *handlers) detachInstance(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.m.DetachInstance(c.Request.Context(), id, callerOf(c)); err != nil {
		fail(c, err)
		return
	}
	h.reload(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (h *handlers) setOnline(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var body struct {
		Online *bool `json:"online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hd, err := h.m.SetOnline(c.Request.Context(), id, *body.Online, callerOf(c))
	accepted(c, hd, err)
}

func (h *handlers) start(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	hd, err := h.m.StartInstance(c.Request.Context(), id, callerOf(c))
	accepted(c, hd, err)
}

// soft reads the ?soft query flag.
func soft(c *gin.Context) bool {
	v, _ := strconv.ParseBool(c.Query("soft"))
	return v
}

func (h *handlers) stop(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	hd, err := h.m.StopInstance(c.Request.Context(), id, soft(c), callerOf(c))
	accepted(c, hd, err)
}

func (h *handlers) restart(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	hd, err := h.m.RestartInstance(c.Request.Context(), id, soft(c), callerOf(c))
	accepted(c, hd, err)
}

func (h *handlers) dump(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	hd, err := h.m.CreateDump(c.Request.Context(), id, callerOf(c))
	accepted(c, hd, err)
}

func (h *handlers) watchdog(c *gin.Context) {
	id, ok := idParam(c)
	if !ok || !require(c, rights.TypeDreamDaemon, rights.DreamDaemonRead) {
		return
	}
	st, err := h.m.WatchdogStatus(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewWatchdog(st))
}

func (h *handlers) deploy(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	hd, err := h.m.Deploy(c.Request.Context(), id, callerOf(c))
	accepted(c, hd, err)
}

// testMerges replaces the active test merge set and deploys it. An empty
// list deploys the tracked reference alone.
func (h *handlers) testMerges(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var body []testMergeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	merges := make([]repository.TestMergeParameters, 0, len(body))
	for _, tm := range body {
		if tm.Number <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "test merge number must be positive"})
			return
		}
		merges = append(merges, repository.TestMergeParameters{
			Number:          tm.Number,
			TargetCommitSha: tm.TargetCommitSha,
			Comment:         tm.Comment,
		})
	}
	hd, err := h.m.UpdateTestMerges(c.Request.Context(), id, merges, callerOf(c))
	accepted(c, hd, err)
}

func (h *handlers) listJobs(c *gin.Context) {
	id, ok := idParam(c)
	if !ok || !require(c, rights.TypeInstanceManager, rights.InstanceRead) {
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	running, _ := strconv.ParseBool(c.Query("running"))
	list, err := h.m.ListJobs(c.Request.Context(), id, running, limit)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]jobView, 0, len(list))
	for _, j := range list {
		out = append(out, viewJob(j))
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) getJob(c *gin.Context) {
	id, ok := idParam(c)
	if !ok || !require(c, rights.TypeInstanceManager, rights.InstanceRead) {
		return
	}
	st, err := h.m.GetJobStatus(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewStatus(st))
}

func (h *handlers) cancelJob(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	job, err := h.m.CancelJob(c.Request.Context(), id, callerOf(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewJob(job))
}
