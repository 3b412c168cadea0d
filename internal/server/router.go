package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ravel-hq/stackd/internal/metrics"
	"github.com/ravel-hq/stackd/internal/orchestrator"
)

// Router exposes the orchestrator control surface over HTTP.
// All failures are converted into structured responses at this layer;
// no fault escapes to the caller as anything but JSON.
type Router struct {
	orc      *orchestrator.Orchestrator
	basePath string
}

// NewRouter constructs a Router with a configurable base path
// (e.g. "/api" yields /api/status-all).
func NewRouter(orc *orchestrator.Orchestrator, basePath string) *Router {
	return &Router{orc: orc, basePath: sanitizeBase(basePath)}
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimSuffix(bp, "/")
}

// Handler returns an http.Handler that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status-all", r.handleStatusAll)
	group.GET("/services/:id/status", r.handleServiceStatus)
	group.GET("/services/:id/processes", r.handleServiceProcesses)
	group.GET("/services/:id/kill-status", r.handleKillStatus)
	group.GET("/services/:id/logs", r.handleServiceLogs)
	group.POST("/services/:id/actions", r.handleServiceAction)
	group.POST("/services/:id/kill", r.handleServiceKill)
	group.POST("/services/batch/start", r.handleBatchStart)
	group.POST("/services/batch/stop", r.handleBatchStop)
	group.POST("/restart", r.handleFullRestart)
	group.GET("/registry", r.handleRegistry)
	group.GET("/health", r.handleHealth)
	group.GET("/events", r.handleEvents)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, orc *orchestrator.Orchestrator) (*http.Server, error) {
	r := NewRouter(orc, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- response shapes ---

type actionResp struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Managed string `json:"managed,omitempty"`
}

func writeActionErr(c *gin.Context, err error) {
	resp := actionResp{Success: false, Error: err.Error()}
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, orchestrator.ErrUnknownService):
		status = http.StatusNotFound
		resp.Code = "unknown_service"
	case errors.Is(err, orchestrator.ErrExternallyManaged):
		status = http.StatusConflict
		resp.Code = "externally_managed"
		resp.Managed = "external"
	case errors.Is(err, orchestrator.ErrActionInFlight),
		errors.Is(err, orchestrator.ErrAlreadyActive):
		status = http.StatusConflict
		resp.Code = "conflict"
	case errors.Is(err, orchestrator.ErrDependencyNotReady):
		resp.Code = "dependency_not_ready"
	default:
		resp.Code = "action_failed"
	}
	c.JSON(status, resp)
}

// --- handlers ---

func (r *Router) handleStatusAll(c *gin.Context) {
	c.JSON(http.StatusOK, r.orc.StatusAll())
}

func (r *Router) handleServiceStatus(c *gin.Context) {
	st, err := r.orc.Status(c.Param("id"))
	if err != nil {
		writeActionErr(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (r *Router) handleServiceProcesses(c *gin.Context) {
	pi, err := r.orc.ProcessStatus(c.Param("id"))
	if err != nil {
		writeActionErr(c, err)
		return
	}
	c.JSON(http.StatusOK, pi)
}

func (r *Router) handleKillStatus(c *gin.Context) {
	ki, err := r.orc.KillStatus(c.Param("id"))
	if err != nil {
		writeActionErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ki)
}

func (r *Router) handleServiceLogs(c *gin.Context) {
	lines := 100
	if s := c.Query("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, actionResp{
				Success: false, Error: "lines must be between 1 and 1000", Code: "bad_request"})
			return
		}
		lines = n
	}
	stdout, stderr, err := r.orc.Logs(c.Param("id"), lines)
	if err != nil {
		writeActionErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stdout": stdout, "stderr": stderr})
}

type actionReq struct {
	Action string `json:"action"`
}

func (r *Router) handleServiceAction(c *gin.Context) {
	var req actionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, actionResp{
			Success: false, Error: "invalid JSON: " + err.Error(), Code: "bad_request"})
		return
	}
	id := c.Param("id")
	var err error
	switch req.Action {
	case "start":
		err = r.orc.StartService(id)
	case "stop":
		err = r.orc.StopService(id)
	case "restart":
		err = r.orc.RestartService(id)
	case "resetCircuit":
		err = r.orc.ResetCircuitBreaker(id)
	case "cleanup":
		err = r.orc.CleanupService(id)
	default:
		c.JSON(http.StatusBadRequest, actionResp{
			Success: false, Error: "unknown action: " + req.Action, Code: "bad_request"})
		return
	}
	if err != nil {
		writeActionErr(c, err)
		return
	}
	c.JSON(http.StatusOK, actionResp{Success: true})
}

type killReq struct {
	Force bool `json:"force"`
}

func (r *Router) handleServiceKill(c *gin.Context) {
	var req killReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, actionResp{
				Success: false, Error: "invalid JSON: " + err.Error(), Code: "bad_request"})
			return
		}
	}
	if err := r.orc.KillProcess(c.Param("id"), req.Force); err != nil {
		writeActionErr(c, err)
		return
	}
	c.JSON(http.StatusOK, actionResp{Success: true})
}

type batchReq struct {
	ServiceIDs []string `json:"serviceIds"`
}

func (r *Router) handleBatchStart(c *gin.Context) {
	var req batchReq
	if err := c.ShouldBindJSON(&req); err != nil || len(req.ServiceIDs) == 0 {
		c.JSON(http.StatusBadRequest, actionResp{
			Success: false, Error: "serviceIds required", Code: "bad_request"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": r.orc.StartBatch(req.ServiceIDs)})
}

func (r *Router) handleBatchStop(c *gin.Context) {
	var req batchReq
	if err := c.ShouldBindJSON(&req); err != nil || len(req.ServiceIDs) == 0 {
		c.JSON(http.StatusBadRequest, actionResp{
			Success: false, Error: "serviceIds required", Code: "bad_request"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": r.orc.StopBatch(req.ServiceIDs)})
}

// handleFullRestart responds before performing the disruptive reload.
func (r *Router) handleFullRestart(c *gin.Context) {
	r.orc.ScheduleFullRestart()
	c.JSON(http.StatusAccepted, actionResp{Success: true})
}

func (r *Router) handleRegistry(c *gin.Context) {
	c.JSON(http.StatusOK, r.orc.Registry().All())
}

func (r *Router) handleHealth(c *gin.Context) {
	agg := r.orc.StatusAll()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"total":   agg.Total,
		"running": agg.Running,
		"healthy": agg.Healthy,
	})
}

// handleEvents streams orchestrator events as server-sent events. Slow
// consumers are dropped rather than allowed to backpressure the
// orchestrator.
func (r *Router) handleEvents(c *gin.Context) {
	ch := make(chan orchestrator.Event, 64)
	cancel := r.orc.Subscribe(orchestrator.ObserverFunc(func(e orchestrator.Event) {
		select {
		case ch <- e:
		default:
		}
	}))
	defer cancel()
	c.Stream(func(w io.Writer) bool {
		select {
		case e := <-ch:
			c.SSEvent(string(e.Type), e)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
