package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/guard"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/metrics"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/trainer"
)

// Router provides embeddable HTTP handlers for the training supervisor.
// Endpoints:
//
//	POST {basePath}/start   body: trainer Spec JSON (optional; empty body uses the configured spec)
//	POST {basePath}/stop    query: wait=5s (optional)
//	GET  {basePath}/status
//	GET  {basePath}/logs    query: n=50 (optional)
//	GET  {basePath}/healthz
//	GET  /metrics
//
// Start and stop are idempotent pass-throughs: a redundant request is a 200
// carrying the current status text, never an error.
type Router struct {
	sup      *trainer.Supervisor
	grd      *guard.Guard
	spec     trainer.Spec // default spec for body-less starts
	basePath string
}

// NewRouter constructs a Router. The guard may be nil when the import
// guard is disabled; healthz then skips the guard check.
func NewRouter(sup *trainer.Supervisor, grd *guard.Guard, spec trainer.Spec, basePath string) *Router {
	return &Router{sup: sup, grd: grd, spec: spec, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/status", r.handleStatus)
	group.GET("/logs", r.handleLogs)
	group.GET("/healthz", r.handleHealthz)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type textResp struct {
	State string `json:"state"`
	Text  string `json:"text"`
}

func (r *Router) handleStart(c *gin.Context) {
	spec := r.spec
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		var body trainer.Spec
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		} else if err == nil {
			if body.Name != "" && !isSafeName(body.Name) {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
				return
			}
			for field, p := range map[string]string{
				"work_dir": body.WorkDir,
				"pid_file": body.PIDFile,
				"log.dir":  body.Log.Dir,
				"log.path": body.Log.Path,
			} {
				if !isSafeAbsPath(p) {
					writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid " + field + ": must be absolute path without traversal"})
					return
				}
			}
			spec = body
		}
	}
	txt := r.sup.Start(spec)
	writeJSON(c, http.StatusOK, textResp{State: r.sup.State().String(), Text: txt})
}

func (r *Router) handleStop(c *gin.Context) {
	var wait time.Duration
	if w := c.Query("wait"); w != "" {
		d, err := time.ParseDuration(w)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait: " + err.Error()})
			return
		}
		wait = d
	}
	txt := r.sup.Stop(wait)
	writeJSON(c, http.StatusOK, textResp{State: r.sup.State().String(), Text: txt})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Status())
}

func (r *Router) handleLogs(c *gin.Context) {
	n := 50
	if q := c.Query("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid n: " + err.Error()})
			return
		}
		n = v
	}
	writeJSON(c, http.StatusOK, gin.H{"lines": r.sup.Logs(n)})
}

func (r *Router) handleHealthz(c *gin.Context) {
	guardOK := true
	if r.grd != nil {
		guardOK = r.grd.Verify()
	}
	writeJSON(c, http.StatusOK, gin.H{
		"ok":    true,
		"guard": guardOK,
		"state": r.sup.State().String(),
	})
}
