package server

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/camwarden/internal/metrics"
	"github.com/loykin/camwarden/internal/supervisor"
	"github.com/loykin/camwarden/internal/upload"
)

// Backend is what the daemon exposes over HTTP.
type Backend interface {
	Report(ctx context.Context) (Report, error)
	SyncUploads(ctx context.Context) (upload.PassResult, error)
}

// Router serves the status API.
// Endpoints:
//
//	GET  {basePath}/status       full daemon report
//	GET  {basePath}/windows      workload activations and whether they are open now
//	POST {basePath}/upload/sync  run one upload retry pass now
//	GET  /metrics                Prometheus exposition
//	GET  /healthz                liveness
type Router struct {
	backend  Backend
	basePath string
}

func NewRouter(b Backend, basePath string) *Router {
	return &Router{backend: b, basePath: cleanBase(basePath)}
}

// Handler returns a gin engine that can be mounted in any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, okResp{OK: true}) })
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/windows", r.handleWindows)
	group.POST("/upload/sync", r.handleUploadSync)
	return g
}

// NewServer starts a standalone HTTP server on addr. Shut it down with the
// returned server's Shutdown.
func NewServer(addr, basePath string, b Backend) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(b, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

func fail(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, errorResp{Error: err.Error()})
}

// cleanBase normalizes a mount prefix to "/a/b" form; empty means root.
func cleanBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	if p := path.Clean("/" + bp); p != "/" {
		return p
	}
	return ""
}

type okResp struct {
	OK bool `json:"ok"`
}

// Window is one workload's activation as seen now.
type Window struct {
	Workload   string    `json:"workload"`
	Activation string    `json:"activation"`
	Active     bool      `json:"active"`
	EndsAt     time.Time `json:"ends_at,omitzero"`
	State      string    `json:"state"`
}

func (r *Router) handleStatus(c *gin.Context) {
	rep, err := r.backend.Report(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (r *Router) handleWindows(c *gin.Context) {
	rep, err := r.backend.Report(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, windows(rep.Supervisor))
}

func windows(s supervisor.Snapshot) []Window {
	out := make([]Window, 0, len(s.Workloads))
	for _, w := range s.Workloads {
		out = append(out, Window{
			Workload:   w.Name,
			Activation: w.Activation,
			Active:     w.InWindow,
			EndsAt:     w.WindowEnd,
			State:      w.State,
		})
	}
	return out
}

func (r *Router) handleUploadSync(c *gin.Context) {
	res, err := r.backend.SyncUploads(c.Request.Context())
	if err != nil {
		fail(c, http.StatusServiceUnavailable, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
