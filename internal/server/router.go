package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/stationd/internal/reconciler"
	"github.com/loykin/stationd/internal/session"
)

// Router provides embeddable HTTP handlers over a running session.
// Endpoints:
//   GET  {basePath}/batches                merged batch list
//   GET  {basePath}/batches/:id            merged single batch
//   GET  {basePath}/batches/:id/logs       recent log lines, query: n=...
//   POST {basePath}/batches/:id/start      start the batch's sequence
//   POST {basePath}/batches/:id/stop       stop the running sequence
//   POST {basePath}/subscribe              body: {"ids": [...]}
//   POST {basePath}/unsubscribe            body: {"ids": [...]}
//   GET  {basePath}/stats                  run counters
//   GET  {basePath}/connection             stream status, last seen, fallback
//   GET  {basePath}/settings               operator settings map
//   PUT  {basePath}/settings               body: {"key": "value", ...}
//   GET  {basePath}/healthz                liveness
// basePath may be empty or start with '/'; no trailing slash.

type Router struct {
	sess     *session.Session
	basePath string
}

// NewRouter constructs a Router with configurable basePath.
func NewRouter(sess *session.Session, basePath string) *Router {
	return &Router{sess: sess, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/batches", r.handleListBatches)
	group.GET("/batches/:id", r.handleGetBatch)
	group.GET("/batches/:id/logs", r.handleBatchLogs)
	group.POST("/batches/:id/start", r.handleStart)
	group.POST("/batches/:id/stop", r.handleStop)
	group.POST("/subscribe", r.handleSubscribe)
	group.POST("/unsubscribe", r.handleUnsubscribe)
	group.GET("/stats", r.handleStats)
	group.GET("/connection", r.handleConnection)
	group.GET("/settings", r.handleGetSettings)
	group.PUT("/settings", r.handlePutSettings)
	group.GET("/healthz", r.handleHealthz)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down via the returned http.Server.
func NewServer(addr, basePath string, sess *session.Session) (*http.Server, error) {
	r := NewRouter(sess, basePath)
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

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type idsBody struct {
	IDs []string `json:"ids"`
}

func (r *Router) handleListBatches(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sess.Batches())
}

func (r *Router) handleGetBatch(c *gin.Context) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid batch id"})
		return
	}
	b, err := r.sess.Batch(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "batch not found: " + id})
			return
		}
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, b)
}

func (r *Router) handleBatchLogs(c *gin.Context) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid batch id"})
		return
	}
	n := 50
	if raw := c.Query("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "n must be a positive integer"})
			return
		}
		n = v
	}
	lines := r.sess.Logs(id, n)
	if lines == nil {
		lines = []reconciler.LogLine{}
	}
	writeJSON(c, http.StatusOK, lines)
}

func (r *Router) handleStart(c *gin.Context) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid batch id"})
		return
	}
	if err := r.sess.StartRun(c.Request.Context(), id); err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid batch id"})
		return
	}
	if err := r.sess.StopRun(c.Request.Context(), id); err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleSubscribe(c *gin.Context) {
	var body idsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if len(body.IDs) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "ids required"})
		return
	}
	for _, id := range body.IDs {
		if !isSafeID(id) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid batch id: " + id})
			return
		}
	}
	r.sess.Subscribe(body.IDs)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleUnsubscribe(c *gin.Context) {
	var body idsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if len(body.IDs) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "ids required"})
		return
	}
	r.sess.Unsubscribe(body.IDs)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStats(c *gin.Context) {
	stats, err := r.sess.Stats(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, stats)
}

type connectionResp struct {
	Status         string    `json:"status"`
	LastSeen       time.Time `json:"last_seen"`
	FallbackActive bool      `json:"fallback_active"`
	Subscriptions  []string  `json:"subscriptions,omitempty"`
}

func (r *Router) handleConnection(c *gin.Context) {
	writeJSON(c, http.StatusOK, connectionResp{
		Status:         string(r.sess.ConnectionStatus()),
		LastSeen:       r.sess.LastSeen(),
		FallbackActive: r.sess.FallbackActive(),
		Subscriptions:  r.sess.Subscriptions(),
	})
}

func (r *Router) handleGetSettings(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sess.Settings())
}

func (r *Router) handlePutSettings(c *gin.Context) {
	var body map[string]string
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if len(body) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "no settings provided"})
		return
	}
	for k, v := range body {
		if err := r.sess.PutSetting(c.Request.Context(), k, v); err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
