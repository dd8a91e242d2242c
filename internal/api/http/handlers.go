package http

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/cowfork/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/cowfork/internal/kernel"
	"github.com/GriffinCanCode/cowfork/internal/sieve"
)

// MaxSieveLimit caps the limit accepted by POST /sieve.
const MaxSieveLimit = 10000

// Handlers serves the inspection API of one machine.
type Handlers struct {
	kernel  *kernel.Kernel
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewHandlers creates the handlers. metrics and logger may be nil.
func NewHandlers(k *kernel.Kernel, metrics *monitoring.Metrics, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{kernel: k, metrics: metrics, logger: logger}
}

// Register attaches every route to r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/envs", h.ListEnvs)
	r.GET("/envs/:id", h.GetEnv)
	r.DELETE("/envs/:id", h.DestroyEnv)
	r.GET("/exits", h.ListExits)
	r.GET("/stats", h.Stats)
	r.POST("/sieve", h.StartSieve)
}

// Root lists the endpoints.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "cowfork",
		"machine": h.kernel.MachineID(),
		"endpoints": []string{
			"GET /health",
			"GET /envs",
			"GET /envs/:id",
			"DELETE /envs/:id",
			"GET /exits",
			"GET /stats",
			"POST /sieve",
			"GET /metrics",
		},
	})
}

// Health reports the machine identity and uptime.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"machine":        h.kernel.MachineID(),
		"uptime_seconds": h.kernel.Uptime().Seconds(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// ListEnvs returns every live env.
func (h *Handlers) ListEnvs(c *gin.Context) {
	envs := h.kernel.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"envs":    envs,
		"count":   len(envs),
	})
}

// GetEnv returns one live env, or how it ended if it is gone.
func (h *Handlers) GetEnv(c *gin.Context) {
	envID, ok := parseEnvID(c)
	if !ok {
		return
	}

	for _, env := range h.kernel.Snapshot() {
		if env.ID == envID {
			c.JSON(http.StatusOK, gin.H{"success": true, "env": env})
			return
		}
	}

	if rec, ok := h.kernel.ExitRecord(envID); ok {
		c.JSON(http.StatusGone, gin.H{"success": false, "exit": newExitView(rec)})
		return
	}

	c.JSON(http.StatusNotFound, gin.H{
		"success": false,
		"error":   "no such env",
	})
}

// DestroyEnv kills a live env.
func (h *Handlers) DestroyEnv(c *gin.Context) {
	envID, ok := parseEnvID(c)
	if !ok {
		return
	}

	if err := h.kernel.Destroy(envID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, kernel.ErrBadEnv) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	h.logger.Info("env destroyed by operator", zap.Stringer("env", envID))
	c.JSON(http.StatusOK, gin.H{"success": true, "env": envID})
}

// ListExits returns the retained exit records in ID order. total counts every
// exit, evicted records included.
func (h *Handlers) ListExits(c *gin.Context) {
	recs := h.kernel.Exits()
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	exits := make([]exitView, 0, len(recs))
	for _, rec := range recs {
		exits = append(exits, newExitView(rec))
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"exits":   exits,
		"count":   len(exits),
		"total":   h.kernel.Stats().Exits,
	})
}

// Stats returns the kernel counters next to the metrics snapshot.
func (h *Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"kernel":  h.kernel.Stats(),
		"metrics": h.metrics.Snapshot(),
	})
}

// StartSieve starts a prime sieve pipeline on the machine.
func (h *Handlers) StartSieve(c *gin.Context) {
	var req struct {
		Limit uint32 `json:"limit" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request: " + err.Error(),
		})
		return
	}
	if req.Limit < 2 || req.Limit > MaxSieveLimit {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "limit must be in [2, " + strconv.Itoa(MaxSieveLimit) + "]",
		})
		return
	}

	envID, err := sieve.Start(h.kernel, req.Limit, nil)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, kernel.ErrShutdown) || errors.Is(err, kernel.ErrNoFreeEnv) || errors.Is(err, kernel.ErrNoMem) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	h.logger.Info("sieve started", zap.Stringer("env", envID), zap.Uint32("limit", req.Limit))
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"env":     envID,
		"limit":   req.Limit,
	})
}
