package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"retrieval-service/internal/models"
	"retrieval-service/internal/service"
	"retrieval-service/internal/socket"
	"retrieval-service/internal/store"
	"retrieval-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 200
)

// Config holds the HTTP-facing settings
type Config struct {
	JWTSecret      []byte
	AllowedOrigins []string
}

// Handler contains HTTP handlers
type Handler struct {
	engine     *service.RetrievalEngine
	classifier *service.AlertClassifier
	store      store.DataStore
	hub        *socket.Hub
	cfg        Config
}

// NewHandler creates a new HTTP handler
func NewHandler(
	engine *service.RetrievalEngine,
	classifier *service.AlertClassifier,
	ds store.DataStore,
	hub *socket.Hub,
	cfg Config,
) *Handler {
	return &Handler{
		engine:     engine,
		classifier: classifier,
		store:      ds,
		hub:        hub,
		cfg:        cfg,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(corsMiddleware(h.cfg.AllowedOrigins))
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.GET("/ws", h.serveWs)

	authed := v1.Group("", Authenticate(h.cfg.JWTSecret))
	{
		authed.GET("/notifications", h.listNotifications)
	}

	admin := authed.Group("", Authorize(models.RoleAdmin))
	{
		admin.GET("/retrievals/pending", h.listPending)
		admin.POST("/retrievals/:batchId/confirm", h.confirmBatch)
		admin.POST("/retrievals/:batchId/decline", h.declineBatch)
		admin.GET("/alerts", h.getAlerts)
		admin.POST("/alerts/classify", h.classifyNow)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when the data store answers
func (h *Handler) readinessCheck(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unavailable",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// listPending returns the pending retrieval batches
func (h *Handler) listPending(c *gin.Context) {
	batches, err := h.engine.ListPending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list pending retrievals",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, batches)
}

func (h *Handler) confirmBatch(c *gin.Context) {
	result, err := h.engine.Confirm(c.Request.Context(), c.Param("batchId"))
	h.writeDecision(c, result, err)
}

func (h *Handler) declineBatch(c *gin.Context) {
	result, err := h.engine.Decline(c.Request.Context(), c.Param("batchId"))
	h.writeDecision(c, result, err)
}

func (h *Handler) writeDecision(c *gin.Context, result *models.DecisionResult, err error) {
	if errors.Is(err, service.ErrEmptyBatchID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid batch ID",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to process retrieval batch",
			"details": err.Error(),
		})
		return
	}

	util.GetLogger().Info("Retrieval batch decided",
		zap.String("batch_id", result.BatchID),
		zap.String("decision", string(result.Decision)),
		zap.String("decided_by", c.GetString(ctxUserID)),
		zap.Bool("already_handled", result.AlreadyHandled),
		zap.Int("warnings", len(result.Warnings)))

	c.JSON(http.StatusOK, result)
}

// getAlerts returns the latest classification snapshot
func (h *Handler) getAlerts(c *gin.Context) {
	snap, err := h.classifier.Latest(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load alerts",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, snap)
}

// classifyNow runs a classification pass immediately
func (h *Handler) classifyNow(c *gin.Context) {
	snap, err := h.classifier.RunPass(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to classify inventory",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, snap)
}

// listNotifications returns stored notifications for a role. Only admins may
// read another role's notifications.
func (h *Handler) listNotifications(c *gin.Context) {
	userRole := c.GetString(ctxUserRole)
	role := c.DefaultQuery("role", userRole)
	if role != userRole && userRole != models.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "You do not have permission to access this resource",
		})
		return
	}

	limit := defaultNotificationLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid limit",
			})
			return
		}
		limit = n
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}

	notifications, err := h.store.ListNotifications(c.Request.Context(), role, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list notifications",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, notifications)
}
