package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/emergency-monitor/server/alerts"
	"github.com/san-kum/emergency-monitor/server/assessment"
	"github.com/san-kum/emergency-monitor/server/backend"
	"github.com/san-kum/emergency-monitor/server/cache"
	"github.com/san-kum/emergency-monitor/server/capture"
	"github.com/san-kum/emergency-monitor/server/emitter"
	"github.com/san-kum/emergency-monitor/server/livefeed"
	"github.com/san-kum/emergency-monitor/server/media"
	"github.com/san-kum/emergency-monitor/server/middleware"
	"github.com/san-kum/emergency-monitor/server/models"
	"github.com/san-kum/emergency-monitor/server/monitor"
	"go.uber.org/zap"
)

const statusCacheKey = "system_status"

// Backend is the part of the assessment service the dashboard proxies.
type Backend interface {
	Status(ctx context.Context) (*models.SystemStatus, error)
	Chat(ctx context.Context, message string, resetHistory bool) (*models.ChatResponse, error)
}

type StatsSource interface {
	Stats() emitter.Stats
}

type APIDeps struct {
	Session     *monitor.Session
	Capture     *capture.Scheduler
	Feed        *livefeed.Poller
	Fetch       livefeed.FetchFunc
	Assessor    *assessment.Controller
	Backend     Backend
	Cache       cache.Cache
	Hub         *Hub
	RateLimiter *middleware.RateLimiter
	Sinks       map[string]StatsSource
}

type APIConfig struct {
	PollInterval     time.Duration
	StatusCacheTTL   time.Duration
	ReportDir        string
	PatientConscious bool
	MaxImageSize     int64
	Constraints      media.Constraints
}

type APIHandler struct {
	APIDeps
	config  APIConfig
	logger  *zap.Logger
	started time.Time
}

type alertView struct {
	models.Alert
	Color string `json:"color"`
}

func NewAPIHandler(deps APIDeps, config APIConfig, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = livefeed.DefaultInterval
	}
	if config.MaxImageSize <= 0 {
		config.MaxImageSize = 10 * 1024 * 1024
	}
	return &APIHandler{
		APIDeps: deps,
		config:  config,
		logger:  logger,
		started: time.Now(),
	}
}

func (h *APIHandler) GetMonitoring(c *gin.Context) {
	response := gin.H{
		"status": h.Session.Status(),
		"stats":  h.Capture.Stats(),
	}
	if latest := h.Capture.Latest(); latest != nil {
		response["latest"] = latest
	}
	c.JSON(http.StatusOK, response)
}

func (h *APIHandler) StartMonitoring(c *gin.Context) {
	constraints := h.config.Constraints
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&constraints); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid camera constraints"})
			return
		}
	}

	if err := h.Session.Start(c.Request.Context(), constraints); err != nil {
		c.JSON(monitoringErrorStatus(err), gin.H{
			"error":  err.Error(),
			"status": h.Session.Status(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.Session.Status()})
}

func (h *APIHandler) StopMonitoring(c *gin.Context) {
	h.Session.Stop()
	c.JSON(http.StatusOK, gin.H{"status": h.Session.Status()})
}

func monitoringErrorStatus(err error) int {
	switch {
	case errors.Is(err, monitor.ErrActive):
		return http.StatusConflict
	case errors.Is(err, media.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, media.ErrDeviceUnavailable), errors.Is(err, monitor.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *APIHandler) GetLive(c *gin.Context) {
	response := gin.H{
		"running": h.Feed.Running(),
		"stats":   h.Feed.Stats(),
	}
	if latest := h.Feed.Latest(); latest != nil {
		response["latest"] = latest
	}
	c.JSON(http.StatusOK, response)
}

func (h *APIHandler) StartLive(c *gin.Context) {
	if err := h.Feed.Start(h.config.PollInterval, h.Fetch); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, livefeed.ErrRunning) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true, "interval": h.config.PollInterval.String()})
}

func (h *APIHandler) StopLive(c *gin.Context) {
	h.Feed.Stop()
	c.JSON(http.StatusOK, gin.H{"running": false})
}

func (h *APIHandler) GetAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"alerts":   alertViews(h.Feed.History()),
		"capacity": h.Feed.History().Capacity(),
	})
}

func (h *APIHandler) ClearAlerts(c *gin.Context) {
	h.Feed.History().Clear()
	c.Status(http.StatusNoContent)
}

func alertViews(history *alerts.History) []alertView {
	list := history.List()
	views := make([]alertView, len(list))
	for i, alert := range list {
		views[i] = alertView{Alert: alert, Color: models.AlertColor(alert.Type)}
	}
	return views
}

// SubmitAssessment accepts a multipart image and starts an assessment.
// It answers 202 at once unless ?wait=true, in which case it blocks until
// the assessment settles.
func (h *APIHandler) SubmitAssessment(c *gin.Context) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image uploaded"})
		return
	}
	defer file.Close()

	if header.Size > h.config.MaxImageSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Image too large"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, h.config.MaxImageSize+1))
	if err != nil {
		h.logger.Error("Failed to read uploaded image", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read image"})
		return
	}
	if int64(len(data)) > h.config.MaxImageSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Image too large"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Empty image"})
		return
	}

	conscious := h.config.PatientConscious
	if value := c.PostForm("patient_conscious"); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "patient_conscious must be a boolean"})
			return
		}
		conscious = parsed
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	payload := assessment.Payload{
		Image:            data,
		ImageName:        header.Filename,
		MimeType:         mimeType,
		PatientConscious: conscious,
	}

	if c.Query("wait") == "true" {
		_, err := h.Assessor.Submit(c.Request.Context(), payload)
		switch {
		case errors.Is(err, assessment.ErrInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusBadGateway, assessmentView(h.Assessor.Snapshot()))
		default:
			c.JSON(http.StatusOK, assessmentView(h.Assessor.Snapshot()))
		}
		return
	}

	if err := h.Assessor.SubmitAsync(context.WithoutCancel(c.Request.Context()), payload); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, assessmentView(h.Assessor.Snapshot()))
}

func (h *APIHandler) GetAssessment(c *gin.Context) {
	c.JSON(http.StatusOK, assessmentView(h.Assessor.Snapshot()))
}

func (h *APIHandler) ResetAssessment(c *gin.Context) {
	if err := h.Assessor.Reset(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, assessmentView(h.Assessor.Snapshot()))
}

func assessmentView(snapshot models.AssessmentSnapshot) gin.H {
	color := models.NeutralColor
	if snapshot.Result != nil {
		color = models.SeverityColor(string(snapshot.Result.Assessment.Severity.SeverityLevel))
	}
	return gin.H{
		"assessment": snapshot,
		"color":      color,
		"stages":     assessment.Stages,
	}
}

func (h *APIHandler) DownloadReport(c *gin.Context) {
	path, err := h.Assessor.DownloadReport(c.Request.Context(), h.config.ReportDir)
	switch {
	case errors.Is(err, assessment.ErrNoResult):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, assessment.ErrNoReporter):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("Report download failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": backendMessage(err)})
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}

func (h *APIHandler) GetStatus(c *gin.Context) {
	status, cached, err := cache.Remember(c.Request.Context(), h.Cache, statusCacheKey, h.config.StatusCacheTTL, h.Backend.Status)
	if err != nil {
		h.logger.Warn("System status unavailable", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": backendMessage(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "cached": cached})
}

func (h *APIHandler) Chat(c *gin.Context) {
	var request models.ChatRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	response, err := h.Backend.Chat(c.Request.Context(), request.Message, request.ResetHistory)
	if err != nil {
		h.logger.Warn("Chat request failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": backendMessage(err)})
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *APIHandler) GetStats(c *gin.Context) {
	stats := gin.H{
		"uptime_seconds": time.Since(h.started).Seconds(),
		"capture":        h.Capture.Stats(),
		"live":           h.Feed.Stats(),
		"alerts":         h.Feed.History().Len(),
		"websocket":      h.Hub.Stats(),
	}
	if h.Cache != nil {
		if cacheStats, err := h.Cache.GetStats(c.Request.Context()); err == nil {
			stats["cache"] = cacheStats
		}
	}
	if h.RateLimiter != nil {
		stats["rate_limiter"] = h.RateLimiter.GetGlobalStats()
	}
	if len(h.Sinks) > 0 {
		sinks := make(gin.H, len(h.Sinks))
		for name, sink := range h.Sinks {
			sinks[name] = sink.Stats()
		}
		stats["sinks"] = sinks
	}
	c.JSON(http.StatusOK, stats)
}

func backendMessage(err error) string {
	if detail := backend.Detail(err); detail != "" {
		return detail
	}
	return err.Error()
}
