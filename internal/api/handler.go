package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"locker-service/internal/capacity"
	"locker-service/internal/service"
	"locker-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	appointments *service.AppointmentService
	availability *service.AvailabilityService
	penalties    *service.PenaltyService
	sync         *service.SyncService
}

// NewHandler creates a new HTTP handler
func NewHandler(
	appointments *service.AppointmentService,
	availability *service.AvailabilityService,
	penalties *service.PenaltyService,
	syncService *service.SyncService,
) *Handler {
	return &Handler{
		appointments: appointments,
		availability: availability,
		penalties:    penalties,
		sync:         syncService,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/appointments", h.createAppointment)
		v1.GET("/appointments/:id", h.getAppointment)
		v1.PUT("/appointments/:id", h.updateAppointment)
		v1.POST("/appointments/:id/confirm", h.confirmAppointment)
		v1.POST("/appointments/:id/cancel", h.cancelAppointment)
		v1.GET("/users/:id/appointments", h.listUserAppointments)
		v1.GET("/users/:id/penalty", h.getPenaltyStatus)
		v1.GET("/availability", h.getAvailability)
		v1.GET("/assignments", h.listAssignments)
		v1.POST("/assignments/sync", h.syncAssignments)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createAppointment handles booking requests
func (h *Handler) createAppointment(c *gin.Context) {
	var req service.CreateAppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.appointments.Create(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.Merged {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// getAppointment handles get appointment by ID
func (h *Handler) getAppointment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	appt, err := h.appointments.Get(c.Request.Context(), id, queryUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"appointment": appt})
}

// updateAppointment handles reschedule requests
func (h *Handler) updateAppointment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req service.UpdateAppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	appt, err := h.appointments.Update(c.Request.Context(), id, &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"appointment": appt})
}

// confirmAppointment handles user confirmation of a scheduled pickup
func (h *Handler) confirmAppointment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	appt, err := h.appointments.Confirm(c.Request.Context(), id, queryUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"appointment": appt})
}

// cancelAppointment handles cancellation requests
func (h *Handler) cancelAppointment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req struct {
		UserID      int64  `json:"user_id"`
		CancelledBy string `json:"cancelled_by"`
		Reason      string `json:"reason"`
	}
	// Body is optional for admin cancels.
	_ = c.ShouldBindJSON(&req)
	if req.CancelledBy == "" {
		req.CancelledBy = "user"
	}

	appt, err := h.appointments.Cancel(c.Request.Context(), id, req.UserID, req.CancelledBy, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"appointment": appt})
}

// listUserAppointments handles a user's appointment history
func (h *Handler) listUserAppointments(c *gin.Context) {
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}

	appointments, err := h.appointments.ListForUser(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"appointments": appointments})
}

// getPenaltyStatus reports whether a user is blocked for a date
func (h *Handler) getPenaltyStatus(c *gin.Context) {
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}
	date, ok := queryDate(c, "date")
	if !ok {
		return
	}

	status, err := h.penalties.Status(c.Request.Context(), userID, date)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// getAvailability reports the per-slot availability grid for a date
func (h *Handler) getAvailability(c *gin.Context) {
	date, ok := queryDate(c, "date")
	if !ok {
		return
	}

	slots, err := h.availability.GetAvailableTimeSlots(c.Request.Context(), date)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"date":  c.Query("date"),
		"slots": slots,
	})
}

// listAssignments lists locker projections for a date, optionally
// narrowed by time_slot
func (h *Handler) listAssignments(c *gin.Context) {
	date, ok := queryDate(c, "date")
	if !ok {
		return
	}

	assignments, err := h.sync.ListAssignments(c.Request.Context(), date, c.Query("time_slot"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": assignments})
}

// syncAssignments triggers a reconciliation pass for a date
func (h *Handler) syncAssignments(c *gin.Context) {
	var req struct {
		Date string `json:"date" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	date, err := time.ParseInLocation("2006-01-02", req.Date, time.Local)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date, expected YYYY-MM-DD"})
		return
	}

	result, err := h.sync.SyncFromAppointments(c.Request.Context(), date)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// writeError maps the service error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var (
		validation *service.ValidationError
		notFound   *service.NotFoundError
		conflict   *service.ConflictError
		blocked    *service.PenaltyBlockedError
		exceeded   *capacity.ExceededError
	)

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":               conflict.Error(),
			"conflicting_lockers": conflict.ConflictingLockers,
		})
	case errors.As(err, &blocked):
		c.JSON(http.StatusForbidden, gin.H{
			"error":                   blocked.Error(),
			"remaining_decay_seconds": int64(blocked.RemainingDecay.Seconds()),
		})
	case errors.As(err, &exceeded):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":           exceeded.Error(),
			"locker_number":   exceeded.LockerNumber,
			"slots_required":  exceeded.SlotsRequired,
			"slots_limit":     exceeded.SlotsLimit,
			"volume_required": exceeded.VolumeRequired,
			"volume_limit":    exceeded.VolumeLimit,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
}

func queryUserID(c *gin.Context) int64 {
	id, _ := strconv.ParseInt(c.Query("user_id"), 10, 64)
	return id
}

func queryDate(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	date, err := time.ParseInLocation("2006-01-02", raw, time.Local)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or missing " + name + ", expected YYYY-MM-DD"})
		return time.Time{}, false
	}
	return date, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
