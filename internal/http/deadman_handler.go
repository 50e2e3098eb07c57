package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"deploy-deadman/internal/domain"
	"deploy-deadman/internal/repository"
	"deploy-deadman/internal/service"
)

// DeadmanHandler mantiene dependencias para los endpoints del switch.
type DeadmanHandler struct {
	logger   *zap.Logger
	manager  *service.SessionManager
	messages repository.MessageRepository
}

func NewDeadmanHandler(logger *zap.Logger, manager *service.SessionManager, messages repository.MessageRepository) *DeadmanHandler {
	return &DeadmanHandler{
		logger:   logger,
		manager:  manager,
		messages: messages,
	}
}

func (h *DeadmanHandler) userKey(c *gin.Context) (string, bool) {
	claims, ok := GetAuthClaims(c)
	if !ok || claims.Email == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return "", false
	}
	return claims.Email, true
}

// SaveEmail maneja POST /deadman/emails: alta o edicion de un mensaje de
// beneficiario. Los mensajes son inmutables mientras el switch esta armado.
func (h *DeadmanHandler) SaveEmail(c *gin.Context) {
	userKey, ok := h.userKey(c)
	if !ok {
		return
	}

	var req struct {
		ID        string `json:"id"`
		Recipient string `json:"recipient" binding:"required,email"`
		Subject   string `json:"subject"`
		Body      string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid save email request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if status, live := h.manager.Status(userKey); live && status.Active {
		c.JSON(http.StatusConflict, gin.H{"error": "deactivate the switch before editing messages"})
		return
	}

	msg := domain.BeneficiaryMessage{
		ID:        req.ID,
		UserKey:   userKey,
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Body:      req.Body,
		CreatedAt: time.Now().UTC(),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Subject == "" {
		msg.Subject = "Important message from " + userKey
	}

	if err := h.messages.Upsert(c.Request.Context(), msg); err != nil {
		h.logger.Error("save beneficiary message failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not save message"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// ListEmails maneja GET /deadman/emails. De paso repone los mensajes de una
// sesion recuperada en degradado, ahora que hay un pedido autenticado.
func (h *DeadmanHandler) ListEmails(c *gin.Context) {
	userKey, ok := h.userKey(c)
	if !ok {
		return
	}

	msgs, err := h.messages.ListByUser(c.Request.Context(), userKey)
	if err != nil {
		h.logger.Error("list beneficiary messages failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list messages"})
		return
	}

	if status, live := h.manager.Status(userKey); live && status.Recovered && len(msgs) > 0 {
		h.manager.RefreshMessages(userKey, msgs)
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// Activate maneja POST /deadman/activate.
func (h *DeadmanHandler) Activate(c *gin.Context) {
	userKey, ok := h.userKey(c)
	if !ok {
		return
	}

	var req struct {
		CheckinInterval  string `json:"checkin_interval" binding:"required"`
		InactivityPeriod string `json:"inactivity_period" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid activate request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	checkin, err := service.ParseInterval(req.CheckinInterval, service.IntervalCheckin)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inactivity, err := service.ParseInterval(req.InactivityPeriod, service.IntervalInactivity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msgs, err := h.messages.ListByUser(c.Request.Context(), userKey)
	if err != nil {
		h.logger.Error("list beneficiary messages failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load messages"})
		return
	}

	schedule := domain.Schedule{CheckinInterval: checkin, InactivityPeriod: inactivity}
	if err := h.manager.Activate(c.Request.Context(), userKey, schedule, msgs); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidSchedule), errors.Is(err, service.ErrNoMessages):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrAlreadyArmed):
			c.JSON(http.StatusConflict, gin.H{"error": "deadman switch already active"})
		default:
			h.logger.Error("activate failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not activate"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "armed",
		"settings": gin.H{
			"checkin_interval_minutes":  checkin.Minutes(),
			"inactivity_period_minutes": inactivity.Minutes(),
		},
	})
}

// Deactivate maneja POST /deadman/deactivate.
func (h *DeadmanHandler) Deactivate(c *gin.Context) {
	userKey, ok := h.userKey(c)
	if !ok {
		return
	}

	if err := h.manager.Deactivate(c.Request.Context(), userKey); err != nil {
		if errors.Is(err, service.ErrNotArmed) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no active deadman switch"})
			return
		}
		h.logger.Error("deactivate failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not deactivate"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// LogActivity maneja POST /deadman/activity. La actividad real que reinicia
// el plazo es el check-in por token; esto solo reconoce el ping del front.
func (h *DeadmanHandler) LogActivity(c *gin.Context) {
	if _, ok := h.userKey(c); !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged"})
}

// TimerStatus maneja GET /deadman/timer-status.
func (h *DeadmanHandler) TimerStatus(c *gin.Context) {
	userKey, ok := h.userKey(c)
	if !ok {
		return
	}

	status, live := h.manager.Status(userKey)
	if !live || !status.Active {
		c.JSON(http.StatusOK, gin.H{
			"active":    false,
			"triggered": live && status.State == domain.SwitchTriggered,
		})
		return
	}

	now := time.Now().UTC()
	c.JSON(http.StatusOK, gin.H{
		"active":             true,
		"triggered":          false,
		"next_checkin_ms":    remainingMs(status.NextReminderAt, now),
		"deadman_expiry_ms":  remainingMs(status.ExpiresAt, now),
		"last_activity":      status.LastActivity,
		"recovered_degraded": status.Recovered,
	})
}

// DeadmanStatus maneja GET /deadman/deadman-status.
func (h *DeadmanHandler) DeadmanStatus(c *gin.Context) {
	userKey, ok := h.userKey(c)
	if !ok {
		return
	}

	status, live := h.manager.Status(userKey)
	if live && status.State == domain.SwitchTriggered {
		c.JSON(http.StatusOK, gin.H{
			"triggered":       true,
			"can_reset":       true,
			"triggered_at":    status.TriggeredAt,
			"delivery_status": status.DeliveryStatus,
			"messages_sent":   status.MessageCount,
		})
		return
	}
	if live && status.Active {
		c.JSON(http.StatusOK, gin.H{"triggered": false, "can_reset": false, "active": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"triggered": false, "can_reset": false, "active": false})
}

// Reset maneja POST /deadman/reset: limpia una sesion disparada y los datos
// almacenados para empezar de cero.
func (h *DeadmanHandler) Reset(c *gin.Context) {
	userKey, ok := h.userKey(c)
	if !ok {
		return
	}

	if err := h.manager.Reset(c.Request.Context(), userKey); err != nil {
		if errors.Is(err, service.ErrNotTriggered) {
			c.JSON(http.StatusConflict, gin.H{"error": "switch has not been triggered"})
			return
		}
		h.logger.Error("reset failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not reset"})
		return
	}

	if err := h.messages.DeleteByUser(c.Request.Context(), userKey); err != nil {
		h.logger.Error("delete beneficiary messages failed", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

const checkinSuccessPage = `<html>
  <body style="font-family: Arial, sans-serif; text-align: center; padding: 50px;">
    <h2>Check-In Successful</h2>
    <p>Thank you for checking in. Your inactivity timer has been reset.</p>
    <p><small>You can close this window now.</small></p>
  </body>
</html>`

const checkinInvalidPage = `<html>
  <body style="font-family: Arial, sans-serif; text-align: center; padding: 50px;">
    <h2>Invalid Check-In Link</h2>
    <p>This check-in link is invalid, expired or already used.</p>
    <p>Please use the latest check-in email.</p>
  </body>
</html>`

// Checkin maneja GET /deadman/checkin/:token. Es la unica ruta publica del
// switch: el token de un solo uso identifica al dueño.
func (h *DeadmanHandler) Checkin(c *gin.Context) {
	token := c.Param("token")

	userKey, err := h.manager.Checkin(c.Request.Context(), token)
	if err != nil {
		if !errors.Is(err, service.ErrInvalidToken) && !errors.Is(err, service.ErrNotArmed) {
			h.logger.Error("checkin failed", zap.String("user", userKey), zap.Error(err))
		}
		c.Data(http.StatusBadRequest, "text/html; charset=utf-8", []byte(checkinInvalidPage))
		return
	}

	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(checkinSuccessPage))
}

func remainingMs(at, now time.Time) int64 {
	ms := at.Sub(now).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
