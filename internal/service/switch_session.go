package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"deploy-deadman/internal/domain"
)

// SwitchSession es la maquina de estados de un switch por usuario. Todas las
// transiciones (check-in, desarme, recordatorio, expiracion) se serializan con
// el mutex de la sesion; el envio de correos y la persistencia ocurren fuera
// del lock. Una sola goroutine atiende ambos timers: despierta en el proximo
// evento pendiente, acotado por pollInterval para soportar ventanas de
// inactividad de meses sin depender de un unico timer largo.
type SwitchSession struct {
	userKey string

	mu             sync.Mutex
	state          domain.SwitchState
	schedule       domain.Schedule
	lastActivity   time.Time
	nextReminderAt time.Time
	expiresAt      time.Time
	messages       []domain.BeneficiaryMessage
	recovered      bool
	triggeredAt    time.Time
	deliveryStatus domain.DeliveryStatus

	tokens       TokenRegistry
	sender       emailSender
	logger       *zap.Logger
	now          func() time.Time
	pollInterval time.Duration
	onTriggered  func(snapshot domain.SwitchSnapshot)

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// emailSender es el subconjunto del sender que necesita la sesion.
type emailSender interface {
	SendCheckinReminder(ctx context.Context, toEmail string, checkinToken string) error
	SendTriggerMessages(ctx context.Context, userEmail string, messages []domain.BeneficiaryMessage) error
}

func newSwitchSession(
	userKey string,
	schedule domain.Schedule,
	messages []domain.BeneficiaryMessage,
	tokens TokenRegistry,
	sender emailSender,
	logger *zap.Logger,
	now func() time.Time,
	pollInterval time.Duration,
	onTriggered func(snapshot domain.SwitchSnapshot),
) *SwitchSession {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	if onTriggered == nil {
		onTriggered = func(domain.SwitchSnapshot) {}
	}
	return &SwitchSession{
		userKey:      userKey,
		state:        domain.SwitchIdle,
		schedule:     schedule,
		messages:     messages,
		tokens:       tokens,
		sender:       sender,
		logger:       logger,
		now:          now,
		pollInterval: pollInterval,
		onTriggered:  onTriggered,
		kick:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// arm activa la sesion desde cero: los tres tiempos se calculan de "ahora".
func (s *SwitchSession) arm() {
	now := s.now()
	s.mu.Lock()
	s.state = domain.SwitchArmed
	s.lastActivity = now
	s.nextReminderAt = now.Add(s.schedule.CheckinInterval)
	s.expiresAt = now.Add(s.schedule.InactivityPeriod)
	s.mu.Unlock()
	go s.run()
}

// resume rearma una sesion recuperada con los tiempos absolutos del snapshot,
// sin recalcular: el tiempo real transcurrido durante la caida cuenta contra
// el usuario. Con expiresAt ya vencido el loop dispara de inmediato.
func (s *SwitchSession) resume(snap domain.SwitchSnapshot, recovered bool) {
	s.mu.Lock()
	s.state = domain.SwitchArmed
	s.lastActivity = snap.LastActivity
	s.nextReminderAt = snap.NextReminderAt
	s.expiresAt = snap.ExpiresAt
	s.recovered = recovered
	s.mu.Unlock()
	go s.run()
}

// adoptTriggered reconstruye una sesion ya disparada como registro inerte,
// sin timers, para que el estado sobreviva reinicios hasta un reset explicito.
func (s *SwitchSession) adoptTriggered(snap domain.SwitchSnapshot) {
	s.mu.Lock()
	s.state = domain.SwitchTriggered
	s.lastActivity = snap.LastActivity
	if snap.TriggeredAt != nil {
		s.triggeredAt = *snap.TriggeredAt
	}
	s.deliveryStatus = snap.DeliveryStatus
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *SwitchSession) run() {
	timer := time.NewTimer(s.nextWake())
	defer timer.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			s.tick()
		}
		select {
		case <-s.done:
			return
		default:
		}
		timer.Reset(s.nextWake())
	}
}

// nextWake calcula cuanto dormir hasta el proximo evento. El tope de
// pollInterval convierte la espera de expiracion en un sondeo corto.
func (s *SwitchSession) nextWake() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	wait := s.nextReminderAt.Sub(now)
	if until := s.expiresAt.Sub(now); until < wait {
		wait = until
	}
	if wait > s.pollInterval {
		wait = s.pollInterval
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// tick procesa un despertar del timer. La decision se toma bajo el lock con
// re-chequeo de estado; un callback huerfano tras desarme es un no-op.
func (s *SwitchSession) tick() {
	s.mu.Lock()
	if s.state != domain.SwitchArmed {
		s.mu.Unlock()
		return
	}
	now := s.now()
	if !now.Before(s.expiresAt) {
		s.triggerLocked(now)
		return
	}
	if !now.Before(s.nextReminderAt) {
		s.remindLocked(now)
		return
	}
	s.mu.Unlock()
}

// remindLocked emite un token fresco y manda el recordatorio. La cadencia de
// recordatorios es fija desde el armado; un check-in no la altera. Entra con
// el lock tomado y lo libera antes del I/O.
func (s *SwitchSession) remindLocked(now time.Time) {
	s.nextReminderAt = now.Add(s.schedule.CheckinInterval)
	userKey := s.userKey
	s.mu.Unlock()

	token, err := s.tokens.Issue(userKey)
	if err != nil {
		s.logger.Error("issue checkin token failed",
			zap.String("user", userKey), zap.Error(err))
		return
	}
	if err := s.sender.SendCheckinReminder(context.Background(), userKey, token); err != nil {
		// Mejor esfuerzo: se registra y se sigue, el reintento es asunto
		// de la capa de entrega.
		s.logger.Warn("send checkin reminder failed",
			zap.String("user", userKey), zap.Error(err))
	}
}

// triggerLocked es la transicion irreversible a Triggered. El estado cambia
// bajo el lock antes de cualquier I/O: aunque el sondeo despierte varias
// veces, el despacho ocurre exactamente una vez. Entra con el lock tomado.
func (s *SwitchSession) triggerLocked(now time.Time) {
	s.state = domain.SwitchTriggered
	s.triggeredAt = now
	s.deliveryStatus = domain.DeliveryPending
	userKey := s.userKey
	degraded := s.recovered && len(s.messages) == 0
	messages := make([]domain.BeneficiaryMessage, len(s.messages))
	copy(messages, s.messages)
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Unlock()

	if err := s.tokens.RevokeAll(userKey); err != nil {
		s.logger.Warn("revoke checkin tokens failed",
			zap.String("user", userKey), zap.Error(err))
	}
	if degraded {
		s.logger.Warn("triggering recovered session without beneficiary messages",
			zap.String("user", userKey))
	}

	status := domain.DeliverySent
	if err := s.sender.SendTriggerMessages(context.Background(), userKey, messages); err != nil {
		// La entrega fallida no rearma el switch: el plazo ya vencio.
		s.logger.Error("send trigger messages failed",
			zap.String("user", userKey),
			zap.Int("messages", len(messages)),
			zap.Time("attempted_at", now),
			zap.Error(err))
		status = domain.DeliveryFailed
	} else {
		s.logger.Info("deadman switch triggered",
			zap.String("user", userKey),
			zap.Int("messages", len(messages)))
	}

	s.mu.Lock()
	if s.state == domain.SwitchTriggered {
		s.deliveryStatus = status
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.onTriggered(snap)
}

// Checkin registra actividad: la expiracion se recalcula en absoluto desde
// "ahora" (no aditivo, para no acumular deriva). El recordatorio no se toca.
func (s *SwitchSession) Checkin() error {
	s.mu.Lock()
	if s.state != domain.SwitchArmed {
		s.mu.Unlock()
		return ErrNotArmed
	}
	now := s.now()
	s.lastActivity = now
	s.expiresAt = now.Add(s.schedule.InactivityPeriod)
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

// Deactivate cancela ambos timers y deja la sesion inerte. Solo vale en Armed.
func (s *SwitchSession) Deactivate() error {
	s.mu.Lock()
	if s.state != domain.SwitchArmed {
		s.mu.Unlock()
		return ErrNotArmed
	}
	s.state = domain.SwitchIdle
	s.closeOnce.Do(func() { close(s.done) })
	userKey := s.userKey
	s.mu.Unlock()

	if err := s.tokens.RevokeAll(userKey); err != nil {
		s.logger.Warn("revoke checkin tokens failed",
			zap.String("user", userKey), zap.Error(err))
	}
	return nil
}

// refreshMessages repone los mensajes de una sesion recuperada en modo
// degradado. A partir de aca el barrido de snapshots vuelve a incluirla.
func (s *SwitchSession) refreshMessages(messages []domain.BeneficiaryMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.SwitchArmed {
		return
	}
	s.messages = messages
	s.recovered = false
}

func (s *SwitchSession) snapshotLocked() domain.SwitchSnapshot {
	snap := domain.SwitchSnapshot{
		UserKey:        s.userKey,
		State:          s.state,
		Schedule:       s.schedule,
		LastActivity:   s.lastActivity,
		NextReminderAt: s.nextReminderAt,
		ExpiresAt:      s.expiresAt,
		DeliveryStatus: s.deliveryStatus,
		UpdatedAt:      s.now(),
	}
	if !s.triggeredAt.IsZero() {
		t := s.triggeredAt
		snap.TriggeredAt = &t
	}
	return snap
}

// Snapshot devuelve la foto persistible actual.
func (s *SwitchSession) Snapshot() domain.SwitchSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// sweepSnapshot devuelve la foto para el barrido periodico, o false si la
// sesion no debe persistirse (no armada, o recuperada sin datos completos que
// pisaria un snapshot bueno).
func (s *SwitchSession) sweepSnapshot() (domain.SwitchSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.SwitchArmed || s.recovered {
		return domain.SwitchSnapshot{}, false
	}
	return s.snapshotLocked(), true
}

// Status arma la vista de solo lectura para los endpoints de estado.
func (s *SwitchSession) Status() domain.SwitchStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := domain.SwitchStatus{
		Active:         s.state == domain.SwitchArmed,
		State:          s.state,
		LastActivity:   s.lastActivity,
		NextReminderAt: s.nextReminderAt,
		ExpiresAt:      s.expiresAt,
		DeliveryStatus: s.deliveryStatus,
		Recovered:      s.recovered,
		MessageCount:   len(s.messages),
	}
	if !s.triggeredAt.IsZero() {
		t := s.triggeredAt
		st.TriggeredAt = &t
	}
	return st
}

// stop apaga el loop sin transicion de estado; usado en el cierre del manager.
func (s *SwitchSession) stop() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *SwitchSession) currentState() domain.SwitchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
