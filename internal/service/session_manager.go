package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"deploy-deadman/internal/domain"
	"deploy-deadman/internal/email"
	"deploy-deadman/internal/repository"
)

var (
	ErrInvalidSchedule = errors.New("inactivity period must be longer than checkin interval")
	ErrNoMessages      = errors.New("no beneficiary messages configured")
	ErrAlreadyArmed    = errors.New("deadman switch already active")
	ErrNotArmed        = errors.New("no active deadman switch")
	ErrInvalidToken    = errors.New("checkin token invalid")
	ErrNotTriggered    = errors.New("deadman switch not triggered")
)

// SessionManager es el dueño del mapa de sesiones vivas. Crea y destruye
// SwitchSessions, delega las transiciones (cada sesion serializa las suyas con
// su propio lock) y coordina la persistencia de snapshots, incluido el barrido
// periodico. Nadie mas retiene referencias a una sesion entre operaciones.
type SessionManager struct {
	logger    *zap.Logger
	tokens    TokenRegistry
	sender    email.Sender
	snapshots repository.SnapshotRepository

	now           func() time.Time
	pollInterval  time.Duration
	sweepInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*SwitchSession

	done      chan struct{}
	closeOnce sync.Once
}

func NewSessionManager(
	logger *zap.Logger,
	tokens TokenRegistry,
	sender email.Sender,
	snapshots repository.SnapshotRepository,
	pollInterval time.Duration,
	sweepInterval time.Duration,
) *SessionManager {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	m := &SessionManager{
		logger:        logger,
		tokens:        tokens,
		sender:        sender,
		snapshots:     snapshots,
		now:           func() time.Time { return time.Now().UTC() },
		pollInterval:  pollInterval,
		sweepInterval: sweepInterval,
		sessions:      make(map[string]*SwitchSession),
		done:          make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Close detiene el barrido y desarma los loops de todas las sesiones vivas.
func (m *SessionManager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		sess.stop()
	}
}

// Activate construye y arma una sesion nueva para el usuario. Rechaza si ya
// hay una sesion viva (armada o disparada sin resetear).
func (m *SessionManager) Activate(ctx context.Context, userKey string, schedule domain.Schedule, messages []domain.BeneficiaryMessage) error {
	if schedule.InactivityPeriod <= schedule.CheckinInterval {
		return ErrInvalidSchedule
	}
	if len(messages) == 0 {
		return ErrNoMessages
	}

	m.mu.Lock()
	if _, exists := m.sessions[userKey]; exists {
		m.mu.Unlock()
		return ErrAlreadyArmed
	}
	sess := newSwitchSession(userKey, schedule, messages,
		m.tokens, m.sender, m.logger, m.now, m.pollInterval, m.persistTriggered)
	m.sessions[userKey] = sess
	m.mu.Unlock()

	sess.arm()
	m.persistSnapshot(ctx, sess.Snapshot())
	m.logger.Info("deadman switch armed",
		zap.String("user", userKey),
		zap.Duration("checkin_interval", schedule.CheckinInterval),
		zap.Duration("inactivity_period", schedule.InactivityPeriod))
	return nil
}

// Checkin canjea el token y registra actividad en la sesion del dueño. El
// orden total lo da el lock de la sesion: si la expiracion gano la carrera, el
// check-in ve Triggered y falla con ErrNotArmed en vez de resucitar el switch.
func (m *SessionManager) Checkin(ctx context.Context, token string) (string, error) {
	userKey, err := m.tokens.Redeem(token)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return "", ErrInvalidToken
		}
		return "", err
	}

	sess := m.get(userKey)
	if sess == nil {
		return userKey, ErrNotArmed
	}
	if err := sess.Checkin(); err != nil {
		return userKey, err
	}

	m.persistSnapshot(ctx, sess.Snapshot())
	m.logger.Info("checkin accepted", zap.String("user", userKey))
	return userKey, nil
}

// Deactivate desarma el switch del usuario y borra su snapshot.
func (m *SessionManager) Deactivate(ctx context.Context, userKey string) error {
	sess := m.get(userKey)
	if sess == nil {
		return ErrNotArmed
	}
	if err := sess.Deactivate(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sessions, userKey)
	m.mu.Unlock()

	if err := m.snapshots.Delete(ctx, userKey); err != nil {
		m.logger.Error("delete snapshot failed",
			zap.String("user", userKey), zap.Error(err))
	}
	m.logger.Info("deadman switch deactivated", zap.String("user", userKey))
	return nil
}

// Reset limpia una sesion ya disparada para que el proximo Activate arranque
// de cero. Solo vale en Triggered.
func (m *SessionManager) Reset(ctx context.Context, userKey string) error {
	sess := m.get(userKey)
	if sess == nil || sess.currentState() != domain.SwitchTriggered {
		return ErrNotTriggered
	}

	m.mu.Lock()
	delete(m.sessions, userKey)
	m.mu.Unlock()

	if err := m.tokens.RevokeAll(userKey); err != nil {
		m.logger.Warn("revoke checkin tokens failed",
			zap.String("user", userKey), zap.Error(err))
	}
	if err := m.snapshots.Delete(ctx, userKey); err != nil {
		m.logger.Error("delete snapshot failed",
			zap.String("user", userKey), zap.Error(err))
	}
	m.logger.Info("deadman switch reset", zap.String("user", userKey))
	return nil
}

// Status devuelve la vista de la sesion viva, si existe.
func (m *SessionManager) Status(userKey string) (domain.SwitchStatus, bool) {
	sess := m.get(userKey)
	if sess == nil {
		return domain.SwitchStatus{State: domain.SwitchIdle}, false
	}
	return sess.Status(), true
}

// HasLiveSession responde si el usuario tiene una sesion viva en memoria.
func (m *SessionManager) HasLiveSession(userKey string) bool {
	return m.get(userKey) != nil
}

// RefreshMessages repone los mensajes de una sesion recuperada en degradado.
func (m *SessionManager) RefreshMessages(userKey string, messages []domain.BeneficiaryMessage) {
	if sess := m.get(userKey); sess != nil {
		sess.refreshMessages(messages)
	}
}

func (m *SessionManager) get(userKey string) *SwitchSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[userKey]
}

// resume reconstruye una sesion desde un snapshot durante la recuperacion.
// Usada solo por RecoveryCoordinator antes de aceptar trafico.
func (m *SessionManager) resume(snap domain.SwitchSnapshot, messages []domain.BeneficiaryMessage, recovered bool) {
	m.mu.Lock()
	if _, exists := m.sessions[snap.UserKey]; exists {
		m.mu.Unlock()
		return
	}
	sess := newSwitchSession(snap.UserKey, snap.Schedule, messages,
		m.tokens, m.sender, m.logger, m.now, m.pollInterval, m.persistTriggered)
	m.sessions[snap.UserKey] = sess
	m.mu.Unlock()

	if snap.State == domain.SwitchTriggered {
		sess.adoptTriggered(snap)
		return
	}
	sess.resume(snap, recovered)
}

// persistTriggered es el hook que corre la sesion tras disparar; fuera del
// lock de la sesion, con su propio contexto.
func (m *SessionManager) persistTriggered(snap domain.SwitchSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.persistSnapshot(ctx, snap)
}

// persistSnapshot guarda mejor-esfuerzo: ante un fallo el estado en memoria
// sigue siendo la autoridad hasta el proximo barrido exitoso.
func (m *SessionManager) persistSnapshot(ctx context.Context, snap domain.SwitchSnapshot) {
	if err := m.snapshots.Save(ctx, snap); err != nil {
		m.logger.Error("save snapshot failed",
			zap.String("user", snap.UserKey),
			zap.String("state", string(snap.State)),
			zap.Error(err))
	}
}

func (m *SessionManager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep persiste la foto de todas las sesiones armadas. Las recuperadas en
// degradado se saltean hasta que tengan datos completos.
func (m *SessionManager) sweep() {
	m.mu.RLock()
	live := make([]*SwitchSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		live = append(live, sess)
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, sess := range live {
		if snap, ok := sess.sweepSnapshot(); ok {
			m.persistSnapshot(ctx, snap)
		}
	}
}
