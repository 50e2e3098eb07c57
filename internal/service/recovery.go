package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"deploy-deadman/internal/domain"
	"deploy-deadman/internal/repository"
)

// RecoveryCoordinator reconstruye las sesiones en memoria a partir de los
// snapshots persistidos. Corre una sola vez al arrancar el proceso, antes de
// servir trafico.
type RecoveryCoordinator struct {
	logger    *zap.Logger
	manager   *SessionManager
	snapshots repository.SnapshotRepository
	messages  repository.MessageRepository
}

func NewRecoveryCoordinator(
	logger *zap.Logger,
	manager *SessionManager,
	snapshots repository.SnapshotRepository,
	messages repository.MessageRepository,
) *RecoveryCoordinator {
	return &RecoveryCoordinator{
		logger:    logger,
		manager:   manager,
		snapshots: snapshots,
		messages:  messages,
	}
}

// RecoverAll repuebla el manager desde el ultimo snapshot de cada usuario.
//
// Armadas con expiracion vencida: se rearman con los tiempos del snapshot tal
// cual, asi el loop dispara de inmediato (el plazo vencio con el proceso
// caido). Armadas vigentes: se rearman con los tiempos absolutos verbatim, no
// recalculados desde lastActivity. Disparadas: se adoptan inertes para que el
// estado sobreviva al reinicio hasta el reset.
func (r *RecoveryCoordinator) RecoverAll(ctx context.Context) error {
	snapshots, err := r.snapshots.LoadAll(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, snap := range snapshots {
		switch snap.State {
		case domain.SwitchArmed:
			r.recoverArmed(ctx, snap, now)
		case domain.SwitchTriggered:
			r.manager.resume(snap, nil, false)
			r.logger.Info("adopted triggered session",
				zap.String("user", snap.UserKey))
		default:
			r.logger.Warn("skipping snapshot with unexpected state",
				zap.String("user", snap.UserKey),
				zap.String("state", string(snap.State)))
		}
	}

	r.logger.Info("session recovery finished", zap.Int("snapshots", len(snapshots)))
	return nil
}

func (r *RecoveryCoordinator) recoverArmed(ctx context.Context, snap domain.SwitchSnapshot, now time.Time) {
	messages, err := r.loadMessages(ctx, snap.UserKey)
	degraded := err != nil || len(messages) == 0
	if degraded {
		// Los mensajes pueden no estar disponibles hasta que un pedido
		// autenticado los reponga; la sesion se arma igual porque el tiempo
		// caido cuenta contra el usuario.
		r.logger.Warn("recovering session without beneficiary messages",
			zap.String("user", snap.UserKey), zap.Error(err))
	}

	r.manager.resume(snap, messages, degraded)

	if !snap.ExpiresAt.After(now) {
		r.logger.Warn("recovered session already expired, triggering now",
			zap.String("user", snap.UserKey),
			zap.Time("expires_at", snap.ExpiresAt))
	} else {
		r.logger.Info("recovered armed session",
			zap.String("user", snap.UserKey),
			zap.Duration("remaining", snap.ExpiresAt.Sub(now)))
	}
}

func (r *RecoveryCoordinator) loadMessages(ctx context.Context, userKey string) ([]domain.BeneficiaryMessage, error) {
	if r.messages == nil {
		return nil, nil
	}
	return r.messages.ListByUser(ctx, userKey)
}
