package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"deploy-deadman/internal/domain"
)

// SnapshotRepository es la puerta de persistencia del motor de sesiones:
// guarda el estado durable de cada switch para reconstruirlo tras un reinicio.
type SnapshotRepository interface {
	Save(ctx context.Context, snapshot domain.SwitchSnapshot) error
	LoadAll(ctx context.Context) ([]domain.SwitchSnapshot, error)
	Delete(ctx context.Context, userKey string) error
}

type PgSnapshotRepository struct {
	pool *pgxpool.Pool
}

func NewPgSnapshotRepository(pool *pgxpool.Pool) *PgSnapshotRepository {
	return &PgSnapshotRepository{pool: pool}
}

func (r *PgSnapshotRepository) Save(ctx context.Context, snapshot domain.SwitchSnapshot) error {
	const query = `
		INSERT INTO switch_snapshots
			(user_key, state, checkin_interval_ms, inactivity_period_ms,
			 last_activity, next_reminder_at, expires_at, triggered_at,
			 delivery_status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_key) DO UPDATE
		SET state = EXCLUDED.state,
		    checkin_interval_ms = EXCLUDED.checkin_interval_ms,
		    inactivity_period_ms = EXCLUDED.inactivity_period_ms,
		    last_activity = EXCLUDED.last_activity,
		    next_reminder_at = EXCLUDED.next_reminder_at,
		    expires_at = EXCLUDED.expires_at,
		    triggered_at = EXCLUDED.triggered_at,
		    delivery_status = EXCLUDED.delivery_status,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := r.pool.Exec(ctx, query,
		snapshot.UserKey,
		string(snapshot.State),
		snapshot.Schedule.CheckinInterval.Milliseconds(),
		snapshot.Schedule.InactivityPeriod.Milliseconds(),
		snapshot.LastActivity,
		snapshot.NextReminderAt,
		snapshot.ExpiresAt,
		snapshot.TriggeredAt,
		string(snapshot.DeliveryStatus),
		snapshot.UpdatedAt,
	)
	return err
}

func (r *PgSnapshotRepository) LoadAll(ctx context.Context) ([]domain.SwitchSnapshot, error) {
	const query = `
		SELECT user_key, state, checkin_interval_ms, inactivity_period_ms,
		       last_activity, next_reminder_at, expires_at, triggered_at,
		       delivery_status, updated_at
		FROM switch_snapshots
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []domain.SwitchSnapshot
	for rows.Next() {
		var (
			snap                    domain.SwitchSnapshot
			state, delivery         string
			checkinMs, inactivityMs int64
		)
		err = rows.Scan(
			&snap.UserKey,
			&state,
			&checkinMs,
			&inactivityMs,
			&snap.LastActivity,
			&snap.NextReminderAt,
			&snap.ExpiresAt,
			&snap.TriggeredAt,
			&delivery,
			&snap.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		snap.State = domain.SwitchState(state)
		snap.DeliveryStatus = domain.DeliveryStatus(delivery)
		snap.Schedule.CheckinInterval = msToDuration(checkinMs)
		snap.Schedule.InactivityPeriod = msToDuration(inactivityMs)
		snapshots = append(snapshots, snap)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return snapshots, nil
}

func (r *PgSnapshotRepository) Delete(ctx context.Context, userKey string) error {
	const query = `DELETE FROM switch_snapshots WHERE user_key = $1`
	_, err := r.pool.Exec(ctx, query, userKey)
	return err
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
