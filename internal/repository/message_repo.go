package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"deploy-deadman/internal/domain"
)

// MessageRepository persiste los mensajes de beneficiarios de cada usuario.
type MessageRepository interface {
	Upsert(ctx context.Context, message domain.BeneficiaryMessage) error
	ListByUser(ctx context.Context, userKey string) ([]domain.BeneficiaryMessage, error)
	DeleteByUser(ctx context.Context, userKey string) error
}

type PgMessageRepository struct {
	pool *pgxpool.Pool
}

func NewPgMessageRepository(pool *pgxpool.Pool) *PgMessageRepository {
	return &PgMessageRepository{pool: pool}
}

func (r *PgMessageRepository) Upsert(ctx context.Context, message domain.BeneficiaryMessage) error {
	const query = `
		INSERT INTO beneficiary_messages (id, user_key, recipient, subject, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET recipient = EXCLUDED.recipient,
		    subject = EXCLUDED.subject,
		    body = EXCLUDED.body
	`
	_, err := r.pool.Exec(ctx, query,
		message.ID,
		message.UserKey,
		message.Recipient,
		message.Subject,
		message.Body,
		message.CreatedAt,
	)
	return err
}

func (r *PgMessageRepository) ListByUser(ctx context.Context, userKey string) ([]domain.BeneficiaryMessage, error) {
	const query = `
		SELECT id, user_key, recipient, subject, body, created_at
		FROM beneficiary_messages
		WHERE user_key = $1
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, userKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.BeneficiaryMessage
	for rows.Next() {
		var msg domain.BeneficiaryMessage
		err = rows.Scan(
			&msg.ID,
			&msg.UserKey,
			&msg.Recipient,
			&msg.Subject,
			&msg.Body,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

func (r *PgMessageRepository) DeleteByUser(ctx context.Context, userKey string) error {
	const query = `DELETE FROM beneficiary_messages WHERE user_key = $1`
	_, err := r.pool.Exec(ctx, query, userKey)
	return err
}
