package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bridgelink/syncengine/internal/syncengine/domain"
	"github.com/bridgelink/syncengine/internal/syncengine/store"
)

const pgUniqueViolation = "23505"

type pgMessageRepository struct {
	db *pgxpool.Pool
}

// NewPgMessageRepository creates the PostgreSQL-backed MessageStore.
// Schema lives in migrations/0001_messages.sql; the dedup invariant is a
// unique index on external_message_id.
func NewPgMessageRepository(db *pgxpool.Pool) store.MessageStore {
	return &pgMessageRepository{db: db}
}

const messageColumns = `
	id, conversation_id, content, origin_platform, external_message_id,
	created_at, status, status_history, metadata, delivered_at, read_at, updated_at
`

func (r *pgMessageRepository) Create(ctx context.Context, msg *domain.UnifiedMessage) error {
	content, history, metadata, err := encodeJSONFields(msg)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.db.Exec(ctx, query,
		msg.ID, msg.ConversationID, content, msg.OriginPlatform, msg.ExternalMessageID,
		msg.CreatedAt, msg.Status, history, metadata, msg.DeliveredAt, msg.ReadAt, msg.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateExternalID
	}
	return err
}

func (r *pgMessageRepository) GetByID(ctx context.Context, id string) (*domain.UnifiedMessage, error) {
	row := r.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (r *pgMessageRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.UnifiedMessage, error) {
	// Resolution may have folded the ID into a surviving message's
	// absorbed set; the lookup covers both so dedup holds across merges.
	row := r.db.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE external_message_id = $1
		   OR metadata->'absorbedExternalMessageIds' @> to_jsonb($1::text)
		LIMIT 1
	`, externalID)
	return scanMessage(row)
}

func (r *pgMessageRepository) ListConversation(ctx context.Context, conversationID string) ([]*domain.UnifiedMessage, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *pgMessageRepository) ListConversationWindow(ctx context.Context, conversationID string, from, to time.Time) ([]*domain.UnifiedMessage, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at ASC, id ASC
	`, conversationID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *pgMessageRepository) ListByStatus(ctx context.Context, statuses []domain.Status, olderThan time.Time, limit int) ([]*domain.UnifiedMessage, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, vals, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *pgMessageRepository) TransitionStatus(ctx context.Context, id string, expected domain.Status, change domain.StatusChange) error {
	entry, err := json.Marshal(change)
	if err != nil {
		return err
	}
	var deliveredAt, readAt *time.Time
	switch change.To {
	case domain.StatusDelivered:
		t := change.At
		deliveredAt = &t
	case domain.StatusRead:
		t := change.At
		readAt = &t
	}
	// CAS on status: the WHERE clause rejects the update if the observed
	// state no longer matches the expected prior state.
	tag, err := r.db.Exec(ctx, `
		UPDATE messages
		SET status = $3,
		    status_history = status_history || $4::jsonb,
		    delivered_at = COALESCE($5, delivered_at),
		    read_at = COALESCE($6, read_at),
		    updated_at = $7
		WHERE id = $1 AND status = $2
	`, id, expected, change.To, entry, deliveredAt, readAt, change.At)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrMessageNotFound
		}
		return domain.ErrStatusConflict
	}
	return nil
}

func (r *pgMessageRepository) SetExternalMessageID(ctx context.Context, id, externalID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages SET external_message_id = $2, updated_at = $3 WHERE id = $1
	`, id, externalID, time.Now().UTC())
	if isUniqueViolation(err) {
		return domain.ErrDuplicateExternalID
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *pgMessageRepository) ApplyResolution(ctx context.Context, removeIDs []string, persist []*domain.UnifiedMessage) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if len(removeIDs) > 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = ANY($1)`, removeIDs); err != nil {
				return err
			}
		}
		for _, msg := range persist {
			content, history, metadata, err := encodeJSONFields(msg)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO messages (`+messageColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (id) DO UPDATE SET
					content = EXCLUDED.content,
					external_message_id = EXCLUDED.external_message_id,
					status = EXCLUDED.status,
					status_history = EXCLUDED.status_history,
					metadata = EXCLUDED.metadata,
					updated_at = EXCLUDED.updated_at
			`,
				msg.ID, msg.ConversationID, content, msg.OriginPlatform, msg.ExternalMessageID,
				msg.CreatedAt, msg.Status, history, metadata, msg.DeliveredAt, msg.ReadAt, msg.UpdatedAt,
			)
			if isUniqueViolation(err) {
				return domain.ErrDuplicateExternalID
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *pgMessageRepository) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conversationID)
	return err
}

func encodeJSONFields(msg *domain.UnifiedMessage) (content, history, metadata []byte, err error) {
	content, err = json.Marshal(msg.Content)
	if err != nil {
		return nil, nil, nil, err
	}
	if msg.StatusHistory == nil {
		history = []byte("[]")
	} else if history, err = json.Marshal(msg.StatusHistory); err != nil {
		return nil, nil, nil, err
	}
	if msg.Metadata == nil {
		metadata = []byte("{}")
	} else if metadata, err = json.Marshal(msg.Metadata); err != nil {
		return nil, nil, nil, err
	}
	return content, history, metadata, nil
}

func scanMessage(row pgx.Row) (*domain.UnifiedMessage, error) {
	var (
		msg      domain.UnifiedMessage
		content  []byte
		history  []byte
		metadata []byte
	)
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &content, &msg.OriginPlatform, &msg.ExternalMessageID,
		&msg.CreatedAt, &msg.Status, &history, &metadata, &msg.DeliveredAt, &msg.ReadAt, &msg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(content, &msg.Content); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(history, &msg.StatusHistory); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, err
		}
	}
	return &msg, nil
}

func scanMessages(rows pgx.Rows) ([]*domain.UnifiedMessage, error) {
	var out []*domain.UnifiedMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
