package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/payments-core/internal/domain"
)

// CreateInAppNotification writes an inbox entry. When DedupeKey is set, a repeated
// key is silently ignored.
func (r *PostgresRepository) CreateInAppNotification(ctx context.Context, item domain.InAppNotification) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = domain.NotificationStatusUnread
	}
	data := item.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return err
	}

	var dedupeKey *string
	if item.DedupeKey != nil && strings.TrimSpace(*item.DedupeKey) != "" {
		trimmed := strings.TrimSpace(*item.DedupeKey)
		dedupeKey = &trimmed
	}

	query := `
		INSERT INTO in_app_notifications (
			id, user_id, category, type, title, body, status,
			related_entity_type, related_entity_id, data, dedupe_key, read_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
	`
	_, err = r.db.Exec(ctx, query,
		item.ID,
		item.UserID,
		item.Category,
		item.Type,
		item.Title,
		item.Body,
		item.Status,
		item.RelatedEntityType,
		item.RelatedEntityID,
		dataJSON,
		dedupeKey,
		item.ReadAt,
	)
	return err
}

// ListInAppNotifications retrieves paginated inbox notifications, newest first.
func (r *PostgresRepository) ListInAppNotifications(ctx context.Context, userID uuid.UUID, opts domain.NotificationListOptions) ([]domain.InAppNotification, error) {
	limit, offset := normalizePage(opts.Limit, opts.Offset, 50)

	query := `
		SELECT
			id, user_id, category, type, title, body, status,
			related_entity_type, related_entity_id, data, dedupe_key,
			read_at, created_at, updated_at
		FROM in_app_notifications
		WHERE user_id = $1
	`
	args := []interface{}{userID}
	argPos := 2

	if category := strings.TrimSpace(strings.ToLower(opts.Category)); category != "" {
		query += fmt.Sprintf(" AND category = $%d", argPos)
		args = append(args, category)
		argPos++
	}
	if status := strings.TrimSpace(strings.ToLower(opts.Status)); status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, status)
		argPos++
	}
	if search := strings.TrimSpace(opts.Search); search != "" {
		query += fmt.Sprintf(`
			AND (
				title ILIKE '%%' || $%d || '%%'
				OR COALESCE(body, '') ILIKE '%%' || $%d || '%%'
			)`, argPos, argPos)
		args = append(args, search)
		argPos++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.InAppNotification, 0, limit)
	for rows.Next() {
		var item domain.InAppNotification
		var payload []byte
		if err := rows.Scan(
			&item.ID,
			&item.UserID,
			&item.Category,
			&item.Type,
			&item.Title,
			&item.Body,
			&item.Status,
			&item.RelatedEntityType,
			&item.RelatedEntityID,
			&payload,
			&item.DedupeKey,
			&item.ReadAt,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		item.Data = map[string]interface{}{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &item.Data); err != nil {
				return nil, err
			}
		}
		results = append(results, item)
	}

	return results, rows.Err()
}

// MarkInAppNotificationRead reports false when the notification does not belong to the user.
func (r *PostgresRepository) MarkInAppNotificationRead(ctx context.Context, userID uuid.UUID, notificationID uuid.UUID) (bool, error) {
	query := `
		UPDATE in_app_notifications
		SET
			status = 'read',
			read_at = COALESCE(read_at, NOW()),
			updated_at = NOW()
		WHERE id = $1
		  AND user_id = $2
	`
	tag, err := r.db.Exec(ctx, query, notificationID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkAllInAppNotificationsRead marks every unread entry read, optionally within one category.
func (r *PostgresRepository) MarkAllInAppNotificationsRead(ctx context.Context, userID uuid.UUID, category *string) (int64, error) {
	query := `
		UPDATE in_app_notifications
		SET
			status = 'read',
			read_at = COALESCE(read_at, NOW()),
			updated_at = NOW()
		WHERE user_id = $1
		  AND status = 'unread'
	`
	args := []interface{}{userID}
	if category != nil && strings.TrimSpace(*category) != "" {
		query += " AND category = $2"
		args = append(args, strings.ToLower(strings.TrimSpace(*category)))
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) GetInAppNotificationUnreadCounts(ctx context.Context, userID uuid.UUID) (*domain.NotificationUnreadCounts, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE category = 'request') AS request_count,
			COUNT(*) FILTER (WHERE category = 'money_drop') AS money_drop_count,
			COUNT(*) FILTER (WHERE category = 'transfer') AS transfer_count,
			COUNT(*) FILTER (WHERE category = 'system') AS system_count
		FROM in_app_notifications
		WHERE user_id = $1 AND status = 'unread'
	`

	var counts domain.NotificationUnreadCounts
	if err := r.db.QueryRow(ctx, query, userID).Scan(
		&counts.Total,
		&counts.Request,
		&counts.MoneyDrop,
		&counts.Transfer,
		&counts.System,
	); err != nil {
		return nil, err
	}
	return &counts, nil
}
