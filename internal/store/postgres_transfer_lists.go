package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/payments-core/internal/domain"
)

// CreateTransferList inserts a list and its members in member order.
func (r *PostgresRepository) CreateTransferList(ctx context.Context, list *domain.TransferList, memberIDs []uuid.UUID) (*domain.TransferList, error) {
	if list.ID == uuid.Nil {
		list.ID = uuid.New()
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	insertList := `
		INSERT INTO transfer_lists (id, owner_id, name)
		VALUES ($1, $2, $3)
	`
	if _, err := tx.Exec(ctx, insertList, list.ID, list.OwnerID, list.Name); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrTransferListNameTaken
		}
		return nil, fmt.Errorf("insert transfer list: %w", err)
	}
	if err := insertTransferListMembers(ctx, tx, list.ID, memberIDs, 0); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r.GetTransferListByID(ctx, list.OwnerID, list.ID)
}

func insertTransferListMembers(ctx context.Context, tx pgx.Tx, listID uuid.UUID, memberIDs []uuid.UUID, firstPosition int) error {
	insertMember := `
		INSERT INTO transfer_list_members (list_id, member_user_id, position)
		VALUES ($1, $2, $3)
	`
	for i, memberID := range memberIDs {
		if _, err := tx.Exec(ctx, insertMember, listID, memberID, firstPosition+i); err != nil {
			return fmt.Errorf("insert transfer list member: %w", err)
		}
	}
	return nil
}

// ListTransferListsByOwner returns the owner's lists, most recently changed first.
func (r *PostgresRepository) ListTransferListsByOwner(ctx context.Context, ownerID uuid.UUID, opts domain.TransferListListOptions) ([]domain.TransferListSummary, error) {
	limit, offset := normalizePage(opts.Limit, opts.Offset, 30)
	query := `
		SELECT
			l.id,
			l.owner_id,
			l.name,
			COUNT(m.member_user_id)::int AS member_count,
			COALESCE(
				array_remove(array_agg(btrim(u.username) ORDER BY m.position), NULL),
				ARRAY[]::text[]
			) AS member_usernames,
			l.created_at,
			l.updated_at
		FROM transfer_lists l
		LEFT JOIN transfer_list_members m ON m.list_id = l.id
		LEFT JOIN users u ON u.id = m.member_user_id
		WHERE l.owner_id = $1
		  AND l.deleted_at IS NULL
		  AND ($2 = '' OR lower(l.name) LIKE '%' || lower($2) || '%')
		GROUP BY l.id
		ORDER BY l.updated_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.Query(ctx, query, ownerID, strings.TrimSpace(opts.Search), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.TransferListSummary, 0, limit)
	for rows.Next() {
		var item domain.TransferListSummary
		if err := rows.Scan(
			&item.ID,
			&item.OwnerID,
			&item.Name,
			&item.MemberCount,
			&item.MemberUsernames,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		results = append(results, item)
	}
	return results, rows.Err()
}

// GetTransferListByID returns an owner's list with its members in list order.
func (r *PostgresRepository) GetTransferListByID(ctx context.Context, ownerID uuid.UUID, listID uuid.UUID) (*domain.TransferList, error) {
	query := `
		SELECT id, owner_id, name, created_at, updated_at
		FROM transfer_lists
		WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL
	`
	var result domain.TransferList
	if err := r.db.QueryRow(ctx, query, listID, ownerID).Scan(
		&result.ID,
		&result.OwnerID,
		&result.Name,
		&result.CreatedAt,
		&result.UpdatedAt,
	); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferListNotFound
		}
		return nil, err
	}

	memberQuery := `
		SELECT u.id, btrim(u.username), u.full_name, m.created_at
		FROM transfer_list_members m
		JOIN users u ON u.id = m.member_user_id
		WHERE m.list_id = $1
		ORDER BY m.position ASC, m.created_at ASC
	`
	rows, err := r.db.Query(ctx, memberQuery, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]domain.TransferListMember, 0, 10)
	for rows.Next() {
		var item domain.TransferListMember
		if err := rows.Scan(&item.UserID, &item.Username, &item.FullName, &item.CreatedAt); err != nil {
			return nil, err
		}
		members = append(members, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	result.Members = members
	result.MemberCount = len(members)
	return &result, nil
}

// UpdateTransferList renames a list and replaces its members.
func (r *PostgresRepository) UpdateTransferList(ctx context.Context, ownerID uuid.UUID, listID uuid.UUID, name string, memberIDs []uuid.UUID) (*domain.TransferList, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	update := `
		UPDATE transfer_lists
		SET name = $1, updated_at = NOW()
		WHERE id = $2 AND owner_id = $3 AND deleted_at IS NULL
	`
	tag, err := tx.Exec(ctx, update, name, listID, ownerID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrTransferListNameTaken
		}
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrTransferListNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM transfer_list_members WHERE list_id = $1`, listID); err != nil {
		return nil, err
	}
	if err := insertTransferListMembers(ctx, tx, listID, memberIDs, 0); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r.GetTransferListByID(ctx, ownerID, listID)
}

// ToggleTransferListMember adds the user to the list, or removes them when already a
// member. The list row is locked so concurrent toggles respect maxMembers and never
// empty the list.
func (r *PostgresRepository) ToggleTransferListMember(ctx context.Context, ownerID uuid.UUID, listID uuid.UUID, memberID uuid.UUID, maxMembers int) (*domain.TransferList, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	var locked uuid.UUID
	if err := tx.QueryRow(ctx,
		`SELECT id FROM transfer_lists WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL FOR UPDATE`,
		listID, ownerID,
	).Scan(&locked); err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, ErrTransferListNotFound
		}
		return nil, false, err
	}

	var count, nextPosition int
	var isMember bool
	if err := tx.QueryRow(ctx, `
		SELECT
			COUNT(*)::int,
			COALESCE(MAX(position) + 1, 0)::int,
			COALESCE(bool_or(member_user_id = $2), FALSE)
		FROM transfer_list_members
		WHERE list_id = $1`,
		listID, memberID,
	).Scan(&count, &nextPosition, &isMember); err != nil {
		return nil, false, err
	}

	if isMember {
		if count <= 1 {
			return nil, false, ErrTransferListLastMember
		}
		if _, err := tx.Exec(ctx, `DELETE FROM transfer_list_members WHERE list_id = $1 AND member_user_id = $2`, listID, memberID); err != nil {
			return nil, false, err
		}
	} else {
		if maxMembers > 0 && count >= maxMembers {
			return nil, false, ErrTransferListFull
		}
		if err := insertTransferListMembers(ctx, tx, listID, []uuid.UUID{memberID}, nextPosition); err != nil {
			return nil, false, err
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE transfer_lists SET updated_at = NOW() WHERE id = $1`, listID); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	list, err := r.GetTransferListByID(ctx, ownerID, listID)
	if err != nil {
		return nil, false, err
	}
	return list, !isMember, nil
}

// DeleteTransferList soft-deletes an owner's list.
func (r *PostgresRepository) DeleteTransferList(ctx context.Context, ownerID uuid.UUID, listID uuid.UUID) (bool, error) {
	query := `
		UPDATE transfer_lists
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL
	`
	tag, err := r.db.Exec(ctx, query, listID, ownerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
