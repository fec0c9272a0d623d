package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/store"
)

type RoomRepo struct {
	db *sql.DB
}

func NewRoomRepo(db *sql.DB) *RoomRepo {
	return &RoomRepo{db: db}
}

var _ domain.RoomRepository = (*RoomRepo)(nil)

const roomColumns = `r.id, r.name, r.description, r.created_by, r.job_id, r.is_private, r.is_active, r.last_activity, r.created_at`

func (r *RoomRepo) Create(ctx context.Context, room *domain.Room) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, `
		INSERT INTO rooms (name, description, created_by, job_id, is_private, is_active, last_activity, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)
		RETURNING id
	`, room.Name, room.Description, room.CreatedBy, room.JobID, room.IsPrivate, room.LastActivity, room.CreatedAt).Scan(&room.ID); err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	room.IsActive = true

	for _, m := range room.Members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO room_members (room_id, user_id, role, joined_at)
			VALUES ($1, $2, $3, $4)
		`, room.ID, m.UserID, string(m.Role), m.JoinedAt); err != nil {
			return fmt.Errorf("insert member %d: %w", m.UserID, err)
		}
	}

	return tx.Commit()
}

func (r *RoomRepo) GetByID(ctx context.Context, id int64) (*domain.Room, error) {
	room, err := scanRoom(r.db.QueryRowContext(ctx, `
		SELECT `+roomColumns+` FROM rooms r WHERE r.id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if err := r.loadMembers(ctx, []*domain.Room{room}); err != nil {
		return nil, err
	}
	return room, nil
}

func (r *RoomRepo) ListForUser(ctx context.Context, userID int64) ([]*domain.Room, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+roomColumns+`
		FROM rooms r
		JOIN room_members rm ON rm.room_id = r.id
		WHERE rm.user_id = $1 AND r.is_active
		ORDER BY r.last_activity DESC, r.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var res []*domain.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		res = append(res, room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadMembers(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *RoomRepo) AddMember(ctx context.Context, roomID int64, m domain.RoomMember, limit int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Lock the room row so concurrent adds see each other's inserts before
	// counting.
	var locked int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM rooms WHERE id = $1 FOR UPDATE`, roomID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFoundf("room %d", roomID)
	}
	if err != nil {
		return fmt.Errorf("lock room: %w", err)
	}

	var count int
	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(BOOL_OR(user_id = $2), FALSE)
		FROM room_members WHERE room_id = $1
	`, roomID, m.UserID).Scan(&count, &exists); err != nil {
		return fmt.Errorf("count members: %w", err)
	}
	if exists {
		return fmt.Errorf("user %d in room %d: %w", m.UserID, roomID, domain.ErrConflict)
	}
	if count >= limit {
		return domain.ErrRoomFull
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id, role, joined_at)
		VALUES ($1, $2, $3, $4)
	`, roomID, m.UserID, string(m.Role), m.JoinedAt); err != nil {
		return fmt.Errorf("insert member: %w", err)
	}

	return tx.Commit()
}

func (r *RoomRepo) RemoveMember(ctx context.Context, roomID, userID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("user %d is not a member of room %d", userID, roomID)
	}
	return nil
}

func (r *RoomRepo) UpdateMemberRole(ctx context.Context, roomID, userID int64, role domain.RoomRole) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE room_members SET role = $3 WHERE room_id = $1 AND user_id = $2
	`, roomID, userID, string(role))
	if err != nil {
		return fmt.Errorf("update member role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("user %d is not a member of room %d", userID, roomID)
	}
	return nil
}

func (r *RoomRepo) Deactivate(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE rooms SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("room %d", id)
	}
	return nil
}

func (r *RoomRepo) loadMembers(ctx context.Context, rooms []*domain.Room) error {
	if len(rooms) == 0 {
		return nil
	}
	byID := make(map[int64]*domain.Room, len(rooms))
	ids := make([]int64, len(rooms))
	for i, room := range rooms {
		byID[room.ID] = room
		ids[i] = room.ID
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT room_id, user_id, role, joined_at
		FROM room_members
		WHERE room_id = ANY($1)
		ORDER BY joined_at, user_id
	`, ids)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			roomID int64
			role   string
			m      domain.RoomMember
		)
		if err := rows.Scan(&roomID, &m.UserID, &role, &m.JoinedAt); err != nil {
			return fmt.Errorf("scan member: %w", err)
		}
		m.Role = domain.RoomRole(role)
		m.JoinedAt = m.JoinedAt.UTC()
		if room := byID[roomID]; room != nil {
			room.Members = append(room.Members, m)
		}
	}
	return rows.Err()
}

func scanRoom(s store.Scanner) (*domain.Room, error) {
	var room domain.Room
	if err := s.Scan(
		&room.ID,
		&room.Name,
		&room.Description,
		&room.CreatedBy,
		&room.JobID,
		&room.IsPrivate,
		&room.IsActive,
		&room.LastActivity,
		&room.CreatedAt,
	); err != nil {
		return nil, err
	}
	room.LastActivity = room.LastActivity.UTC()
	room.CreatedAt = room.CreatedAt.UTC()
	return &room, nil
}
