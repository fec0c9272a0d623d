package sqlite

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

	res, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (name, description, created_by, job_id, is_private, is_active, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
	`, room.Name, room.Description, room.CreatedBy, room.JobID, room.IsPrivate, room.LastActivity.UTC(), room.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	room.ID = id
	room.IsActive = true

	for _, m := range room.Members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO room_members (room_id, user_id, role, joined_at)
			VALUES (?, ?, ?, ?)
		`, id, m.UserID, string(m.Role), m.JoinedAt.UTC()); err != nil {
			return fmt.Errorf("insert member %d: %w", m.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *RoomRepo) GetByID(ctx context.Context, id int64) (*domain.Room, error) {
	room, err := scanRoom(r.db.QueryRowContext(ctx, `
		SELECT `+roomColumns+` FROM rooms r WHERE r.id = ?
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
		WHERE rm.user_id = ? AND r.is_active
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
	rows.Close()

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

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM room_members WHERE room_id = ? AND user_id = ?)
	`, roomID, m.UserID).Scan(&exists); err != nil {
		return fmt.Errorf("check member: %w", err)
	}
	if exists {
		return fmt.Errorf("user %d in room %d: %w", m.UserID, roomID, domain.ErrConflict)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM room_members WHERE room_id = ?`, roomID).Scan(&count); err != nil {
		return fmt.Errorf("count members: %w", err)
	}
	if count >= limit {
		return domain.ErrRoomFull
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)
	`, roomID, m.UserID, string(m.Role), m.JoinedAt.UTC()); err != nil {
		return fmt.Errorf("insert member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *RoomRepo) RemoveMember(ctx context.Context, roomID, userID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID)
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
		UPDATE room_members SET role = ? WHERE room_id = ? AND user_id = ?
	`, string(role), roomID, userID)
	if err != nil {
		return fmt.Errorf("update member role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("user %d is not a member of room %d", userID, roomID)
	}
	return nil
}

func (r *RoomRepo) Deactivate(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE rooms SET is_active = 0 WHERE id = ?`, id)
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
		WHERE room_id IN (`+placeholders(len(ids))+`)
		ORDER BY joined_at, user_id
	`, int64Args(ids)...)
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
