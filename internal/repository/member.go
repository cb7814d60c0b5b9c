package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventchat/internal/logger"
	"github.com/eventchat/internal/model"
)

type MemberRepository struct {
	pool *pgxpool.Pool
}

func NewMemberRepository(pool *pgxpool.Pool) *MemberRepository {
	return &MemberRepository{pool: pool}
}

// Upsert records a user in an event's roster, refreshing name and avatar.
func (r *MemberRepository) Upsert(ctx context.Context, eventID string, m model.Member) error {
	defer logger.DeferLogDuration("member.Upsert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO members (event_id, user_id, name, avatar, is_online)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (event_id, user_id)
		 DO UPDATE SET name = EXCLUDED.name, avatar = EXCLUDED.avatar, is_online = EXCLUDED.is_online`,
		eventID, m.ID, m.Name, m.Avatar, m.IsOnline,
	)
	if err != nil {
		return fmt.Errorf("memberRepo.Upsert: %w", err)
	}
	return nil
}

func (r *MemberRepository) SetOnline(ctx context.Context, eventID, userID string, online bool) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE members SET is_online = $3 WHERE event_id = $1 AND user_id = $2`,
		eventID, userID, online,
	)
	if err != nil {
		return fmt.Errorf("memberRepo.SetOnline: %w", err)
	}
	return nil
}

// List returns the roster for an event, used for @-mention candidates.
func (r *MemberRepository) List(ctx context.Context, eventID string) ([]model.Member, error) {
	defer logger.DeferLogDuration("member.List", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, name, avatar, is_online FROM members WHERE event_id = $1 ORDER BY name ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("memberRepo.List query: %w", err)
	}
	defer rows.Close()

	members := make([]model.Member, 0, 16)
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.ID, &m.Name, &m.Avatar, &m.IsOnline); err != nil {
			return nil, fmt.Errorf("memberRepo.List scan: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memberRepo.List rows: %w", err)
	}
	return members, nil
}
