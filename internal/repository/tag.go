package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventchat/internal/model"
)

type TagRepository struct {
	pool *pgxpool.Pool
}

func NewTagRepository(pool *pgxpool.Pool) *TagRepository {
	return &TagRepository{pool: pool}
}

func (r *TagRepository) List(ctx context.Context, eventID string) ([]model.Tag, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, event_id, label FROM tags WHERE event_id = $1 ORDER BY label ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("tagRepo.List query: %w", err)
	}
	defer rows.Close()

	tags := make([]model.Tag, 0, 8)
	for rows.Next() {
		var t model.Tag
		if err := rows.Scan(&t.ID, &t.EventID, &t.Label); err != nil {
			return nil, fmt.Errorf("tagRepo.List scan: %w", err)
		}
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tagRepo.List rows: %w", err)
	}
	return tags, nil
}

func (r *TagRepository) Create(ctx context.Context, t *model.Tag) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tags (id, event_id, label) VALUES ($1, $2, $3)`,
		t.ID, t.EventID, t.Label)
	if err != nil {
		return fmt.Errorf("tagRepo.Create: %w", err)
	}
	return nil
}

func (r *TagRepository) Update(ctx context.Context, id, label string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE tags SET label = $2 WHERE id = $1`, id, label)
	if err != nil {
		return fmt.Errorf("tagRepo.Update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *TagRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM tags WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("tagRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
