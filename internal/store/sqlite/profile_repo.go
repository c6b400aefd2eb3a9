package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"chatcore/internal/domain"
)

type ProfileRepo struct {
	db *sql.DB
}

func NewProfileRepo(db *sql.DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

var _ domain.ProfileRepository = (*ProfileRepo)(nil)

func (r *ProfileRepo) Upsert(ctx context.Context, p *domain.Profile) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, display_name, avatar_url, role, email, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			role = excluded.role,
			email = excluded.email,
			updated_at = excluded.updated_at
	`, p.UserID, p.DisplayName, p.AvatarURL, p.Role, p.Email, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// GetMany returns the known profiles among userIDs; unknown ids are absent
// from the map.
func (r *ProfileRepo) GetMany(ctx context.Context, userIDs []string) (map[string]*domain.Profile, error) {
	res := make(map[string]*domain.Profile, len(userIDs))
	if len(userIDs) == 0 {
		return res, nil
	}
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, display_name, avatar_url, role, email, updated_at
		FROM profiles
		WHERE user_id IN (`+placeholders(len(userIDs))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("get profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p := &domain.Profile{}
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.AvatarURL, &p.Role, &p.Email, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		res[p.UserID] = p
	}
	return res, rows.Err()
}
