package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labsense/labsense/internal/platform/db"
)

type profileRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &profileRepoPG{pool: pool}
}

func (r *profileRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const profileCols = `user_id, name, age, sex, medical_history, lifestyle_info, created_at, updated_at`

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	var history, lifestyle []byte
	err := row.Scan(&p.UserID, &p.Name, &p.Age, &p.Sex, &history, &lifestyle, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(history, &p.MedicalHistory); err != nil {
		return nil, fmt.Errorf("decode medical_history for %s: %w", p.UserID, err)
	}
	if err := json.Unmarshal(lifestyle, &p.LifestyleInfo); err != nil {
		return nil, fmt.Errorf("decode lifestyle_info for %s: %w", p.UserID, err)
	}
	return &p, nil
}

func (r *profileRepoPG) GetByUserID(ctx context.Context, userID string) (*Profile, error) {
	return scanProfile(r.conn(ctx).QueryRow(ctx, `SELECT `+profileCols+` FROM user_profile WHERE user_id = $1`, userID))
}

func (r *profileRepoPG) Upsert(ctx context.Context, p *Profile) error {
	history, err := json.Marshal(p.MedicalHistory)
	if err != nil {
		return fmt.Errorf("encode medical_history: %w", err)
	}
	lifestyle, err := json.Marshal(p.LifestyleInfo)
	if err != nil {
		return fmt.Errorf("encode lifestyle_info: %w", err)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO user_profile (user_id, name, age, sex, medical_history, lifestyle_info)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (user_id) DO UPDATE SET
			name = EXCLUDED.name,
			age = EXCLUDED.age,
			sex = EXCLUDED.sex,
			medical_history = EXCLUDED.medical_history,
			lifestyle_info = EXCLUDED.lifestyle_info,
			updated_at = NOW()
		RETURNING created_at, updated_at`,
		p.UserID, p.Name, p.Age, p.Sex, history, lifestyle,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}
