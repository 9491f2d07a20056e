package diagnosis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labsense/labsense/internal/platform/db"
)

type diagnosisRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &diagnosisRepoPG{pool: pool}
}

func (r *diagnosisRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const diagnosisCols = `d.id, d.owner_id, d.report_id, r.report_name, r.report_type, d.symptoms,
	d.ai_response, d.possible_conditions, d.recommendations, d.severity_level, d.degraded, d.created_at`

// diagnosisFrom joins the linked report for its name and type.
const diagnosisFrom = ` FROM diagnosis d LEFT JOIN lab_report r ON r.id = d.report_id`

func scanDiagnosis(row pgx.Row) (*Diagnosis, error) {
	var d Diagnosis
	var aiResponse, conditions, recommendations []byte
	err := row.Scan(&d.ID, &d.OwnerID, &d.ReportID, &d.ReportName, &d.ReportType, &d.Symptoms,
		&aiResponse, &conditions, &recommendations, &d.SeverityLevel, &d.Degraded, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.AIResponse = json.RawMessage(aiResponse)
	if err := json.Unmarshal(conditions, &d.PossibleConditions); err != nil {
		return nil, fmt.Errorf("decode possible_conditions for %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(recommendations, &d.Recommendations); err != nil {
		return nil, fmt.Errorf("decode recommendations for %s: %w", d.ID, err)
	}
	return &d, nil
}

func (r *diagnosisRepoPG) Create(ctx context.Context, d *Diagnosis) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	conditions, err := json.Marshal(d.PossibleConditions)
	if err != nil {
		return fmt.Errorf("encode possible_conditions: %w", err)
	}
	recommendations, err := json.Marshal(d.Recommendations)
	if err != nil {
		return fmt.Errorf("encode recommendations: %w", err)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO diagnosis (id, owner_id, report_id, symptoms, ai_response, possible_conditions,
			recommendations, severity_level, degraded)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		d.ID, d.OwnerID, d.ReportID, d.Symptoms, []byte(d.AIResponse), conditions,
		recommendations, d.SeverityLevel, d.Degraded,
	).Scan(&d.CreatedAt)
}

func (r *diagnosisRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Diagnosis, error) {
	return scanDiagnosis(r.conn(ctx).QueryRow(ctx, `SELECT `+diagnosisCols+diagnosisFrom+` WHERE d.id = $1`, id))
}

func (r *diagnosisRepoPG) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Diagnosis, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM diagnosis WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+diagnosisCols+diagnosisFrom+` WHERE d.owner_id = $1
		ORDER BY d.created_at DESC, d.id LIMIT $2 OFFSET $3`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Diagnosis
	for rows.Next() {
		d, err := scanDiagnosis(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}
