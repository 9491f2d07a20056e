package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labsense/labsense/internal/biomarker"
	"github.com/labsense/labsense/internal/platform/db"
)

type reportRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &reportRepoPG{pool: pool}
}

func (r *reportRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const reportCols = `id, owner_id, report_name, report_type, file_ref, file_name, mime_type,
	ocr_status, parsed_data, raw_text, failure_reason, created_at, updated_at`

func scanReport(row pgx.Row) (*Report, error) {
	var rep Report
	var parsed []byte
	err := row.Scan(&rep.ID, &rep.OwnerID, &rep.ReportName, &rep.ReportType, &rep.FileRef, &rep.FileName, &rep.MimeType,
		&rep.OCRStatus, &parsed, &rep.RawText, &rep.FailureReason, &rep.CreatedAt, &rep.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(parsed) > 0 {
		if err := json.Unmarshal(parsed, &rep.ParsedData); err != nil {
			return nil, fmt.Errorf("decode parsed_data for %s: %w", rep.ID, err)
		}
	}
	return &rep, nil
}

func (r *reportRepoPG) Create(ctx context.Context, rep *Report) error {
	if rep.ID == uuid.Nil {
		rep.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_report (id, owner_id, report_name, report_type, file_ref, file_name, mime_type, ocr_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		rep.ID, rep.OwnerID, rep.ReportName, rep.ReportType, rep.FileRef, rep.FileName, rep.MimeType, rep.OCRStatus,
	).Scan(&rep.CreatedAt, &rep.UpdatedAt)
}

func (r *reportRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Report, error) {
	return scanReport(r.conn(ctx).QueryRow(ctx, `SELECT `+reportCols+` FROM lab_report WHERE id = $1`, id))
}

func (r *reportRepoPG) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Report, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_report WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+reportCols+` FROM lab_report WHERE owner_id = $1
		ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rep)
	}
	return items, total, rows.Err()
}

func (r *reportRepoPG) Complete(ctx context.Context, id uuid.UUID, parsed map[string]biomarker.Measurement, rawText string) error {
	if parsed == nil {
		parsed = map[string]biomarker.Measurement{}
	}
	data, err := json.Marshal(parsed)
	if err != nil {
		return fmt.Errorf("encode parsed_data: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_report SET ocr_status = 'completed', parsed_data = $2, raw_text = $3, updated_at = NOW()
		WHERE id = $1 AND ocr_status = 'processing'`,
		id, data, rawText)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete %s: %w", id, ErrNotProcessing)
	}
	return nil
}

func (r *reportRepoPG) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_report SET ocr_status = 'failed', parsed_data = NULL, failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND ocr_status = 'processing'`,
		id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail %s: %w", id, ErrNotProcessing)
	}
	return nil
}

func (r *reportRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM lab_report WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
