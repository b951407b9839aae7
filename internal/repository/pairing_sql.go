package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qrpair/pairing-server/internal/database"
	"github.com/qrpair/pairing-server/internal/model"
)

// pairingSessionRow is the flat column layout of pairing_sessions.
type pairingSessionRow struct {
	ID          string         `db:"id"`
	TokenHash   string         `db:"token_hash"`
	Kind        string         `db:"kind"`
	DeviceID    string         `db:"device_id"`
	ResourceID  string         `db:"resource_id"`
	Issuer      string         `db:"issuer"`
	Status      string         `db:"status"`
	SubjectID   sql.NullString `db:"subject_id"`
	SubjectRole sql.NullString `db:"subject_role"`
	SubjectName sql.NullString `db:"subject_name"`
	CreatedAt   time.Time      `db:"created_at"`
	ExpiresAt   time.Time      `db:"expires_at"`
	ActivatedAt sql.NullTime   `db:"activated_at"`
	ConsumedAt  sql.NullTime   `db:"consumed_at"`
}

func (r *pairingSessionRow) toModel() *model.PairingSession {
	s := &model.PairingSession{
		ID:        r.ID,
		TokenHash: r.TokenHash,
		Kind:      model.Kind(r.Kind),
		Context: model.SessionContext{
			DeviceID:   r.DeviceID,
			ResourceID: r.ResourceID,
		},
		Issuer:    r.Issuer,
		Status:    model.Status(r.Status),
		CreatedAt: r.CreatedAt.UTC(),
		ExpiresAt: r.ExpiresAt.UTC(),
	}
	if r.SubjectID.Valid {
		s.Subject = &model.Subject{
			ID:   r.SubjectID.String,
			Role: r.SubjectRole.String,
			Name: r.SubjectName.String,
		}
	}
	if r.ActivatedAt.Valid {
		t := r.ActivatedAt.Time.UTC()
		s.ActivatedAt = &t
	}
	if r.ConsumedAt.Valid {
		t := r.ConsumedAt.Time.UTC()
		s.ConsumedAt = &t
	}
	return s
}

func rowFromModel(s *model.PairingSession) pairingSessionRow {
	row := pairingSessionRow{
		ID:         s.ID,
		TokenHash:  s.TokenHash,
		Kind:       string(s.Kind),
		DeviceID:   s.Context.DeviceID,
		ResourceID: s.Context.ResourceID,
		Issuer:     s.Issuer,
		Status:     string(s.Status),
		CreatedAt:  s.CreatedAt.UTC(),
		ExpiresAt:  s.ExpiresAt.UTC(),
	}
	if s.Subject != nil {
		row.SubjectID = sql.NullString{String: s.Subject.ID, Valid: true}
		row.SubjectRole = sql.NullString{String: s.Subject.Role, Valid: true}
		row.SubjectName = sql.NullString{String: s.Subject.Name, Valid: true}
	}
	if s.ActivatedAt != nil {
		row.ActivatedAt = sql.NullTime{Time: s.ActivatedAt.UTC(), Valid: true}
	}
	if s.ConsumedAt != nil {
		row.ConsumedAt = sql.NullTime{Time: s.ConsumedAt.UTC(), Valid: true}
	}
	return row
}

const pairingSessionCols = `id, token_hash, kind, device_id, resource_id, issuer, status,
	subject_id, subject_role, subject_name, created_at, expires_at, activated_at, consumed_at`

type sqlPairingRepo struct {
	db database.DBTX
}

// NewSQLPairingRepository returns a store over pairing_sessions. It works on
// Postgres and SQLite; queries are written with ? and rebound per driver.
func NewSQLPairingRepository(db *sqlx.DB) PairingSessionRepository {
	return &sqlPairingRepo{db: db}
}

func (r *sqlPairingRepo) Put(ctx context.Context, session *model.PairingSession) error {
	row := rowFromModel(session)
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO pairing_sessions (`+pairingSessionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		row.ID, row.TokenHash, row.Kind, row.DeviceID, row.ResourceID, row.Issuer, row.Status,
		row.SubjectID, row.SubjectRole, row.SubjectName, row.CreatedAt, row.ExpiresAt,
		row.ActivatedAt, row.ConsumedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateSession
	}
	return err
}

func (r *sqlPairingRepo) Get(ctx context.Context, id string) (*model.PairingSession, error) {
	var row pairingSessionRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT `+pairingSessionCols+` FROM pairing_sessions WHERE id = ?
	`), id)
	found, err := HandleNotFound(&row, err)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrSessionNotFound
	}
	return found.toModel(), nil
}

// CompareAndSwapStatus relies on the row-level conditional update: the
// UPDATE only matches while the stored status still equals expected, so two
// racing callers cannot both succeed.
func (r *sqlPairingRepo) CompareAndSwapStatus(
	ctx context.Context,
	id string,
	expected, next model.Status,
	mutate SessionMutator,
) (*model.PairingSession, error) {
	if err := checkTransition(expected, next); err != nil {
		return nil, err
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != expected {
		return nil, ErrStatusConflict
	}

	updated := applyTransition(current, next, mutate)
	row := rowFromModel(updated)

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE pairing_sessions SET
			status = ?,
			subject_id = ?,
			subject_role = ?,
			subject_name = ?,
			activated_at = ?,
			consumed_at = ?
		WHERE id = ? AND status = ?
	`),
		row.Status, row.SubjectID, row.SubjectRole, row.SubjectName, row.ActivatedAt, row.ConsumedAt,
		id, string(expected),
	)
	if err != nil {
		return nil, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrStatusConflict
	}
	return updated, nil
}

func (r *sqlPairingRepo) CountPendingByIssuer(ctx context.Context, issuer string, now time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind(`
		SELECT COUNT(*) FROM pairing_sessions
		WHERE issuer = ? AND status = 'pending' AND expires_at >= ?
	`), issuer, now.UTC())
	return count, err
}

func (r *sqlPairingRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM pairing_sessions WHERE expires_at < ?
	`), before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *sqlPairingRepo) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS count FROM pairing_sessions GROUP BY status
	`)
	if err != nil {
		return nil, err
	}

	counts := make(map[model.Status]int, len(rows))
	for _, row := range rows {
		counts[model.Status(row.Status)] = row.Count
	}
	return counts, nil
}
