package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qrpair/pairing-server/internal/database"
	"github.com/qrpair/pairing-server/internal/util"
)

// SQLDirectory reads identity_tokens and resource_assignments.
type SQLDirectory struct {
	db *database.DB
}

func NewSQLDirectory(db *database.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

func (d *SQLDirectory) Authenticate(ctx context.Context, bearerToken string) (*Identity, error) {
	if bearerToken == "" {
		return nil, nil
	}

	var row struct {
		UserID string `db:"user_id"`
		Role   string `db:"role"`
		Name   string `db:"name"`
	}
	err := d.db.GetContext(ctx, &row, d.db.Rebind(`
		SELECT user_id, role, name FROM identity_tokens
		WHERE token_hash = ? AND revoked_at IS NULL
	`), util.HashToken(bearerToken))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup identity token: %w", err)
	}

	return &Identity{UserID: row.UserID, Role: row.Role, Name: row.Name}, nil
}

func (d *SQLDirectory) IsAssigned(ctx context.Context, userID, resourceID string) (bool, error) {
	var count int
	err := d.db.GetContext(ctx, &count, d.db.Rebind(`
		SELECT COUNT(*) FROM resource_assignments WHERE user_id = ? AND resource_id = ?
	`), userID, resourceID)
	if err != nil {
		return false, fmt.Errorf("lookup assignment: %w", err)
	}
	return count > 0, nil
}

// Grant stores a bearer token for id together with its resource
// assignments, all or nothing.
func (d *SQLDirectory) Grant(ctx context.Context, token string, id Identity, resourceIDs []string) error {
	now := time.Now().UTC()
	return d.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO identity_tokens (token_hash, user_id, role, name, created_at)
			VALUES (?, ?, ?, ?, ?)
		`), util.HashToken(token), id.UserID, id.Role, id.Name, now)
		if err != nil {
			return fmt.Errorf("insert identity token: %w", err)
		}

		for _, resourceID := range resourceIDs {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO resource_assignments (user_id, resource_id, created_at)
				VALUES (?, ?, ?)
				ON CONFLICT (user_id, resource_id) DO NOTHING
			`), id.UserID, resourceID, now)
			if err != nil {
				return fmt.Errorf("insert assignment %s: %w", resourceID, err)
			}
		}
		return nil
	})
}

// Revoke marks a token unusable. It reports whether a live token matched.
func (d *SQLDirectory) Revoke(ctx context.Context, token string) (bool, error) {
	result, err := d.db.ExecContext(ctx, d.db.Rebind(`
		UPDATE identity_tokens SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL
	`), time.Now().UTC(), util.HashToken(token))
	if err != nil {
		return false, fmt.Errorf("revoke identity token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
