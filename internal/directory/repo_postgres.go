package directory

import (
	"context"
	"database/sql"
	"time"

	"voice-gateway/pkg/utils"
)

// PostgresRepo is the production destination store.
//
// Schema:
//
//	CREATE TABLE transfer_destinations (
//	    key          TEXT PRIMARY KEY,
//	    display_name TEXT NOT NULL,
//	    target_uri   TEXT NOT NULL,
//	    updated_at   TIMESTAMPTZ NOT NULL
//	);
type PostgresRepo struct {
	db *sql.DB

	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

func (r *PostgresRepo) ListDestinations(ctx context.Context) ([]Destination, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT key, display_name, target_uri, updated_at
		FROM transfer_destinations
		ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Destination
	for rows.Next() {
		var d Destination
		if err := rows.Scan(&d.Key, &d.DisplayName, &d.TargetURI, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) UpsertDestination(ctx context.Context, d Destination) error {
	if err := d.validate(); err != nil {
		return err
	}
	now := r.clock().UTC()

	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transfer_destinations (key, display_name, target_uri, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE
			SET display_name = EXCLUDED.display_name,
			    target_uri = EXCLUDED.target_uri,
			    updated_at = EXCLUDED.updated_at`,
			d.Key, d.DisplayName, d.TargetURI, now)
		return err
	})
}
