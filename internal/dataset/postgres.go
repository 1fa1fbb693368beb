// internal/dataset/postgres.go
package dataset

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/trainloop/internal/task"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// PostgresStore keeps datasets in the "datasets" table created by the task
// store migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Seeder = (*PostgresStore)(nil)
)

// NewPostgresStore wraps a pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Lookup(ctx context.Context, ref string) (*Dataset, error) {
	var d Dataset
	err := s.pool.QueryRow(ctx,
		`SELECT "ref", "location", "domain", "source_ref", "created_at" FROM "datasets" WHERE "ref" = $1`, ref,
	).Scan(&d.Ref, &d.Location, &d.Domain, &d.SourceRef, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrDatasetNotFound
		}
		return nil, fmt.Errorf("select dataset: %w", err)
	}
	return &d, nil
}

// Register inserts the dataset, copying the source's domain in the same
// statement so lineage is resolved atomically.
func (s *PostgresStore) Register(ctx context.Context, ref, location, sourceRef string) (*Dataset, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	var d Dataset
	err := s.pool.QueryRow(ctx, `INSERT INTO "datasets" ("ref", "location", "domain", "source_ref")
		VALUES ($1, $2, coalesce((SELECT "domain" FROM "datasets" WHERE "ref" = $3), $4), $3)
		ON CONFLICT ("ref") DO UPDATE SET "location" = EXCLUDED."location", "source_ref" = EXCLUDED."source_ref"
		RETURNING "ref", "location", "domain", "source_ref", "created_at"`,
		ref, location, sourceRef, DefaultDomain,
	).Scan(&d.Ref, &d.Location, &d.Domain, &d.SourceRef, &d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("register dataset: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) Put(ctx context.Context, d Dataset) error {
	if err := validateRef(d.Ref); err != nil {
		return err
	}
	if d.Domain == "" {
		d.Domain = DefaultDomain
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO "datasets" ("ref", "location", "domain", "source_ref")
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ("ref") DO UPDATE SET "location" = EXCLUDED."location", "domain" = EXCLUDED."domain"`,
		d.Ref, d.Location, d.Domain, d.SourceRef,
	)
	if err != nil {
		return fmt.Errorf("put dataset: %w", err)
	}
	return nil
}
