package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/config"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	"github.com/uptrace/bun/schema"
	_ "modernc.org/sqlite"
)

const (
	StatusPending = "pending"
	StatusIndexed = "indexed"
)

// IngestedFile is one row of the registry. content_hash is unique, so at most
// one document can own a given content across processes.
type IngestedFile struct {
	bun.BaseModel `bun:"table:ingested_files,alias:f"`
	DocumentID    string    `bun:"document_id,pk"`
	ContentHash   string    `bun:"content_hash,notnull,unique"`
	OriginalName  string    `bun:"original_name"`
	Status        string    `bun:"status,notnull"`
	PageCount     int       `bun:"page_count"`
	ImageCount    int       `bun:"image_count"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,notnull"`
}

// Registry records which document owns which content hash.
type Registry struct {
	db *bun.DB
}

// ConnectDB opens the sql.DB for cfg.Driver and returns the matching dialect.
func ConnectDB(cfg config.DatabaseConfig) (*sql.DB, schema.Dialect, error) {
	switch cfg.Driver {
	case "pg":
		return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN))), pgdialect.New(), nil
	case "postgres":
		sqldb, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		return sqldb, pgdialect.New(), nil
	case "sqlite":
		sqldb, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// sqlite serializes writers, and :memory: databases are per connection
		sqldb.SetMaxOpenConns(1)
		return sqldb, sqlitedialect.New(), nil
	}
	return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

func NewDB(sqldb *sql.DB, dialect schema.Dialect, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, dialect)
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

func NewRegistry(db *bun.DB) *Registry {
	return &Registry{db: db}
}

// Open connects, creates the schema and returns a ready registry.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Registry, error) {
	sqldb, dialect, err := ConnectDB(cfg)
	if err != nil {
		return nil, err
	}
	r := NewRegistry(NewDB(sqldb, dialect, cfg.Debug))
	if err := r.InitDB(ctx); err != nil {
		_ = r.Close()
		return nil, err
	}
	log.Info().Str("driver", cfg.Driver).Msg("file registry ready")
	return r, nil
}

func (r *Registry) InitDB(ctx context.Context) error {
	_, err := r.db.NewCreateTable().Model((*IngestedFile)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to create ingested_files: %v", models.ErrStore, err)
	}
	return nil
}

// Claim inserts a pending row for identity unless its content hash is taken.
// It returns the id of the document owning the hash afterwards.
func (r *Registry) Claim(ctx context.Context, identity models.DocumentIdentity) (string, error) {
	now := identity.IngestTimestamp
	if now.IsZero() {
		now = time.Now()
	}
	row := &IngestedFile{
		DocumentID:   identity.DocumentID,
		ContentHash:  identity.ContentHash,
		OriginalName: identity.OriginalName,
		Status:       StatusPending,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
	_, err := r.db.NewInsert().Model(row).On("CONFLICT (content_hash) DO NOTHING").Exec(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: failed to claim %s: %v", models.ErrStore, identity.ContentHash, err)
	}

	owner, found, err := r.Lookup(ctx, identity.ContentHash)
	if err != nil {
		return "", err
	}
	if !found {
		// released between insert and lookup
		return "", fmt.Errorf("%w: claim on %s vanished", models.ErrStore, identity.ContentHash)
	}
	return owner, nil
}

// Lookup returns the document id owning contentHash.
func (r *Registry) Lookup(ctx context.Context, contentHash string) (string, bool, error) {
	var row IngestedFile
	err := r.db.NewSelect().Model(&row).Where("content_hash = ?", contentHash).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: failed to look up %s: %v", models.ErrStore, contentHash, err)
	}
	return row.DocumentID, true, nil
}

// Get returns the registry row of documentID.
func (r *Registry) Get(ctx context.Context, documentID string) (*IngestedFile, error) {
	row := new(IngestedFile)
	err := r.db.NewSelect().Model(row).Where("document_id = ?", documentID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", models.ErrNotFound, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", models.ErrStore, documentID, err)
	}
	return row, nil
}

func (r *Registry) MarkIndexed(ctx context.Context, documentID string, pages, images int) error {
	_, err := r.db.NewUpdate().Model((*IngestedFile)(nil)).
		Set("status = ?", StatusIndexed).
		Set("page_count = ?", pages).
		Set("image_count = ?", images).
		Set("updated_at = ?", time.Now().UTC()).
		Where("document_id = ?", documentID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to mark %s indexed: %v", models.ErrStore, documentID, err)
	}
	return nil
}

// Release drops the claim of documentID so the content can be ingested again.
func (r *Registry) Release(ctx context.Context, documentID string) error {
	_, err := r.db.NewDelete().Model((*IngestedFile)(nil)).Where("document_id = ?", documentID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to release %s: %v", models.ErrStore, documentID, err)
	}
	return nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}
