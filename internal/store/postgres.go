package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/rezonia/fiscal-processor/internal/model"
)

const (
	documentsTable = "fiscal_documents"

	// uniqueViolation is the SQLSTATE of a concurrent insert losing the race
	uniqueViolation = "23505"
)

const schema = `
CREATE TABLE IF NOT EXISTS fiscal_documents (
	id            UUID PRIMARY KEY,
	chave_acesso  CHAR(44) NOT NULL UNIQUE,
	document_type TEXT NOT NULL,
	numero        TEXT NOT NULL,
	serie         TEXT NOT NULL,
	emitente_cnpj TEXT NOT NULL DEFAULT '',
	data_emissao  TIMESTAMP NOT NULL,
	valor_total   NUMERIC(15,2) NOT NULL,
	is_valid      BOOLEAN,
	document      JSONB NOT NULL,
	validation    JSONB,
	ingested_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS fiscal_documents_listing_idx
	ON fiscal_documents (data_emissao DESC, chave_acesso);
CREATE INDEX IF NOT EXISTS fiscal_documents_type_idx
	ON fiscal_documents (document_type, ingested_at);
`

var entryColumns = []string{"id", "document", "validation", "ingested_at"}

// PostgresConfig holds connection settings
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN renders the keyword/value connection string
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// PostgresBackend stores entries in one table keyed by chave_acesso
type PostgresBackend struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPool opens and pings a connection pool
func NewPool(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.DBName),
	)
	return pool, nil
}

// NewPostgresBackend wraps an open pool
func NewPostgresBackend(db *pgxpool.Pool, logger *zap.Logger) *PostgresBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresBackend{db: db, logger: logger}
}

// EnsureSchema creates the table and indexes when missing
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Name() string { return "postgres" }

func (b *PostgresBackend) InsertIfAbsent(ctx context.Context, entry *model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	sql, args, err := insertQuery(entry)
	if err != nil {
		return nil, false, err
	}

	tag, err := b.db.Exec(ctx, sql, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
			return nil, false, pgError("insert", err)
		}
	} else if tag.RowsAffected() == 1 {
		return entry, true, nil
	}

	existing, err := b.Get(ctx, entry.Key())
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (b *PostgresBackend) Get(ctx context.Context, key string) (*model.LedgerEntry, error) {
	sql, args, err := squirrel.Select(entryColumns...).
		From(documentsTable).
		Where(squirrel.Eq{"chave_acesso": key}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	entry, err := scanEntry(b.db.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, pgError("get", err)
	}
	return entry, nil
}

func (b *PostgresBackend) List(ctx context.Context, filter Filter, limit, offset int) ([]*model.LedgerEntry, error) {
	sql, args, err := listQuery(filter, limit, offset)
	if err != nil {
		return nil, err
	}

	rows, err := b.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, pgError("list", err)
	}
	defer rows.Close()

	entries := make([]*model.LedgerEntry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, pgError("list", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("list", err)
	}
	return entries, nil
}

func (b *PostgresBackend) Count(ctx context.Context, filter Filter) (int, error) {
	sql, args, err := countQuery(filter)
	if err != nil {
		return 0, err
	}

	var n int
	if err := b.db.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, pgError("count", err)
	}
	return n, nil
}

func (b *PostgresBackend) Close() error {
	b.db.Close()
	return nil
}

func insertQuery(entry *model.LedgerEntry) (string, []interface{}, error) {
	doc := entry.Document
	document, err := json.Marshal(doc)
	if err != nil {
		return "", nil, fmt.Errorf("encode document: %w", err)
	}

	var validation []byte
	var isValid *bool
	if entry.Validation != nil {
		if validation, err = json.Marshal(entry.Validation); err != nil {
			return "", nil, fmt.Errorf("encode validation: %w", err)
		}
		valid := entry.Validation.IsValid
		isValid = &valid
	}

	return squirrel.Insert(documentsTable).
		Columns("id", "chave_acesso", "document_type", "numero", "serie", "emitente_cnpj",
			"data_emissao", "valor_total", "is_valid", "document", "validation", "ingested_at").
		Values(entry.ID, doc.AccessKey, string(doc.Type), doc.Number, doc.Series, doc.Issuer.TaxID(),
			doc.IssuedAt, doc.Total.StringFixed(2), isValid, document, validation, entry.IngestedAt).
		Suffix("ON CONFLICT (chave_acesso) DO NOTHING").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
}

func listQuery(filter Filter, limit, offset int) (string, []interface{}, error) {
	return applyFilter(squirrel.Select(entryColumns...).From(documentsTable), filter).
		OrderBy("data_emissao DESC", "chave_acesso ASC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
}

func countQuery(filter Filter) (string, []interface{}, error) {
	return applyFilter(squirrel.Select("COUNT(*)").From(documentsTable), filter).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
}

func applyFilter(q squirrel.SelectBuilder, filter Filter) squirrel.SelectBuilder {
	if filter.Type != model.DocumentTypeUnknown {
		q = q.Where(squirrel.Eq{"document_type": string(filter.Type)})
	}
	if !filter.IngestedSince.IsZero() {
		q = q.Where(squirrel.GtOrEq{"ingested_at": filter.IngestedSince})
	}
	return q
}

func scanEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var (
		id         uuid.UUID
		document   []byte
		validation []byte
		entry      model.LedgerEntry
	)
	if err := row.Scan(&id, &document, &validation, &entry.IngestedAt); err != nil {
		return nil, err
	}
	entry.ID = id

	entry.Document = &model.FiscalDocument{}
	if err := json.Unmarshal(document, entry.Document); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if len(validation) > 0 {
		entry.Validation = &model.ValidationResult{}
		if err := json.Unmarshal(validation, entry.Validation); err != nil {
			return nil, fmt.Errorf("decode validation: %w", err)
		}
	}
	return &entry, nil
}

func pgError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return model.NewStorageTimeoutError(op, err)
	}
	return model.NewStorageUnavailableError(op, err)
}
